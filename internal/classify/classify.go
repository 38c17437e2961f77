// Package classify maps an HTTP method and path onto the upstream
// ratelimit bucket that governs it. It is a pure, stateless collaborator:
// the coordination engine only ever consumes its two outputs, the
// bucket-distinguishing route template and whether the route is a
// short-lived interaction endpoint.
package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resource is the top-level path segment after the API version that
// determines which major-parameter rule applies.
type Resource string

const (
	ResourceChannels     Resource = "channels"
	ResourceGuilds       Resource = "guilds"
	ResourceWebhooks     Resource = "webhooks"
	ResourceInvites      Resource = "invites"
	ResourceInteractions Resource = "interactions"
	ResourceOAuth2       Resource = "oauth2"
	ResourceNone         Resource = ""
)

func resourceFromSegment(s string) Resource {
	switch s {
	case "channels", "guilds", "webhooks", "invites", "interactions", "oauth2":
		return Resource(s)
	default:
		return ResourceNone
	}
}

// Route is the outcome of classifying one request.
type Route struct {
	// Resource is the upstream resource family the path belongs to.
	Resource Resource
	// Template is the display route string, major parameters preserved
	// and minor ones erased. It does not include the identity and is
	// never used as a storage key: webhook interaction tokens collapse
	// to the literal "/!interaction" here so the string stays stable
	// across tokens, which would merge every interaction on a given
	// webhook into one bucket if used for coordination.
	Template string
	// RouteKey is the bucket-distinguishing string actually passed to
	// Engine.Admit and domain.RouteKey. It equals Template except for
	// webhook interaction tokens, where it carries the token's decoded
	// interaction id instead of the placeholder, so concurrent calls
	// against the same interaction share a bucket and calls against
	// different interactions don't.
	RouteKey string
	// IsInteraction marks routes that must use the short interaction
	// bucket TTL instead of the configured default.
	IsInteraction bool
	// RequiresAuth is false for the subset of webhook/oauth2/interaction
	// routes Discord allows to be called without a bot token.
	RequiresAuth bool
}

// discordEpochMs is the reference point Discord snowflake timestamps are
// relative to (2015-01-01T00:00:00.000Z).
const discordEpochMs uint64 = 1420070400000

// Classify derives the Route for method+path. now is the wall clock used
// to age-bucket message snowflakes; production callers pass time.Now().
func Classify(method, path string, now time.Time) Route {
	segments := splitPathSegments(path)
	if len(segments) == 0 {
		display := fmt.Sprintf("%s %s", method, path)
		return Route{Template: display, RouteKey: display, RequiresAuth: true}
	}

	resource := resourceFromSegment(segments[0])

	route := Route{Resource: resource}
	canIgnoreAuth := (resource == ResourceWebhooks && len(segments) != 2) ||
		resource == ResourceOAuth2 ||
		resource == ResourceInteractions
	route.RequiresAuth = !canIgnoreAuth

	// b accumulates the display template; rk accumulates the real
	// bucket-coordination key. They track each other exactly except at
	// the webhook-interaction-token branch below, where rk gets the
	// decoded interaction id instead of the display placeholder.
	var b, rk strings.Builder
	write := func(s string) {
		b.WriteString(s)
		rk.WriteString(s)
	}
	writef := func(format string, args ...any) {
		write(fmt.Sprintf(format, args...))
	}
	finish := func() Route {
		route.Template = b.String()
		route.RouteKey = rk.String()
		return route
	}

	switch resource {
	case ResourceInvites:
		write("invites/!")
		return finish()

	case ResourceChannels:
		if len(segments) == 2 {
			write("channels/!")
			return finish()
		}
		writef("channels/%s", segments[1])

	case ResourceGuilds:
		if len(segments) == 3 && segments[2] == "channels" {
			write("guilds/!*/channels")
			return finish()
		}
		if len(segments) >= 2 {
			writef("guilds/%s", segments[1])
		} else {
			write("guilds")
		}

	case ResourceInteractions:
		route.IsInteraction = true
		if len(segments) == 4 && segments[3] == "callback" {
			writef("interactions/%s/!/callback", segments[1])
			return finish()
		}
		writef("interactions/%s", segments[1])

	default:
		if len(segments) >= 2 {
			writef("%s/%s", segments[0], segments[1])
		} else {
			write(segments[0])
		}
	}

	if len(segments) <= 2 {
		return finish()
	}

	for i := 2; i < len(segments); i++ {
		segment := segments[i]

		if isSnowflake(segment) {
			if resource == ResourceGuilds && method == "DELETE" && segments[i-1] == "messages" {
				if age, ok := snowflakeAgeMs(segment, now); ok {
					switch {
					case age > 14*24*time.Hour.Milliseconds():
						write("/!14d")
						return finish()
					case age < 10_000:
						write("/!10s")
						return finish()
					}
				}
			}

			write("/!*")
			continue
		}

		if resource == ResourceChannels && segment == "reactions" {
			if method == "PUT" || method == "DELETE" {
				write("/reactions/!modify")
			} else {
				write("/reactions/!")
			}
			return finish()
		}

		if len(segment) >= 64 {
			if resource == ResourceWebhooks {
				if id, ok := interactionIDFromToken(segment); ok {
					b.WriteString("/!interaction")
					fmt.Fprintf(&rk, "/!interaction/%s", id)
					continue
				}
			}
			write("/!")
			continue
		}

		writef("/%s", segment)
	}

	return finish()
}

func splitPathSegments(path string) []string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	// drop "api" and the version segment, e.g. "api/v10/users/@me" -> "users/@me"
	if len(parts) >= 2 && parts[0] == "api" {
		parts = parts[2:]
	}

	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func isSnowflake(s string) bool {
	if len(s) <= 17 || len(s) >= 21 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// snowflakeAgeMs returns the age, in milliseconds, of a Discord snowflake
// relative to now.
func snowflakeAgeMs(s string, now time.Time) (int64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	timestampMs := (id >> 22) + discordEpochMs
	nowMs := uint64(now.UnixMilli())
	if nowMs < timestampMs {
		return 0, true
	}
	return int64(nowMs - timestampMs), true
}

// interactionWebhookTokenPrefix is the base64 encoding of the literal
// "interaction:" marker Discord prefixes interaction webhook tokens with.
const interactionWebhookTokenPrefix = "aW50ZXJhY3Rpb246"

func interactionIDFromToken(token string) (string, bool) {
	if !strings.HasPrefix(token, interactionWebhookTokenPrefix) {
		return "", false
	}

	decoded, err := base64URLOrStdDecode(token)
	if err != nil {
		return "", false
	}

	parts := strings.SplitN(string(decoded), ":", 3)
	if len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}
