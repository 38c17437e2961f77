// Package authid extracts a stable ratelimit identity from a client's
// Authorization header. It is the pipeline's only collaborator for
// identity extraction — spec.md §1 names this "Token parsing and
// identity extraction" as out of scope for the coordination engine
// itself, but the Request Pipeline still needs one real
// implementation to run, so this package fills that role the way
// original_source/src/request.rs's parse_headers does: decode the
// bot id out of the token's first base64 segment rather than hashing
// or storing the raw credential.
package authid

import (
	"encoding/base64"
	"strings"
)

// Identity is the outcome of parsing one request's Authorization
// header.
type Identity struct {
	// ID is the stable ratelimit identity. Empty when Present is
	// false and the route does not require auth.
	ID string
	// Present reports whether an Authorization header was supplied at
	// all.
	Present bool
	// Valid is false when an Authorization header was present but
	// malformed (not "Bot ..."/"Bearer ..." or undecodable).
	Valid bool
}

// NoAuthIdentity is the identity assigned to unauthenticated requests
// on routes that permit it (webhooks, oauth2, interactions), matching
// original_source's DiscordRequestInfo::DEFAULT_GLOBAL_ID.
const NoAuthIdentity = "NoAuth"

// Extract parses header, a raw Authorization value, into an Identity.
// "Bot <token>" and "Bearer <token>" are both accepted: the token's
// first dot-delimited segment is base64 and decodes to the
// credential's snowflake id, which becomes the identity. Requests
// presenting neither scheme are Valid=false.
func Extract(header string) Identity {
	header = strings.TrimSpace(header)
	if header == "" {
		return Identity{Present: false}
	}

	var token string
	switch {
	case strings.HasPrefix(header, "Bot "):
		token = header[len("Bot "):]
	case strings.HasPrefix(header, "Bearer "):
		token = header[len("Bearer "):]
	default:
		return Identity{Present: true, Valid: false}
	}

	segment := token
	if i := strings.IndexByte(token, '.'); i >= 0 {
		segment = token[:i]
	}
	if segment == "" {
		return Identity{Present: true, Valid: false}
	}

	id, ok := decodeBase64Segment(segment)
	if !ok || id == "" {
		return Identity{Present: true, Valid: false}
	}

	return Identity{ID: id, Present: true, Valid: true}
}

func decodeBase64Segment(segment string) (string, bool) {
	segment = strings.TrimRight(segment, "=")
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.RawStdEncoding} {
		if decoded, err := enc.DecodeString(segment); err == nil {
			return string(decoded), true
		}
	}
	return "", false
}
