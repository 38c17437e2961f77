package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// writeSynthesized writes a locally-synthesized error response with
// no ratelimit-specific headers beyond the ones every synthesized
// response carries, per spec.md §6's response-shaping rules.
func writeSynthesized(w http.ResponseWriter, perr domain.ProxyError, route, scope string) {
	w.Header().Set("X-Sent-By-Proxy", "true")
	if route != "" {
		w.Header().Set("X-RateLimit-Bucket", route)
	}
	if scope != "" {
		w.Header().Set("X-RateLimit-Scope", scope)
	}
	http.Error(w, perr.Error(), perr.StatusCode())
}

// writeRejection writes a locally-synthesized ratelimit rejection
// (429), adding the X-RateLimit-* headers and Retry-After spec.md §7
// requires for RejectedGlobal/RejectedRoute.
func writeRejection(w http.ResponseWriter, perr domain.ProxyError, route, scope string, limit int64, retryAfter time.Duration, resetAt time.Time) {
	w.Header().Set("X-Sent-By-Proxy", "true")
	w.Header().Set("X-RateLimit-Bucket", route)
	w.Header().Set("X-RateLimit-Scope", scope)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")

	if !resetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatFloat(float64(resetAt.UnixMilli())/1000, 'f', 3, 64))
	}

	retrySeconds := retryAfter.Seconds()
	if retrySeconds < 0 {
		retrySeconds = 0
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(retrySeconds, 'f', 3, 64))
	w.Header().Set("X-RateLimit-Reset-After", strconv.FormatFloat(retrySeconds, 'f', 3, 64))

	http.Error(w, perr.Error(), perr.StatusCode())
}
