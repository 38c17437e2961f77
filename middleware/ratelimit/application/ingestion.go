package application

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers the upstream ratelimit coordination engine parses from a
// response, per spec.md §4.5.
const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
)

// DiscoveredLimits is the parsed ratelimit envelope of an upstream
// response. Any zero Limit means the response carried no usable
// ratelimit headers at all.
type DiscoveredLimits struct {
	Limit      int64
	ResetAt    time.Time
	ResetAfter time.Duration

	Global bool
	Scope  string
}

// ParseHeaders extracts DiscoveredLimits from an upstream response's
// headers, grounded on original_source/src/ratelimits.rs's
// update_ratelimits closure. X-RateLimit-Remaining is not read: the
// proxy tracks its own usage via the store's counters,
// not upstream's remaining count. A response missing Limit, Reset, or
// Reset-After yields ok=false, matching the Rust closure's permissive
// `return None` rather than an error.
func ParseHeaders(h http.Header) (DiscoveredLimits, bool) {
	limitStr := h.Get(headerLimit)
	resetStr := h.Get(headerReset)
	resetAfterStr := h.Get(headerResetAfter)

	if limitStr == "" || resetStr == "" || resetAfterStr == "" {
		return DiscoveredLimits{}, false
	}

	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return DiscoveredLimits{}, false
	}

	resetSeconds, err := strconv.ParseFloat(resetStr, 64)
	if err != nil {
		return DiscoveredLimits{}, false
	}

	resetAfterSeconds, err := strconv.ParseFloat(resetAfterStr, 64)
	if err != nil {
		return DiscoveredLimits{}, false
	}

	return DiscoveredLimits{
		Limit:      limit,
		ResetAt:    time.UnixMilli(int64(resetSeconds * 1000)),
		ResetAfter: time.Duration(resetAfterSeconds * float64(time.Second)),
		Global:     strings.EqualFold(h.Get(headerGlobal), "true"),
		Scope:      h.Get(headerScope),
	}, true
}

// IngestionStore is the subset of domain.Store Header Ingestion
// drives after an upstream response returns.
type IngestionStore interface {
	UnlockGlobal(ctx context.Context, identity, lockToken string, limit int64, ttl time.Duration) (bool, error)
	UnlockRoute(ctx context.Context, identity, routeID, lockToken string, limit int64, resetAt time.Time, resetAfter, limitTTL time.Duration) (bool, error)
	ExpireCounts(ctx context.Context, identity, slice, routeID string, globalExpireAt, routeExpireAt time.Time) error
}

// IngestionOptions carries the caller's view of one request's
// admission, needed to decide which unlock paths to invoke.
type IngestionOptions struct {
	Identity  string
	RouteID   string
	Slice     string
	LockToken string

	HoldsGlobalLock bool
	HoldsRouteLock  bool

	IsInteraction bool

	GlobalTimeSliceOffset time.Duration
	DefaultBucketTTL      time.Duration
	InteractionBucketTTL  time.Duration
}

// Ingestor runs Header Ingestion (spec.md §4.5) against a Store after
// every upstream response, discovering or refreshing bucket limits
// and scheduling the autonomous expiry of this call's counters.
type Ingestor struct {
	store IngestionStore
}

// NewIngestor wraps store.
func NewIngestor(store IngestionStore) *Ingestor {
	return &Ingestor{store: store}
}

// Ingest parses header and applies the unlock/expire scripts the
// observed limits require. now is the wall clock the call started at,
// used to compute the global time-slice's own expiry.
func (g *Ingestor) Ingest(ctx context.Context, now time.Time, header http.Header, opts IngestionOptions) (DiscoveredLimits, error) {
	limits, ok := ParseHeaders(header)

	if ok && opts.HoldsGlobalLock {
		globalTTL := opts.DefaultBucketTTL
		if _, err := g.store.UnlockGlobal(ctx, opts.Identity, opts.LockToken, limits.Limit, globalTTL); err != nil {
			return limits, err
		}
	}

	if ok {
		limitTTL := opts.DefaultBucketTTL
		if opts.IsInteraction {
			limitTTL = opts.InteractionBucketTTL
		}

		routeToken := opts.LockToken
		if !opts.HoldsRouteLock {
			// Lockless refresh path: the response did not arrive on the
			// worker holding the discovery lock, so apply the PEXPIREAT
			// GT refresh instead of claiming discovery.
			routeToken = ""
		}

		if _, err := g.store.UnlockRoute(ctx, opts.Identity, opts.RouteID, routeToken, limits.Limit, limits.ResetAt, limits.ResetAfter, limitTTL); err != nil {
			return limits, err
		}
	}

	globalExpireAt := SliceExpireAt(now, opts.GlobalTimeSliceOffset)
	routeExpireAt := limits.ResetAt

	if err := g.store.ExpireCounts(ctx, opts.Identity, opts.Slice, opts.RouteID, globalExpireAt, routeExpireAt); err != nil {
		return limits, err
	}

	return limits, nil
}

// IsRealUpstream429 reports whether a 429 response should arm the
// Overload Guard's abort gate: any 429 that isn't a per-user "shared"
// ratelimit (Scope=="shared" without X-RateLimit-Global) is treated as
// a real violation of the proxy's own admission, per spec.md §4.5.
func IsRealUpstream429(limits DiscoveredLimits) bool {
	if strings.EqualFold(limits.Scope, "shared") && !limits.Global {
		return false
	}
	return true
}
