// Package application implements the ratelimit coordination engine's
// use cases — admission, discovery, header ingestion — against the
// domain package's contracts, with no knowledge of net/http.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// DecisionKind classifies the outcome Engine.Admit hands back to the
// request pipeline.
type DecisionKind int

const (
	DecisionAdmit DecisionKind = iota
	DecisionRejectedGlobal
	DecisionRejectedRoute
	DecisionLockWaitExhausted
)

// Decision is the admission engine's verdict for one request.
type Decision struct {
	Kind DecisionKind

	// Set when Kind == DecisionAdmit.
	LockToken       string
	HoldsGlobalLock bool
	HoldsRouteLock  bool

	// Set for rejections.
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration

	// DiscoveryWaits counts how many times this call handed control to
	// the Lock & Discovery Coordinator before reaching Kind.
	DiscoveryWaits int

	// Slice is the global time-slice this call's admitted (or rejected)
	// attempt actually used. ExpireCounts must be called with this exact
	// slice, not one recomputed later — the upstream round trip between
	// admission and ingestion can straddle a wall-clock-second boundary,
	// and domain.ScriptRunner.ExpireCounts requires its slice argument
	// to match the one the preceding Admit call used.
	Slice string

	// StoreRTT sums the wall-clock time spent inside store.Admit calls
	// only, excluding every coordinator.WaitAny block. This is the
	// "script RTT" sample the Overload Guard and the StoreLatency
	// histogram expect; timing the whole retry loop would fold in up
	// to RetryCeiling discovery waits of WaitTimeout each, which looks
	// like store distress but is ordinary concurrent-discovery traffic.
	StoreRTT time.Duration
}

// EngineOptions configures Engine, mirroring spec.md §6's
// environment-variable table.
type EngineOptions struct {
	GlobalTimeSliceOffset time.Duration
	DisableGlobalRatelimit bool
}

// Engine evaluates admission for one identity+route pair, retrying
// through the Lock & Discovery Coordinator on need-* outcomes.
type Engine struct {
	store       domain.ScriptRunner
	coordinator *Coordinator
	opts        EngineOptions
}

// NewEngine builds an Engine over store, using coordinator for the
// discovery wait/retry loop.
func NewEngine(store domain.ScriptRunner, coordinator *Coordinator, opts EngineOptions) *Engine {
	return &Engine{store: store, coordinator: coordinator, opts: opts}
}

// Admit evaluates one request for identity against routeID, retrying
// through discovery as needed.
func (e *Engine) Admit(ctx context.Context, identity, routeID string) (Decision, error) {
	ids := domain.BucketIdentifiers{
		Identity:  identity,
		GlobalKey: domain.GlobalKey(identity),
		RouteID:   routeID,
		RouteKey:  domain.RouteKey(identity, routeID),
	}

	waits := 0
	var storeRTT time.Duration

	for attempt := 0; attempt <= e.coordinator.RetryCeiling; attempt++ {
		now := time.Now()
		slice := e.timeSlice(now)
		token := uuid.NewString()

		admitStart := time.Now()
		res, err := e.store.Admit(ctx, ids, slice, token, e.opts.DisableGlobalRatelimit)
		storeRTT += time.Since(admitStart)
		if err != nil {
			return Decision{}, fmt.Errorf("application: admit: %w", err)
		}

		switch res.Outcome {
		case domain.OutcomeAdmit:
			return Decision{
				Kind:            DecisionAdmit,
				LockToken:       res.LockToken,
				HoldsGlobalLock: res.HoldsGlobalLock,
				HoldsRouteLock:  res.HoldsRouteLock,
				DiscoveryWaits:  waits,
				StoreRTT:        storeRTT,
				Slice:           slice,
			}, nil

		case domain.OutcomeRejectedGlobal:
			return Decision{
				Kind:           DecisionRejectedGlobal,
				Limit:          res.Limit,
				RetryAfter:     e.untilNextSlice(now),
				DiscoveryWaits: waits,
				StoreRTT:       storeRTT,
				Slice:          slice,
			}, nil

		case domain.OutcomeRejectedRoute:
			return Decision{
				Kind:           DecisionRejectedRoute,
				Limit:          res.Limit,
				ResetAt:        res.ResetAt,
				RetryAfter:     res.ResetAfter,
				DiscoveryWaits: waits,
				StoreRTT:       storeRTT,
				Slice:          slice,
			}, nil

		default: // need-global, need-route, need-both
			waits++
			keys := e.discoveryKeys(ids, res.Outcome)
			e.coordinator.WaitAny(ctx, keys)
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			continue
		}
	}

	return Decision{Kind: DecisionLockWaitExhausted, DiscoveryWaits: waits, StoreRTT: storeRTT}, nil
}

func (e *Engine) discoveryKeys(ids domain.BucketIdentifiers, outcome domain.Outcome) []string {
	switch outcome {
	case domain.OutcomeNeedGlobal:
		return []string{ids.GlobalKey}
	case domain.OutcomeNeedRoute:
		return []string{ids.RouteKey}
	default:
		return []string{ids.GlobalKey, ids.RouteKey}
	}
}

// timeSlice derives the 1-second window suffix the global bucket
// counts in, biased forward by GlobalTimeSliceOffset to trade a small
// amount of throughput for guaranteed non-overlap with the upstream's
// own window.
func (e *Engine) timeSlice(now time.Time) string {
	biased := now.Add(e.opts.GlobalTimeSliceOffset)
	return fmt.Sprintf("%d", biased.Unix())
}

// untilNextSlice returns the time remaining until the current biased
// time-slice boundary, used as Retry-After on a global rejection.
func (e *Engine) untilNextSlice(now time.Time) time.Duration {
	biased := now.Add(e.opts.GlobalTimeSliceOffset)
	next := biased.Truncate(time.Second).Add(time.Second)
	return next.Sub(biased)
}

// SliceExpireAt returns the wall-clock instant the named time-slice's
// count key should itself expire at — the end of its 1-second window.
func SliceExpireAt(now time.Time, offset time.Duration) time.Time {
	biased := now.Add(offset)
	return biased.Truncate(time.Second).Add(time.Second)
}
