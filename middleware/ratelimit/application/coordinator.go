package application

import (
	"context"
	"time"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// DefaultDiscoveryRetryCeiling bounds how many times Engine.Admit
// retries after a need-* outcome before giving up with
// LockWaitExhausted. spec.md leaves this to "a reasonable retry
// ceiling"; original_source left the loop unbounded, gated only by
// the overload counter reaching 3 retries in ratelimits.rs. We cap it
// to bound worst-case client latency.
const DefaultDiscoveryRetryCeiling = 5

// Coordinator waits for a bucket to be unlocked by another worker,
// falling back to a fixed retry timer when no pub/sub delivery
// arrives. Waiting is a latency optimization, never a correctness
// requirement: a missed notification only costs one extra timeout.
type Coordinator struct {
	notifier domain.Notifier

	WaitTimeout   time.Duration
	RetryCeiling  int
}

// NewCoordinator wraps notifier with the given per-attempt wait
// timeout and retry ceiling. A zero retryCeiling selects
// DefaultDiscoveryRetryCeiling.
func NewCoordinator(notifier domain.Notifier, waitTimeout time.Duration, retryCeiling int) *Coordinator {
	if retryCeiling <= 0 {
		retryCeiling = DefaultDiscoveryRetryCeiling
	}
	return &Coordinator{notifier: notifier, WaitTimeout: waitTimeout, RetryCeiling: retryCeiling}
}

// WaitAny blocks until any one of keys is unlocked, the wait timeout
// elapses, or ctx ends. It returns true only when woken by an actual
// unlock delivery for one of the keys.
func (c *Coordinator) WaitAny(ctx context.Context, keys []string) bool {
	if len(keys) == 1 {
		return c.notifier.Wait(ctx, keys[0], c.WaitTimeout)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.WaitTimeout)
	defer cancel()

	results := make(chan bool, len(keys))
	for _, key := range keys {
		key := key
		go func() { results <- c.notifier.Wait(waitCtx, key, c.WaitTimeout) }()
	}

	select {
	case ok := <-results:
		return ok
	case <-waitCtx.Done():
		return false
	}
}
