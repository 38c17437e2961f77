package application

import (
	"context"
	"time"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// ForwardPool bounds how many upstream forwards may be in flight at
// once, independent of and in addition to bucket admission — a plain
// resource guard, not a quota.
type ForwardPool struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire reserves a forwarding slot.
//   - AcquireTimeout <= 0 waits indefinitely (until ctx is cancelled).
//   - AcquireTimeout > 0 waits at most that long.
//
// ok is false when no slot was acquired; release is nil in that case.
func (p ForwardPool) Acquire(ctx context.Context) (release func(), ok bool) {
	if p.Pool == nil {
		return func() {}, true
	}

	if p.AcquireTimeout <= 0 {
		return p.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, p.AcquireTimeout)
	defer cancel()
	return p.Pool.Acquire(acqCtx)
}
