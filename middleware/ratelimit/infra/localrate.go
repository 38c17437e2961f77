package infra

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// LocalRateLimiterStore is a per-key token-bucket cache built on
// golang.org/x/time/rate. Bucket admission itself is entirely
// store-scripted (see RedisStore); this is only for self-protective
// in-process limits, such as the pipeline capping how often it logs an
// abort-gate or Overload Guard rejection for the same cause.
type LocalRateLimiterStore struct {
	mu      sync.Mutex
	entries map[domain.Key]*rate.Limiter

	rps   rate.Limit
	burst int

	idleTTL      time.Duration
	lastSeen     map[domain.Key]time.Time
	cleanupEvery time.Duration
}

// NewLocalRateLimiterStore creates a store handing out rps/burst
// limiters, one per key, evicted after idleTTL of disuse.
func NewLocalRateLimiterStore(rps float64, burst int) *LocalRateLimiterStore {
	return &LocalRateLimiterStore{
		entries:      make(map[domain.Key]*rate.Limiter),
		lastSeen:     make(map[domain.Key]time.Time),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
}

// Get implements domain.LimiterStore.
func (s *LocalRateLimiterStore) Get(key domain.Key) domain.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if lim, ok := s.entries[key]; ok {
		s.lastSeen[key] = now
		return limiterAdapter{lim}
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = lim
	s.lastSeen[key] = now
	return limiterAdapter{lim}
}

// Cleanup evicts limiters idle for longer than idleTTL.
func (s *LocalRateLimiterStore) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.lastSeen {
		if t.Before(cutoff) {
			delete(s.entries, k)
			delete(s.lastSeen, k)
		}
	}
}

// StartJanitor runs Cleanup every cleanupEvery until done is closed.
func (s *LocalRateLimiterStore) StartJanitor(done <-chan struct{}) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

type limiterAdapter struct{ lim *rate.Limiter }

func (l limiterAdapter) Allow() bool { return l.lim.Allow() }
