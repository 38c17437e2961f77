package infra

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockChannel is the single pub/sub channel the admission engine
// publishes a bucket's key to once it is unlocked.
const unlockChannel = "unlock"

// Subscriber is a single goroutine draining the "unlock" channel and
// fanning deliveries out to per-key waiters, grounded on the
// single-subscriber-goroutine-dispatching-by-payload pattern used for
// market data fan-out in the rest of the pack.
type Subscriber struct {
	pubsub *redis.PubSub

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	done chan struct{}
}

func newSubscriber(rdb redis.UniversalClient) *Subscriber {
	s := &Subscriber{
		pubsub:  rdb.Subscribe(context.Background(), unlockChannel),
		waiters: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscriber) run() {
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.deliver(msg.Payload)
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) deliver(key string) {
	s.mu.Lock()
	waiters := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until key is published on the unlock channel, timeout
// elapses, or ctx is done. It returns true only when woken by an
// unlock delivery.
func (s *Subscriber) Wait(ctx context.Context, key string, timeout time.Duration) bool {
	w := make(chan struct{})

	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return true
	case <-timer.C:
		s.forget(key, w)
		return false
	case <-ctx.Done():
		s.forget(key, w)
		return false
	}
}

func (s *Subscriber) forget(key string, w chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiters[key]
	for i, c := range list {
		if c == w {
			s.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

// Close stops the subscriber goroutine and the underlying pub/sub
// connection.
func (s *Subscriber) Close() error {
	close(s.done)
	return s.pubsub.Close()
}
