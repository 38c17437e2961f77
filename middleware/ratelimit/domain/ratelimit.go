package domain

// Key identifies a single caller-local limiter. It has nothing to do
// with bucket admission (that is entirely store-scripted); this is
// the in-process limiter used for self-protective limits such as the
// pipeline's log rate for abort-gate and Overload Guard rejections.
type Key string

// Limiter decides whether an in-process action is permitted now.
type Limiter interface {
	Allow() bool
}

// LimiterStore obtains a Limiter by key, typically caching one
// instance per key.
type LimiterStore interface {
	Get(Key) Limiter
}
