package domain

import "context"

// SlotPool is a finite-capacity resource, used to cap concurrent
// in-flight upstream forwards independently of bucket admission.
//
// Acquire blocks until a slot is free or ctx ends. The returned
// release func must be called exactly once.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}
