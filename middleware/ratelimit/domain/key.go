package domain

import "fmt"

// GlobalKey returns the shared-state key holding an identity's global
// limit. The hash tag wraps only the identity so every key below
// co-locates on one Redis Cluster shard regardless of prefix/suffix.
func GlobalKey(identity string) string {
	return fmt.Sprintf("global:{%s}", identity)
}

// GlobalCountKey returns the time-sliced usage counter for identity's
// global bucket. slice is the caller-computed window suffix.
func GlobalCountKey(identity, slice string) string {
	return GlobalKey(identity) + slice
}

// GlobalLockKey returns the discovery-lock key for identity's global
// bucket.
func GlobalLockKey(identity string) string {
	return GlobalKey(identity) + ":lock"
}

// RouteKey returns the shared-state key holding the limit for one
// (identity, route) bucket.
func RouteKey(identity, routeID string) string {
	return fmt.Sprintf("{%s}-route:%s", identity, routeID)
}

// RouteCountKey returns the usage counter for a route bucket.
func RouteCountKey(identity, routeID string) string {
	return RouteKey(identity, routeID) + ":count"
}

// RouteResetAfterKey returns the TTL sentinel whose PTTL is the time
// remaining until the route's window resets.
func RouteResetAfterKey(identity, routeID string) string {
	return RouteKey(identity, routeID) + ":reset_after"
}

// RouteLockKey returns the discovery-lock key for a route bucket.
func RouteLockKey(identity, routeID string) string {
	return RouteKey(identity, routeID) + ":lock"
}
