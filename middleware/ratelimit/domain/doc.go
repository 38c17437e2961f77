// Package domain defines the contracts and types the ratelimit
// coordination engine is built from: bucket key layout, admission
// outcomes, and the Store interface the application layer depends on.
//
// This package has no dependency on net/http or on any concrete
// store implementation, which keeps it unit-testable with fakes.
package domain
