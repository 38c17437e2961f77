// Package infra implements the domain package's contracts against
// concrete infrastructure:
//
//   - RedisStore: the scripted coordination engine, backed by
//     github.com/redis/go-redis/v9.
//   - Subscriber: the "unlock" pub/sub fan-out.
//   - LocalRateLimiterStore: a per-key golang.org/x/time/rate cache
//     for in-process self-protective limits.
//   - chanPool: a channel-backed semaphore for bounding concurrent
//     upstream forwards.
package infra
