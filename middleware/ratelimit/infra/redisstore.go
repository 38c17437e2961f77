// Package infra implements the domain package's Store contract
// against a real Redis deployment (or a Sentinel-fronted one),
// following the teacher's go-redis/v9 usage in Store/StartJanitor,
// generalized from a token-bucket cache into the scripted
// coordination engine spec.md's Scripted State Store component
// describes.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// RedisStore runs the admit/unlock/expire scripts against a shared
// go-redis client and exposes the unlock pub/sub feed.
type RedisStore struct {
	rdb redis.UniversalClient
	sub *Subscriber
}

// NewRedisStore wraps rdb. It starts the background "unlock"
// subscriber immediately; call Close to stop it.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		sub: newSubscriber(rdb),
	}
}

// Close releases the pub/sub subscriber. The underlying client is not
// owned by RedisStore and is left open.
func (s *RedisStore) Close() error {
	return s.sub.Close()
}

func (s *RedisStore) Admit(ctx context.Context, ids domain.BucketIdentifiers, slice, lockToken string, skipGlobal bool) (domain.AdmitResult, error) {
	keys := []string{
		domain.GlobalKey(ids.Identity),
		domain.GlobalCountKey(ids.Identity, slice),
		domain.RouteKey(ids.Identity, ids.RouteID),
		domain.RouteCountKey(ids.Identity, ids.RouteID),
		domain.RouteResetAfterKey(ids.Identity, ids.RouteID),
		domain.GlobalLockKey(ids.Identity),
		domain.RouteLockKey(ids.Identity, ids.RouteID),
	}

	skipGlobalArg := "0"
	if skipGlobal {
		skipGlobalArg = "1"
	}

	reply, err := admitScript.Run(ctx, s.rdb, keys, lockToken, skipGlobalArg).Result()
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("admit script: %w", err)
	}

	fields, ok := reply.([]interface{})
	if !ok || len(fields) == 0 {
		return domain.AdmitResult{}, fmt.Errorf("admit script: unexpected reply %#v", reply)
	}

	code, err := toInt64(fields[0])
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("admit script: decoding outcome code: %w", err)
	}

	switch code {
	case 0:
		limit, _ := toInt64(fields[1])
		return domain.AdmitResult{Outcome: domain.OutcomeRejectedGlobal, Limit: limit}, nil
	case 1:
		limit, _ := toInt64(fields[1])
		resetAtMs, _ := toInt64(fields[2])
		resetAfterMs, _ := toInt64(fields[3])
		return domain.AdmitResult{
			Outcome:    domain.OutcomeRejectedRoute,
			Limit:      limit,
			ResetAt:    msToTime(resetAtMs),
			ResetAfter: time.Duration(resetAfterMs) * time.Millisecond,
		}, nil
	case 2:
		return domain.AdmitResult{Outcome: domain.OutcomeNeedGlobal}, nil
	case 3:
		return domain.AdmitResult{Outcome: domain.OutcomeNeedRoute}, nil
	case 4:
		return domain.AdmitResult{Outcome: domain.OutcomeNeedBoth}, nil
	case 5:
		holdsGlobal, _ := toInt64(fields[1])
		holdsRoute, _ := toInt64(fields[2])
		return domain.AdmitResult{
			Outcome:         domain.OutcomeAdmit,
			LockToken:       lockToken,
			HoldsGlobalLock: holdsGlobal != 0,
			HoldsRouteLock:  holdsRoute != 0,
		}, nil
	default:
		return domain.AdmitResult{}, fmt.Errorf("admit script: unknown outcome code %d", code)
	}
}

func (s *RedisStore) UnlockGlobal(ctx context.Context, identity, lockToken string, limit int64, ttl time.Duration) (bool, error) {
	keys := []string{domain.GlobalKey(identity), domain.GlobalLockKey(identity)}
	reply, err := unlockGlobalScript.Run(ctx, s.rdb, keys, lockToken, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("unlock_global script: %w", err)
	}
	return toBool(reply), nil
}

func (s *RedisStore) UnlockRoute(ctx context.Context, identity, routeID, lockToken string, limit int64, resetAt time.Time, resetAfter, limitTTL time.Duration) (bool, error) {
	keys := []string{
		domain.RouteKey(identity, routeID),
		domain.RouteLockKey(identity, routeID),
		domain.RouteCountKey(identity, routeID),
		domain.RouteResetAfterKey(identity, routeID),
	}

	var resetAtMs int64
	if !resetAt.IsZero() {
		resetAtMs = resetAt.UnixMilli()
	}

	reply, err := unlockRouteScript.Run(ctx, s.rdb, keys,
		lockToken, limit, resetAtMs, resetAfter.Milliseconds(), limitTTL.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("unlock_route script: %w", err)
	}
	return toBool(reply), nil
}

func (s *RedisStore) ExpireCounts(ctx context.Context, identity, slice, routeID string, globalExpireAt, routeExpireAt time.Time) error {
	keys := []string{
		domain.GlobalCountKey(identity, slice),
		domain.RouteCountKey(identity, routeID),
	}

	_, err := expireCountsScript.Run(ctx, s.rdb, keys, globalExpireAt.UnixMilli(), routeExpireAt.UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("expire_counts script: %w", err)
	}
	return nil
}

func (s *RedisStore) Wait(ctx context.Context, key string, timeout time.Duration) bool {
	return s.sub.Wait(ctx, key, timeout)
}

func (s *RedisStore) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %#v", v)
	}
}

func toBool(v interface{}) bool {
	switch b := v.(type) {
	case int64:
		return b != 0
	case bool:
		return b
	default:
		return false
	}
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
