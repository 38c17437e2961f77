package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

func TestToInt64(t *testing.T) {
	if v, err := toInt64(int64(42)); err != nil || v != 42 {
		t.Fatalf("toInt64(int64) = %d, %v", v, err)
	}
	if v, err := toInt64(int(7)); err != nil || v != 7 {
		t.Fatalf("toInt64(int) = %d, %v", v, err)
	}
	if _, err := toInt64("nope"); err == nil {
		t.Fatal("expected error for non-integer reply")
	}
}

func TestMsToTime(t *testing.T) {
	if got := msToTime(0); !got.IsZero() {
		t.Fatalf("msToTime(0) = %v, want zero", got)
	}
	want := time.UnixMilli(1700000000000)
	if got := msToTime(1700000000000); !got.Equal(want) {
		t.Fatalf("msToTime = %v, want %v", got, want)
	}
}

// newIntegrationClient returns a live redis client when REDIS_ADDR is
// set in the test environment, skipping the calling test otherwise.
func newIntegrationClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func TestRedisStore_AdmitDiscoversThenAdmits(t *testing.T) {
	rdb := newIntegrationClient(t)
	defer rdb.Close()

	ctx := context.Background()
	identity := "it-admit-discover"
	rdb.Del(ctx, domain.GlobalKey(identity), domain.RouteKey(identity, "R"))

	store := NewRedisStore(rdb)
	defer store.Close()

	ids := domain.BucketIdentifiers{Identity: identity, RouteID: "R"}

	res, err := store.Admit(ctx, ids, "slice1", "token-a", false)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != domain.OutcomeAdmit || !res.HoldsGlobalLock || !res.HoldsRouteLock {
		t.Fatalf("first Admit = %+v, want admit holding both locks", res)
	}

	ok, err := store.UnlockGlobal(ctx, identity, "token-a", 50, 0)
	if err != nil || !ok {
		t.Fatalf("UnlockGlobal = %v, %v", ok, err)
	}
	ok, err = store.UnlockRoute(ctx, identity, "R", "token-a", 5, time.Now().Add(10*time.Second), 10*time.Second, time.Hour)
	if err != nil || !ok {
		t.Fatalf("UnlockRoute = %v, %v", ok, err)
	}

	res, err = store.Admit(ctx, ids, "slice2", "token-b", false)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if res.Outcome != domain.OutcomeAdmit {
		t.Fatalf("second Admit = %+v, want admit", res)
	}
}
