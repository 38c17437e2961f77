package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/application"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
)

// fakeRunner is a minimal domain.ScriptRunner that returns admitResult
// from every Admit call, recording the slices passed to Admit and
// ExpireCounts for assertions. If results is set,
// Admit replays it in sequence instead of always returning admitResult
// directly, letting a test drive the engine through a discovery retry.
type fakeRunner struct {
	admitResult domain.AdmitResult
	results     []domain.AdmitResult
	delay       time.Duration
	calls       int

	admitSlice  string
	expireSlice string
}

func (f *fakeRunner) Admit(ctx context.Context, ids domain.BucketIdentifiers, slice, lockToken string, skipGlobal bool) (domain.AdmitResult, error) {
	f.admitSlice = slice
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.results == nil {
		return f.admitResult, nil
	}
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return f.results[len(f.results)-1], nil
	}
	return f.results[i], nil
}

func (f *fakeRunner) UnlockGlobal(ctx context.Context, identity, lockToken string, limit int64, ttl time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeRunner) UnlockRoute(ctx context.Context, identity, routeID, lockToken string, limit int64, resetAt time.Time, resetAfter, limitTTL time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeRunner) ExpireCounts(ctx context.Context, identity, slice, routeID string, globalExpireAt, routeExpireAt time.Time) error {
	f.expireSlice = slice
	return nil
}

type instantNotifier struct{}

func (instantNotifier) Wait(ctx context.Context, key string, timeout time.Duration) bool { return true }

// slowNotifier reports unlocked only after delay, standing in for a
// discovery wait that takes real wall-clock time.
type slowNotifier struct{ delay time.Duration }

func (n slowNotifier) Wait(ctx context.Context, key string, timeout time.Duration) bool {
	time.Sleep(n.delay)
	return true
}

func newTestPipeline(t *testing.T, upstream *httptest.Server, runner *fakeRunner) *Pipeline {
	t.Helper()

	coordinator := application.NewCoordinator(instantNotifier{}, 50*time.Millisecond, 3)
	engine := application.NewEngine(runner, coordinator, application.EngineOptions{
		GlobalTimeSliceOffset: 200 * time.Millisecond,
	})
	ingestor := application.NewIngestor(runner)

	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream url: %v", err)
	}

	return New(Options{
		Engine:      engine,
		Ingest:      ingestor,
		Guard:       application.NewOverloadGuard(time.Second, time.Second, 16),
		Gate:        &application.AbortGate{},
		Forward:     application.ForwardPool{},
		Upstream:    upstream.Client(),
		UpstreamURL: upstreamURL,

		GlobalTimeSliceOffset: 200 * time.Millisecond,
		DefaultBucketTTL:      24 * time.Hour,
		InteractionBucketTTL:  15 * time.Minute,
		RatelimitAbortPeriod:  1000 * time.Millisecond,
	})
}

func TestPipelineForwardsAdmittedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "50")
		w.Header().Set("X-RateLimit-Remaining", "49")
		w.Header().Set("X-RateLimit-Reset", "1700000010.000")
		w.Header().Set("X-RateLimit-Reset-After", "10.000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeAdmit, LockToken: "tok", HoldsRouteLock: true}}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body not forwarded verbatim: %q", rec.Body.String())
	}
}

// TestPipelineIngestExpiresTheAdmittedSlice pins down the fix for a bug
// where ingest() recomputed the global time-slice from time.Now() after
// the upstream round trip instead of reusing the one Engine.Admit
// actually incremented. An upstream delay long enough to straddle a
// wall-clock-second boundary used to make ExpireCounts set a TTL on the
// wrong count key, leaking the real one with no expiry at all.
func TestPipelineIngestExpiresTheAdmittedSlice(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1100 * time.Millisecond)
		w.Header().Set("X-RateLimit-Limit", "50")
		w.Header().Set("X-RateLimit-Remaining", "49")
		w.Header().Set("X-RateLimit-Reset", "1700000010.000")
		w.Header().Set("X-RateLimit-Reset-After", "10.000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeAdmit, LockToken: "tok", HoldsRouteLock: true}}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if runner.expireSlice != runner.admitSlice {
		t.Fatalf("ExpireCounts slice = %q, want the slice Admit used (%q)", runner.expireSlice, runner.admitSlice)
	}
}

func TestPipelineRejectsOnGlobalLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("rejected request should never reach upstream")
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeRejectedGlobal, Limit: 50}}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-Sent-By-Proxy") != "true" {
		t.Fatalf("missing X-Sent-By-Proxy header")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestPipelineRejectsMissingAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unauthenticated request to an auth-required route should never reach upstream")
	}))
	defer upstream.Close()

	runner := &fakeRunner{}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPipelineAllowsNoAuthOnPublicRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeAdmit}}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/oauth2/applications/@me", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a no-auth-required route", rec.Code)
	}
}

func TestPipelineAbortGateBlocksWithoutTouchingUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("abort-gated request should never reach upstream")
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeAdmit}}
	p := newTestPipeline(t, upstream, runner)
	p.opts.Gate.Open(time.Now(), time.Second)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while the abort gate is open", rec.Code)
	}
}

func TestPipelineArmsAbortGateOnRealUpstream429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Global", "true")
		w.Header().Set("X-RateLimit-Scope", "global")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	runner := &fakeRunner{admitResult: domain.AdmitResult{Outcome: domain.OutcomeAdmit}}
	p := newTestPipeline(t, upstream, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want the upstream 429 forwarded verbatim", rec.Code)
	}
	if rec.Header().Get("X-Sent-By-Proxy") != "true" {
		t.Fatalf("missing X-Sent-By-Proxy on forwarded 429")
	}
	if !p.opts.Gate.IsOpen(time.Now()) {
		t.Fatalf("a real global 429 should arm the abort gate")
	}
}

// TestPipelineGuardObservesOnlyStoreRTTNotDiscoveryWait pins down that
// ServeHTTP feeds the Overload Guard Engine.Admit's StoreRTT, not the
// wall-clock duration of the whole call. A discovery wait here is far
// longer than the guard's threshold; if that wait time leaked into the
// guard's sample, two admitted requests would trip StoreOverloaded and
// a third request would never reach the upstream.
func TestPipelineGuardObservesOnlyStoreRTTNotDiscoveryWait(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	const discoveryWait = 200 * time.Millisecond
	const guardThreshold = 20 * time.Millisecond

	runner := &fakeRunner{results: []domain.AdmitResult{
		{Outcome: domain.OutcomeNeedBoth},
		{Outcome: domain.OutcomeAdmit},
	}}

	coordinator := application.NewCoordinator(slowNotifier{delay: discoveryWait}, time.Second, 3)
	engine := application.NewEngine(runner, coordinator, application.EngineOptions{GlobalTimeSliceOffset: 0})
	ingestor := application.NewIngestor(runner)

	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream url: %v", err)
	}

	p := New(Options{
		Engine:      engine,
		Ingest:      ingestor,
		Guard:       application.NewOverloadGuard(time.Minute, guardThreshold, 16),
		Gate:        &application.AbortGate{},
		Forward:     application.ForwardPool{},
		Upstream:    upstream.Client(),
		UpstreamURL: upstreamURL,

		DefaultBucketTTL: 24 * time.Hour,
	})

	for i := 0; i < 2; i++ {
		runner.calls = 0
		runner.results = []domain.AdmitResult{
			{Outcome: domain.OutcomeNeedBoth},
			{Outcome: domain.OutcomeAdmit},
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
		req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
		rec := httptest.NewRecorder()

		p.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request #%d: status = %d, want 200 (each took one %v discovery wait)", i, rec.Code, discoveryWait)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v10/users/@me", nil)
	req.Header.Set("Authorization", "Bot Nzk4MzAwNjk.X.Y")
	rec := httptest.NewRecorder()

	runner.calls = 0
	runner.results = []domain.AdmitResult{{Outcome: domain.OutcomeAdmit}}

	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("third request status = %d, want 200; the %v discovery waits above should never have reached the guard as store latency", rec.Code, discoveryWait)
	}
}
