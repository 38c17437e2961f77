// Package ratelimit wires the coordination engine's layers —
// domain, application, infra — into the Request Pipeline spec.md §2
// names as an external collaborator: classify, admit, forward
// upstream, ingest response headers. The engine itself never touches
// net/http; this package is the only one that does.
package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ssMMiles/discord-api-proxy/internal/authid"
	"github.com/ssMMiles/discord-api-proxy/internal/classify"
	"github.com/ssMMiles/discord-api-proxy/internal/metrics"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/application"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/infra"
)

// Options configures a Pipeline.
type Options struct {
	Engine  *application.Engine
	Ingest  *application.Ingestor
	Guard   *application.OverloadGuard
	Gate    *application.AbortGate
	Forward application.ForwardPool

	Upstream    *http.Client
	UpstreamURL *url.URL

	GlobalTimeSliceOffset time.Duration
	DefaultBucketTTL      time.Duration
	InteractionBucketTTL  time.Duration
	RatelimitAbortPeriod  time.Duration

	// Logger receives a warning for each request the abort gate or the
	// Overload Guard rejects, throttled per cause by LogLimit so a
	// sustained overload doesn't flood the log at request rate. Defaults to slog.Default() and 1 log/sec if unset.
	Logger   *slog.Logger
	LogLimit domain.LimiterStore
}

// Pipeline is an http.Handler implementing the proxied-request half of
// spec.md §6: classify, admit (or reject locally), forward upstream,
// ingest response headers, shape the response.
type Pipeline struct {
	opts Options
}

// New builds a Pipeline from opts.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogLimit == nil {
		opts.LogLimit = infra.NewLocalRateLimiterStore(1, 1)
	}
	return &Pipeline{opts: opts}
}

// warnThrottled logs msg at most once per second per cause, following
// the Overload Guard's own self-protective pattern: a guard that trips
// on every request shouldn't also log on every request.
func (p *Pipeline) warnThrottled(cause string, args ...any) {
	if !p.opts.LogLimit.Get(domain.Key(cause)).Allow() {
		return
	}
	p.opts.Logger.Warn(cause, args...)
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	if p.opts.Gate != nil {
		open := p.opts.Gate.IsOpen(now)
		if open {
			metrics.AbortGateOpen.Set(1)
		} else {
			metrics.AbortGateOpen.Set(0)
		}

		if open {
			p.warnThrottled("abort gate open, rejecting request", "path", r.URL.Path)
			writeSynthesized(w, domain.NewProxyError(domain.ErrorAbortGateOpen, http.StatusServiceUnavailable, "upstream ratelimit abort window open", nil), "", "")
			metrics.RequestsRejected.WithLabelValues(string(domain.ErrorAbortGateOpen)).Inc()
			return
		}
	}

	if p.opts.Guard != nil {
		overloaded := p.opts.Guard.Overloaded(now)
		if overloaded {
			metrics.StoreOverloaded.Set(1)
		} else {
			metrics.StoreOverloaded.Set(0)
		}

		if overloaded {
			p.warnThrottled("ratelimit store overloaded, rejecting request", "path", r.URL.Path)
			writeSynthesized(w, domain.NewProxyError(domain.ErrorStoreOverloaded, http.StatusServiceUnavailable, "ratelimit store overloaded", nil), "", "")
			metrics.RequestsRejected.WithLabelValues(string(domain.ErrorStoreOverloaded)).Inc()
			return
		}
	}

	route := classify.Classify(r.Method, r.URL.Path, now)

	id := authid.Extract(r.Header.Get("Authorization"))
	identity, proxyErr := p.resolveIdentity(route, id)
	if proxyErr != nil {
		writeSynthesized(w, proxyErr, route.Template, "")
		metrics.RequestsRejected.WithLabelValues(string(proxyErr.Kind())).Inc()
		return
	}

	// route.RouteKey, not route.Template, is the bucket-coordination
	// identifier: for webhook interaction tokens the two diverge so
	// distinct interactions on one webhook get distinct buckets while
	// still sharing one display template and one metrics label.
	decision, err := p.opts.Engine.Admit(r.Context(), identity, route.RouteKey)
	if err != nil {
		writeSynthesized(w, domain.NewProxyError(domain.ErrorInternal, http.StatusInternalServerError, "admission failed", err), route.Template, "")
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorInternal)).Inc()
		return
	}

	// decision.StoreRTT is the sum of this call's own store.Admit round
	// trips, excluding any time spent inside coordinator.WaitAny — that
	// wait time is ordinary discovery traffic, not store latency, and
	// would otherwise make a sustained run of need-* outcomes look like
	// store distress to the Overload Guard.
	if p.opts.Guard != nil {
		p.opts.Guard.Observe(time.Now(), decision.StoreRTT)
	}
	metrics.StoreLatency.Observe(decision.StoreRTT.Seconds())

	if decision.DiscoveryWaits > 0 {
		metrics.DiscoveryWaits.WithLabelValues(route.Template).Add(float64(decision.DiscoveryWaits))
	}

	switch decision.Kind {
	case application.DecisionRejectedGlobal:
		perr := domain.NewProxyError(domain.ErrorRejectedGlobal, http.StatusTooManyRequests, "global ratelimit exceeded", nil)
		writeRejection(w, perr, route.Template, "global", decision.Limit, decision.RetryAfter, time.Time{})
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorRejectedGlobal)).Inc()
		return

	case application.DecisionRejectedRoute:
		perr := domain.NewProxyError(domain.ErrorRejectedRoute, http.StatusTooManyRequests, "route ratelimit exceeded", nil)
		writeRejection(w, perr, route.Template, "route", decision.Limit, decision.RetryAfter, decision.ResetAt)
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorRejectedRoute)).Inc()
		return

	case application.DecisionLockWaitExhausted:
		perr := domain.NewProxyError(domain.ErrorLockWaitExhausted, http.StatusServiceUnavailable, "bucket discovery did not complete in time", nil)
		writeSynthesized(w, perr, route.Template, "")
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorLockWaitExhausted)).Inc()
		return
	}

	p.forward(w, r, route, identity, decision)
}

// resolveIdentity applies spec.md §6's authorization rule: missing
// Authorization on a route that requires it is a synthesized 401;
// routes that don't require it fall back to the shared NoAuth
// identity so their buckets still coordinate across replicas.
func (p *Pipeline) resolveIdentity(route classify.Route, id authid.Identity) (string, domain.ProxyError) {
	if id.Present {
		if !id.Valid {
			return "", domain.NewProxyError(domain.ErrorBadAuth, http.StatusUnauthorized, "invalid Authorization header", nil)
		}
		return id.ID, nil
	}

	if route.RequiresAuth {
		return "", domain.NewProxyError(domain.ErrorBadAuth, http.StatusUnauthorized, "missing Authorization header", nil)
	}

	return authid.NoAuthIdentity, nil
}

func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, route classify.Route, identity string, decision application.Decision) {
	release, ok := p.opts.Forward.Acquire(r.Context())
	if !ok {
		perr := domain.NewProxyError(domain.ErrorInternal, http.StatusServiceUnavailable, "forward pool exhausted", nil)
		writeSynthesized(w, perr, route.Template, "")
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorInternal)).Inc()
		return
	}
	defer release()

	upstreamReq, err := p.buildUpstreamRequest(r)
	if err != nil {
		perr := domain.NewProxyError(domain.ErrorInternal, http.StatusInternalServerError, "building upstream request", err)
		writeSynthesized(w, perr, route.Template, "")
		return
	}

	resp, err := p.opts.Upstream.Do(upstreamReq)
	if err != nil {
		perr := domain.NewProxyError(domain.ErrorUpstreamTransport, http.StatusBadGateway, "upstream request failed", err)
		writeSynthesized(w, perr, route.Template, "")
		metrics.RequestsRejected.WithLabelValues(string(domain.ErrorUpstreamTransport)).Inc()
		return
	}
	defer resp.Body.Close()

	metrics.RequestsForwarded.WithLabelValues(route.Template).Inc()
	metrics.UpstreamStatus.WithLabelValues(route.Template, strconv.Itoa(resp.StatusCode)).Inc()

	limits, _ := p.ingest(r.Context(), identity, route, decision, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.Upstream429.WithLabelValues(limits.Scope, strconv.FormatBool(limits.Global)).Inc()

		if application.IsRealUpstream429(limits) && p.opts.Gate != nil {
			p.opts.Gate.Open(time.Now(), p.opts.RatelimitAbortPeriod)
			metrics.AbortGateOpen.Set(1)
			p.opts.Logger.Error("upstream 429, arming abort gate",
				"route", route.Template, "global", limits.Global, "scope", limits.Scope,
				"period", p.opts.RatelimitAbortPeriod)
		}

		resp.Header.Set("X-Sent-By-Proxy", "true")
	}

	copyResponse(w, resp)
}

func (p *Pipeline) ingest(ctx context.Context, identity string, route classify.Route, decision application.Decision, header http.Header) (application.DiscoveredLimits, error) {
	// decision.Slice is the time-slice Engine.Admit actually INCR'd.
	// The upstream round trip between admission and here can straddle a
	// wall-clock-second boundary, so recomputing the slice from time.Now()
	// would tell ExpireCounts to set a TTL on a count key this call never
	// touched, leaving the one it did increment to never expire.
	return p.opts.Ingest.Ingest(ctx, time.Now(), header, application.IngestionOptions{
		Identity:        identity,
		RouteID:         route.RouteKey,
		Slice:           decision.Slice,
		LockToken:       decision.LockToken,
		HoldsGlobalLock: decision.HoldsGlobalLock,
		HoldsRouteLock:  decision.HoldsRouteLock,
		IsInteraction:   route.IsInteraction,

		GlobalTimeSliceOffset: p.opts.GlobalTimeSliceOffset,
		DefaultBucketTTL:      p.opts.DefaultBucketTTL,
		InteractionBucketTTL:  p.opts.InteractionBucketTTL,
	})
}

// buildUpstreamRequest rewrites r onto the upstream host, following
// the teacher's header-stripping in its reverse-proxy leg: hop-by-hop
// headers are not forwarded, everything else (including Authorization)
// passes through unchanged.
func (p *Pipeline) buildUpstreamRequest(r *http.Request) (*http.Request, error) {
	target := *p.opts.UpstreamURL
	target.Path = singleJoiningSlash(p.opts.UpstreamURL.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}

	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Connection")
	outReq.Header.Del("Keep-Alive")
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Transfer-Encoding")
	outReq.Header.Del("Upgrade")
	outReq.Host = target.Host

	return outReq, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
