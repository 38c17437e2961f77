package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ssMMiles/discord-api-proxy/internal/config"
	"github.com/ssMMiles/discord-api-proxy/internal/logging"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/application"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/domain"
	"github.com/ssMMiles/discord-api-proxy/middleware/ratelimit/infra"
)

const upstreamBaseURL = "https://discord.com"

// overloadWindow and overloadThreshold bound the Overload Guard's
// p95-over-window trigger; spec.md leaves both "configurable" without
// naming an env var, so they're fixed constants here rather than
// exposed.
const (
	overloadWindow    = 10 * time.Second
	overloadThreshold = 150 * time.Millisecond
	overloadCapacity  = 512
)

func main() {
	logger, sync := logging.New(os.Getenv("ENV") == "production")
	defer sync()
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	rdb := newRedisClient(cfg.Redis)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}
	cancel()

	store := infra.NewRedisStore(rdb)
	defer store.Close()

	coordinator := application.NewCoordinator(store, cfg.Proxy.LockWaitTimeout, application.DefaultDiscoveryRetryCeiling)
	engine := application.NewEngine(store, coordinator, application.EngineOptions{
		GlobalTimeSliceOffset: cfg.Proxy.GlobalTimeSliceOffset,
		DisableGlobalRatelimit: cfg.Proxy.DisableGlobalRatelimit,
	})
	ingestor := application.NewIngestor(store)
	guard := application.NewOverloadGuard(overloadWindow, overloadThreshold, overloadCapacity)
	gate := &application.AbortGate{}

	logLimit := infra.NewLocalRateLimiterStore(1, 1)
	janitorDone := make(chan struct{})
	defer close(janitorDone)
	logLimit.StartJanitor(janitorDone)

	upstreamURL, err := url.Parse(upstreamBaseURL)
	if err != nil {
		logger.Error("invalid upstream base url", "error", err)
		os.Exit(1)
	}

	pipeline := ratelimit.New(ratelimit.Options{
		Engine: engine,
		Ingest: ingestor,
		Guard:  guard,
		Gate:   gate,
		Forward: application.ForwardPool{
			Pool: infra.NewChanPool(256),
		},
		Upstream: &http.Client{
			Timeout: 30 * time.Second,
		},
		UpstreamURL: upstreamURL,

		GlobalTimeSliceOffset: cfg.Proxy.GlobalTimeSliceOffset,
		DefaultBucketTTL:      cfg.Proxy.BucketTTL,
		InteractionBucketTTL:  cfg.Proxy.InteractionBucketTTL,
		RatelimitAbortPeriod:  cfg.Proxy.RatelimitAbortPeriod,

		Logger:   logger,
		LogLimit: logLimit,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", pipeline)
	if cfg.Proxy.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	var handler http.Handler = mux
	if !cfg.Proxy.DisableHTTP2 {
		h2s := &http2.Server{}
		handler = h2c.NewHandler(mux, h2s)
	}

	srv := &http.Server{
		Addr:              cfg.Proxy.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go probeStoreLatency(ctx, store, guard, 2*time.Second)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("proxy listening",
		"addr", cfg.Proxy.ListenAddr,
		"upstream", upstreamBaseURL,
		"http2", !cfg.Proxy.DisableHTTP2,
		"global_ratelimit_disabled", cfg.Proxy.DisableGlobalRatelimit,
		"metrics", cfg.Proxy.EnableMetrics,
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newRedisClient(cfg config.Redis) redis.UniversalClient {
	if cfg.Sentinel {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: []string{addr(cfg.Host, cfg.Port)},
			Username:      cfg.User,
			Password:      cfg.Pass,
			PoolSize:      cfg.PoolSize,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:     addr(cfg.Host, cfg.Port),
		Username: cfg.User,
		Password: cfg.Pass,
		PoolSize: cfg.PoolSize,
	})
}

func addr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// probeStoreLatency keeps the Overload Guard fed during quiet periods,
// when no admitted request's own round trip would otherwise produce a
// sample.
func probeStoreLatency(ctx context.Context, prober domain.Prober, guard *application.OverloadGuard, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rtt, err := prober.Probe(ctx)
			if err != nil {
				continue
			}
			guard.Observe(time.Now(), rtt)
		}
	}
}
