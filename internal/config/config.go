// Package config loads the proxy's runtime configuration from the
// environment, following the same getenv-with-default approach the
// gateway command used before it grew a ratelimit coordination engine.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Redis holds connection settings for the shared ratelimit store.
type Redis struct {
	Host string
	Port int

	User string
	Pass string

	PoolSize int

	Sentinel       bool
	SentinelMaster string
}

// Proxy holds the coordination engine and listener settings.
type Proxy struct {
	ListenAddr string

	DisableHTTP2 bool

	DisableGlobalRatelimit bool

	GlobalTimeSliceOffset time.Duration
	BucketTTL             time.Duration
	InteractionBucketTTL  time.Duration

	LockWaitTimeout      time.Duration
	RatelimitAbortPeriod time.Duration

	EnableMetrics bool
}

// Config is the fully resolved environment for one proxy process.
type Config struct {
	Redis Redis
	Proxy Proxy
}

// FromEnv resolves Config from the process environment, applying the
// defaults documented in the proxy's environment variable table.
func FromEnv() (Config, error) {
	defaultRedisPort := 6379
	sentinel := getenvBoolDefault("REDIS_SENTINEL", false)
	if sentinel {
		defaultRedisPort = 26379
	}

	cfg := Config{
		Redis: Redis{
			Host: getenvDefault("REDIS_HOST", "127.0.0.1"),
			Port: getenvIntDefault("REDIS_PORT", defaultRedisPort),

			User: os.Getenv("REDIS_USER"),
			Pass: os.Getenv("REDIS_PASS"),

			PoolSize: getenvIntDefault("REDIS_POOL_SIZE", 64),

			Sentinel:       sentinel,
			SentinelMaster: getenvDefault("REDIS_SENTINEL_MASTER", "mymaster"),
		},
		Proxy: Proxy{
			ListenAddr: getenvDefault("HOST", "127.0.0.1") + ":" + getenvDefault("PORT", "8080"),

			DisableHTTP2: getenvBoolDefault("DISABLE_HTTP2", false),

			DisableGlobalRatelimit: getenvBoolDefault("DISABLE_GLOBAL_RATELIMIT", false),

			GlobalTimeSliceOffset: time.Duration(getenvIntDefault("GLOBAL_TIME_SLICE_OFFSET", 200)) * time.Millisecond,
			BucketTTL:             time.Duration(getenvIntDefault("BUCKET_TTL", 86_400_000)) * time.Millisecond,
			InteractionBucketTTL:  15 * time.Minute,

			LockWaitTimeout:      time.Duration(getenvIntDefault("LOCK_WAIT_TIMEOUT", 500)) * time.Millisecond,
			RatelimitAbortPeriod: time.Duration(getenvIntDefault("RATELIMIT_ABORT_PERIOD", 1000)) * time.Millisecond,

			EnableMetrics: getenvBoolDefault("ENABLE_METRICS", true),
		},
	}

	if cfg.Redis.PoolSize < 2 {
		return Config{}, errors.New("REDIS_POOL_SIZE must be >= 2")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
