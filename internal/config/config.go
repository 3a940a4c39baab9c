// Package config loads the hub's configuration from the environment,
// following the teacher's envdecode-based env-or-default convention
// (pkg/config/config.go; SPEC_FULL.md §2.1).
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full set of tunables for one hub process. Defaults live on
// the struct tags themselves, matching the teacher's own envdecode usage.
type Config struct {
	// Ingress
	IngressAddr        string        `env:"HUB_INGRESS_ADDR,default=:9876"`
	IngressWorkerCount int           `env:"HUB_INGRESS_WORKERS,default=50"`
	IngressQueueSize   int           `env:"HUB_INGRESS_QUEUE_SIZE,default=500"`
	IngressReadTimeout time.Duration `env:"HUB_INGRESS_READ_TIMEOUT,default=2m"`

	// Project Interceptor / Debug Queue
	DebugTimeout time.Duration `env:"HUB_DEBUG_TIMEOUT,default=30s"`

	// Flow Store
	FlowStoreMaxFlows int           `env:"HUB_FLOWSTORE_MAX_FLOWS,default=200"`
	FlowStoreMaxBytes int64         `env:"HUB_FLOWSTORE_MAX_BYTES,default=52428800"`
	FlowStoreMaxAge   time.Duration `env:"HUB_FLOWSTORE_MAX_AGE,default=1h"`

	// Rule Store / Mock Engine
	RuleCacheSize int    `env:"HUB_RULE_CACHE_SIZE,default=100"`
	RuleStoreDSN  string `env:"HUB_RULE_STORE_DSN"` // empty => in-memory store

	// Admin API / metrics
	AdminAddr string `env:"HUB_ADMIN_ADDR,default=:9877"`

	// Logging
	LogLevel  string `env:"HUB_LOG_LEVEL,default=info"`
	LogFormat string `env:"HUB_LOG_FORMAT,default=json"`
}

// Default returns the design-recommended defaults from spec.md §4–§5, read
// off the struct tags above with no environment overrides applied.
func Default() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// FromEnv overlays environment variables onto the default configuration via
// envdecode. A malformed numeric/duration variable is left at its default
// (envdecode only assigns fields that parse successfully) and any resulting
// error is swallowed here — this package stays silent, consistent with the
// Configuration error class in spec.md §7 being best-effort, not fatal.
func FromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}
