package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	config_pkg "github.com/kumarabd/gokit/config"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/cache"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/dispatch"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/ratelimit"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/server"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/service"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/store"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/worker"
)

var (
	ApplicationName    = "classifier"
	ApplicationVersion = "dev"
)

type Config struct {
	Server    *server.Config    `json:"server,omitempty" yaml:"server,omitempty" validate:"required"`
	Store     *store.Config     `json:"store" yaml:"store" validate:"required"`
	Cache     *cache.Config     `json:"cache" yaml:"cache" validate:"required"`
	RateLimit *ratelimit.Config `json:"ratelimit" yaml:"ratelimit" validate:"required"`
	Dispatch  *dispatch.Config  `json:"dispatch" yaml:"dispatch" validate:"required"`
	Worker    *worker.Config    `json:"worker" yaml:"worker" validate:"required"`
	Metrics   *metrics.Options  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: &server.Config{
			HTTP: &server.HTTPConfig{
				Host:         "0.0.0.0",
				Port:         "8080",
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
				Bounds: &server.BoundsConfig{
					MaxBatch:     1000,
					MaxLineBytes: 65536,
				},
			},
		},
		Store: &store.Config{
			Backend:       "redis",
			Addr:          "localhost:6379",
			PoolSize:      50,
			OpTimeout:     100 * time.Millisecond,
			RetryInterval: time.Second,
			ProbeInterval: 5 * time.Second,
		},
		Cache: &cache.Config{
			TTL:       5 * time.Minute,
			KeyPrefix: "loglevel",
		},
		RateLimit: &ratelimit.Config{
			KeyPrefix: "ratelimit",
			Default:   ratelimit.Limit{Limit: 100, Window: 10 * time.Second},
			Routes:    map[string]ratelimit.Limit{},
		},
		Dispatch: &dispatch.Config{
			Concurrency:    20,
			PoolSize:       20,
			QueueSize:      1000,
			EnqueueTimeout: 5 * time.Second,
			BatchTimeout:   10 * time.Second,
			TimeoutPolicy:  dispatch.PolicyFail,
		},
		Worker: &worker.Config{
			Workers:     runtime.NumCPU(),
			Rounds:      20000,
			CallTimeout: 30 * time.Second,
		},
		Metrics: &metrics.Options{},
	}
}

// New creates a new config instance
func New() (*Config, error) {
	// Load config using gokit config package
	finalConfig, err := config_pkg.New(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Safe type assertion
	if finalConfig == nil {
		return nil, fmt.Errorf("config is nil")
	}

	cfg, ok := finalConfig.(*Config)
	if !ok {
		return nil, fmt.Errorf("config type assertion failed: expected *Config, got %T", finalConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section against its validate tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Service assembles the service section from the loaded config
func (c *Config) Service() *service.Config {
	maxLine := 0
	if c.Server != nil && c.Server.HTTP != nil && c.Server.HTTP.Bounds != nil {
		maxLine = c.Server.HTTP.Bounds.MaxLineBytes
	}
	return &service.Config{
		Store:        c.Store,
		Cache:        c.Cache,
		RateLimit:    c.RateLimit,
		Dispatch:     c.Dispatch,
		Worker:       c.Worker,
		MaxLineBytes: maxLine,
	}
}
