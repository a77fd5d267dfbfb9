// Package store wraps the remote key-value coordination store used for the
// result cache and the rate limit counters.
//
// Failures never escape as user-facing errors: every failed call returns an
// error wrapping ErrUnavailable and flips the shared Health handle to degraded,
// and callers are expected to fall back to permissive behavior.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
)

var ErrUnavailable = types.NewError(types.KindStoreUnavailable, "store_unavailable", "coordination store unavailable")

// Config contains configuration for the coordination store
type Config struct {
	Backend       string        `json:"backend" yaml:"backend" default:"redis" validate:"oneof=redis memory"`
	Addr          string        `json:"addr" yaml:"addr" default:"localhost:6379" validate:"required_if=Backend redis"`
	Password      string        `json:"password" yaml:"password" default:""`
	DB            int           `json:"db" yaml:"db" default:"0" validate:"gte=0"`
	PoolSize      int           `json:"pool_size" yaml:"pool_size" default:"50" validate:"gte=0"`
	OpTimeout     time.Duration `json:"op_timeout" yaml:"op_timeout" default:"100ms" validate:"gt=0"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval" default:"1s" validate:"gte=0"`
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval" default:"5s" validate:"gte=0"`
}

// Backend is the raw set of store primitives. Implementations must be safe for
// concurrent use and must honor ctx deadlines.
type Backend interface {
	// Get returns the value under key; found is false when the key is absent or expired
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// SetWithTTL stores value under key with an expiry
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// IncrWithExpiry atomically increments key and, when the key is created by
	// this call, sets its expiry to window
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Adapter applies timeouts and the health contract on top of a Backend
type Adapter struct {
	backend Backend
	health  *Health
	config  *Config
	log     *logger.Handler
	metric  *metrics.Handler
	now     func() time.Time

	probeCancel context.CancelFunc
	probeWg     sync.WaitGroup
}

// NewAdapter wraps backend. The initial reachability is checked once; an
// unreachable store leaves the adapter degraded instead of failing.
func NewAdapter(ctx context.Context, backend Backend, health *Health, config *Config, l *logger.Handler, m *metrics.Handler) *Adapter {
	a := &Adapter{
		backend: backend,
		health:  health,
		config:  config,
		log:     l,
		metric:  m,
		now:     time.Now,
	}
	if err := a.Ping(ctx); err != nil {
		if a.log != nil {
			a.log.Warn().Err(err).Str("backend", config.Backend).Msg("coordination store unreachable at startup, running degraded")
		}
	} else {
		a.metric.SetStoreHealthy(true)
	}
	return a
}

// New builds the configured backend and wraps it in an Adapter
func New(ctx context.Context, config *Config, health *Health, l *logger.Handler, m *metrics.Handler) (*Adapter, error) {
	var backend Backend
	switch config.Backend {
	case "redis", "":
		backend = NewRedisBackend(config)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", config.Backend)
	}
	return NewAdapter(ctx, backend, health, config, l, m), nil
}

// Health returns the shared health handle
func (a *Adapter) Health() *Health {
	return a.health
}

// Healthy reports whether the last store interaction succeeded
func (a *Adapter) Healthy() bool {
	return !a.health.Degraded()
}

// Get returns the value under key
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := a.do(ctx, "get", func(ctx context.Context) error {
		var err error
		value, found, err = a.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// SetWithTTL stores value under key for ttl
func (a *Adapter) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.do(ctx, "set", func(ctx context.Context) error {
		return a.backend.SetWithTTL(ctx, key, value, ttl)
	})
}

// IncrWithExpiry increments the counter under key, creating it with a window expiry
func (a *Adapter) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	var n int64
	err := a.do(ctx, "incr", func(ctx context.Context) error {
		var err error
		n, err = a.backend.IncrWithExpiry(ctx, key, window)
		return err
	})
	return n, err
}

// Ping checks reachability, updating health either way. Unlike the data
// operations it is always attempted.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.attempt(ctx, "ping", a.backend.Ping)
}

// Close stops the prober and releases the backend
func (a *Adapter) Close() error {
	a.StopProbe()
	return a.backend.Close()
}

// do makes at most one backend attempt. While degraded the attempt only happens
// when a retry is due; otherwise the call fails fast.
func (a *Adapter) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if !a.health.shouldAttempt(a.now(), a.config.RetryInterval) {
		a.metric.IncStoreSkipped(op)
		return ErrUnavailable
	}
	return a.attempt(ctx, op, fn)
}

func (a *Adapter) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		// the caller gave up; this says nothing about the store
		return ErrUnavailable.Wrap(err)
	}

	opCtx, cancel := context.WithTimeout(ctx, a.config.OpTimeout)
	defer cancel()

	start := time.Now()
	err := fn(opCtx)
	a.metric.ObserveStoreOp(op, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			return ErrUnavailable.Wrap(err)
		}
		if a.health.MarkDegraded() {
			a.metric.SetStoreHealthy(false)
			if a.log != nil {
				a.log.Warn().Err(err).Str("op", op).Msg("coordination store unavailable, entering degraded mode")
			}
		}
		return ErrUnavailable.Wrap(err)
	}

	if a.health.MarkHealthy() {
		a.metric.SetStoreHealthy(true)
		if a.log != nil {
			a.log.Info().Str("op", op).Msg("coordination store reachable again, leaving degraded mode")
		}
	}
	return nil
}

// StartProbe pings the store every ProbeInterval while it is degraded
func (a *Adapter) StartProbe() {
	if a.config.ProbeInterval <= 0 || a.probeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.probeCancel = cancel
	a.probeWg.Add(1)
	go a.runProbe(ctx)
}

// StopProbe stops the prober started by StartProbe
func (a *Adapter) StopProbe() {
	if a.probeCancel == nil {
		return
	}
	a.probeCancel()
	a.probeWg.Wait()
	a.probeCancel = nil
}

func (a *Adapter) runProbe(ctx context.Context) {
	defer a.probeWg.Done()

	ticker := time.NewTicker(a.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.health.Degraded() {
				_ = a.Ping(ctx)
			}
		}
	}
}
