package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/cache"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/dispatch"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/ratelimit"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/store"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/worker"
)

type Config struct {
	Store     *store.Config     `json:"store" yaml:"store" validate:"required"`
	Cache     *cache.Config     `json:"cache" yaml:"cache" validate:"required"`
	RateLimit *ratelimit.Config `json:"ratelimit" yaml:"ratelimit" validate:"required"`
	Dispatch  *dispatch.Config  `json:"dispatch" yaml:"dispatch" validate:"required"`
	// Worker nil disables the isolated strategy
	Worker       *worker.Config `json:"worker,omitempty" yaml:"worker,omitempty"`
	MaxLineBytes int            `json:"max_line_bytes" yaml:"max_line_bytes"`
}

type Handler struct {
	log        *logger.Handler
	config     *Config
	metric     *metrics.Handler
	health     *store.Health
	store      *store.Adapter
	cache      *cache.Handler
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
}

func New(ctx context.Context, l *logger.Handler, m *metrics.Handler, sConfig *Config) (*Handler, error) {
	health := store.NewHealth(nil)

	// An unreachable store is not an error here: the adapter starts degraded
	adapter, err := store.New(ctx, sConfig.Store, health, l, m)
	if err != nil {
		return nil, err
	}

	resultCache, err := cache.New(adapter, sConfig.Cache, l, m)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	var workers *worker.Pool
	if sConfig.Worker != nil {
		workers = worker.New(sConfig.Worker, l, m)
	}

	classifier := dispatch.NewClassifier(resultCache, sConfig.MaxLineBytes)

	return &Handler{
		log:        l,
		config:     sConfig,
		metric:     m,
		health:     health,
		store:      adapter,
		cache:      resultCache,
		limiter:    ratelimit.New(adapter, sConfig.RateLimit, l, m),
		dispatcher: dispatch.New(sConfig.Dispatch, classifier, workers, l, m),
	}, nil
}

// Start launches the store prober, the pool goroutines and the worker processes
func (h *Handler) Start() error {
	h.store.StartProbe()
	if err := h.dispatcher.Start(); err != nil {
		h.store.StopProbe()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	return nil
}

// Stop releases everything Start acquired
func (h *Handler) Stop() error {
	h.dispatcher.Stop()
	return h.store.Close()
}

// Parse classifies a single line
func (h *Handler) Parse(ctx context.Context, mode logtypes.Mode, line string) (string, error) {
	return h.dispatcher.Classifier().ClassifyOne(ctx, mode, line)
}

// Batch classifies lines with the given strategy
func (h *Handler) Batch(ctx context.Context, mode logtypes.Mode, lines []string, strategy dispatch.Strategy) (*logtypes.BatchResult, error) {
	return h.dispatcher.Dispatch(ctx, mode, lines, strategy)
}

// Admit applies the rate limit for route and caller
func (h *Handler) Admit(ctx context.Context, route, caller string) ratelimit.Decision {
	return h.limiter.Admit(ctx, route, caller)
}

// StoreState reports the coordination store health
func (h *Handler) StoreState() store.State {
	return h.health.State()
}

// Health is a point-in-time view of the coordination store
type Health struct {
	Store store.State
	// Since is when Store last changed
	Since       time.Time
	CacheActive bool
}

// Health reports the store state and whether the result cache is serving
func (h *Handler) Health() Health {
	return Health{
		Store:       h.health.State(),
		Since:       h.health.Since(),
		CacheActive: h.cache.Ping(),
	}
}
