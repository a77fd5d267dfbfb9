package metrics

import (
	"net/http"
	"time"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler owns the service collectors. Each Handler registers on its own
// registry so independent handlers never collide. All methods are safe on a
// nil *Handler.
type Handler struct {
	registry *prometheus.Registry

	RequestsReceived     *prometheus.CounterVec
	RequestLatency       *prometheus.HistogramVec
	LinesClassifiedTotal *prometheus.CounterVec
	BatchesTotal         *prometheus.CounterVec
	DispatchLatency      *prometheus.HistogramVec
	CacheLookupsTotal    *prometheus.CounterVec
	RateLimitTotal       *prometheus.CounterVec
	StoreOpsTotal        *prometheus.CounterVec
	StoreOpLatency       *prometheus.HistogramVec
	StoreHealthy         prometheus.Gauge
	PoolQueueDepth       *prometheus.GaugeVec
	WorkerRestartsTotal  prometheus.Counter
}

type Options struct {
	// Additional labels necessary
}

func New(name string) (*Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"app": name}

	return &Handler{
		registry: reg,
		RequestsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_received",
			ConstLabels: constLabels,
			Help:        "The total number of http requests received",
		}, []string{"route", "status"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_latency_seconds",
			ConstLabels: constLabels,
			Help:        "The latency of http requests",
			Buckets:     prometheus.DefBuckets,
		}, []string{"route"}),
		LinesClassifiedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "lines_classified_total",
			ConstLabels: constLabels,
			Help:        "The total number of lines classified",
		}, []string{"strategy", "outcome"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dispatch_batches_total",
			ConstLabels: constLabels,
			Help:        "The total number of batches dispatched",
		}, []string{"strategy", "result"}),
		DispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dispatch_latency_seconds",
			ConstLabels: constLabels,
			Help:        "The latency of batch dispatch",
			Buckets:     prometheus.DefBuckets,
		}, []string{"strategy"}),
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "result_cache_lookups_total",
			ConstLabels: constLabels,
			Help:        "Result cache lookups by outcome",
		}, []string{"outcome"}),
		RateLimitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "rate_limit_decisions_total",
			ConstLabels: constLabels,
			Help:        "Rate limiter decisions",
		}, []string{"route", "decision"}),
		StoreOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "store_operations_total",
			ConstLabels: constLabels,
			Help:        "Coordination store operations",
		}, []string{"op", "result"}),
		StoreOpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "store_operation_latency_seconds",
			ConstLabels: constLabels,
			Help:        "Coordination store operation latency",
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"op"}),
		StoreHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "store_healthy",
			ConstLabels: constLabels,
			Help:        "1 when the coordination store is reachable, 0 when degraded",
		}),
		PoolQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dispatch_queue_depth",
			ConstLabels: constLabels,
			Help:        "Units waiting for a worker",
		}, []string{"strategy"}),
		WorkerRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "isolated_worker_restarts_total",
			ConstLabels: constLabels,
			Help:        "Child worker processes respawned after a failure",
		}),
	}, nil
}

// HTTPHandler serves the registry in the prometheus exposition format
func (h *Handler) HTTPHandler() http.Handler {
	if h == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (h *Handler) Registry() *prometheus.Registry {
	if h == nil {
		return nil
	}
	return h.registry
}

// ObserveRequest records one served http request
func (h *Handler) ObserveRequest(route string, status int, duration time.Duration) {
	if h == nil {
		return
	}
	h.RequestsReceived.WithLabelValues(route, http.StatusText(status)).Inc()
	h.RequestLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// IncLinesClassified increments the classified lines counter
func (h *Handler) IncLinesClassified(strategy string, ok bool) {
	if h == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	h.LinesClassifiedTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveDispatch records a finished batch
func (h *Handler) ObserveDispatch(strategy string, duration time.Duration, err error) {
	if h == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case types.KindOf(err) == types.KindCanceled:
		result = "canceled"
	default:
		result = "failed"
	}
	h.BatchesTotal.WithLabelValues(strategy, result).Inc()
	h.DispatchLatency.WithLabelValues(strategy).Observe(duration.Seconds())
}

// IncCacheLookup counts a result cache lookup: hit, miss or bypass
func (h *Handler) IncCacheLookup(outcome string) {
	if h == nil {
		return
	}
	h.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// IncRateLimit counts a rate limiter decision: allowed, denied or failopen
func (h *Handler) IncRateLimit(route, decision string) {
	if h == nil {
		return
	}
	h.RateLimitTotal.WithLabelValues(route, decision).Inc()
}

// ObserveStoreOp records a coordination store call
func (h *Handler) ObserveStoreOp(op string, duration time.Duration, err error) {
	if h == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.StoreOpsTotal.WithLabelValues(op, result).Inc()
	h.StoreOpLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// IncStoreSkipped counts a call that failed fast because the store is degraded
func (h *Handler) IncStoreSkipped(op string) {
	if h == nil {
		return
	}
	h.StoreOpsTotal.WithLabelValues(op, "skipped").Inc()
}

// SetStoreHealthy mirrors the store health state
func (h *Handler) SetStoreHealthy(healthy bool) {
	if h == nil {
		return
	}
	if healthy {
		h.StoreHealthy.Set(1)
		return
	}
	h.StoreHealthy.Set(0)
}

// SetQueueDepth sets the pending unit gauge for a strategy
func (h *Handler) SetQueueDepth(strategy string, depth int) {
	if h == nil {
		return
	}
	h.PoolQueueDepth.WithLabelValues(strategy).Set(float64(depth))
}

// IncWorkerRestarts counts a respawned child worker
func (h *Handler) IncWorkerRestarts() {
	if h == nil {
		return
	}
	h.WorkerRestartsTotal.Inc()
}
