// Package dispatch classifies a batch of lines under one of three
// concurrency strategies and folds the outcomes into a single BatchResult.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/parser"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Strategy selects how the units of a batch are scheduled
type Strategy string

const (
	StrategyCooperative Strategy = "cooperative"
	StrategyPool        Strategy = "pool"
	StrategyIsolated    Strategy = "isolated"
)

// TimeoutPolicy decides what a batch that outlives BatchTimeout returns
type TimeoutPolicy string

const (
	PolicyFail    TimeoutPolicy = "fail"
	PolicyPartial TimeoutPolicy = "partial"
)

// maxDigests is how many digests an isolated batch reports
const maxDigests = 3

var (
	ErrBatchTimeout     = types.NewError(types.KindSystemic, "batch_timeout", "batch did not complete in time")
	ErrEnqueueTimeout   = types.NewError(types.KindSystemic, "enqueue_timeout", "worker pool queue is full")
	ErrClosed           = types.NewError(types.KindSystemic, "dispatcher_closed", "dispatcher is not running")
	ErrStrategyDisabled = types.NewError(types.KindSystemic, "strategy_unavailable", "strategy is not available")
	ErrUnknownStrategy  = types.NewError(types.KindInput, "unknown_strategy", "unknown dispatch strategy")
	ErrCanceled         = types.NewError(types.KindCanceled, "canceled", "batch canceled by caller")
)

// Config contains configuration for the batch dispatcher
type Config struct {
	Concurrency    int           `json:"concurrency" yaml:"concurrency" default:"20" validate:"gt=0"`
	PoolSize       int           `json:"pool_size" yaml:"pool_size" default:"20" validate:"gt=0"`
	QueueSize      int           `json:"queue_size" yaml:"queue_size" default:"1000" validate:"gte=0"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout" yaml:"enqueue_timeout" default:"5s" validate:"gt=0"`
	BatchTimeout   time.Duration `json:"batch_timeout" yaml:"batch_timeout" default:"10s" validate:"gte=0"`
	TimeoutPolicy  TimeoutPolicy `json:"timeout_policy" yaml:"timeout_policy" default:"fail" validate:"omitempty,oneof=fail partial"`
}

// outcome is one finished unit, reported to the coordinating goroutine
type outcome struct {
	index  int
	level  string
	digest string
	err    error
}

type poolJob struct {
	ctx   context.Context
	mode  logtypes.Mode
	line  string
	index int
	out   chan<- outcome
}

// Dispatcher owns the long-lived pool goroutines and, when configured, the
// isolated worker processes.
type Dispatcher struct {
	config     *Config
	classifier *Classifier
	workers    *worker.Pool
	log        *logger.Handler
	metric     *metrics.Handler
	tracer     trace.Tracer

	jobs    chan poolJob
	quit    chan struct{}
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a dispatcher. workers may be nil, which disables the isolated strategy.
func New(config *Config, classifier *Classifier, workers *worker.Pool, l *logger.Handler, m *metrics.Handler) *Dispatcher {
	return &Dispatcher{
		config:     config,
		classifier: classifier,
		workers:    workers,
		log:        l,
		metric:     m,
		tracer:     otel.Tracer("classifier/dispatch"),
		jobs:       make(chan poolJob, config.QueueSize),
		quit:       make(chan struct{}),
	}
}

// ParseStrategy maps a strategy name to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCooperative, StrategyPool, StrategyIsolated:
		return Strategy(s), nil
	}
	return "", ErrUnknownStrategy.Wrap(fmt.Errorf("%q", s))
}

// Classifier returns the single-line classifier used by the in-process strategies
func (d *Dispatcher) Classifier() *Classifier {
	return d.classifier
}

// Start launches the pool goroutines and the isolated workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}

	if d.workers != nil {
		if err := d.workers.Start(); err != nil {
			return err
		}
	}

	for i := 0; i < d.config.PoolSize; i++ {
		d.wg.Add(1)
		go d.runPoolWorker()
	}
	d.started = true
	if d.log != nil {
		d.log.Info().
			Int("pool_size", d.config.PoolSize).
			Int("queue_size", d.config.QueueSize).
			Int("concurrency", d.config.Concurrency).
			Msg("dispatcher started")
	}
	return nil
}

// Stop ends the pool goroutines and the isolated workers. Batches still
// running fail with ErrClosed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()
	if d.workers != nil {
		d.workers.Stop()
	}
}

func (d *Dispatcher) running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started && !d.closed
}

// Dispatch classifies lines with strategy and aggregates the per-level counts.
// Per-line failures are counted under the error bucket; only systemic
// failures return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, mode logtypes.Mode, lines []string, strategy Strategy) (*logtypes.BatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.strategy", string(strategy)),
		attribute.String("dispatch.mode", string(mode)),
		attribute.Int("dispatch.lines", len(lines)),
	)

	start := time.Now()
	result, err := d.dispatch(ctx, mode, lines, strategy)
	d.metric.ObserveDispatch(string(strategy), time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case d.log == nil:
		case types.KindOf(err) == types.KindSystemic:
			d.log.Warn().Err(err).
				Str("strategy", string(strategy)).
				Int("lines", len(lines)).
				Dur("elapsed", time.Since(start)).
				Msg("batch aborted")
		case types.KindOf(err) == types.KindCanceled:
			d.log.Debug().Str("strategy", string(strategy)).Int("lines", len(lines)).Msg("batch abandoned by caller")
		}
		return nil, err
	}
	if result.Partial {
		span.SetAttributes(attribute.Int("dispatch.incomplete", result.Incomplete))
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, mode logtypes.Mode, lines []string, strategy Strategy) (*logtypes.BatchResult, error) {
	if mode != logtypes.ModePlain && mode != logtypes.ModeJSONLines {
		return nil, parser.ErrUnknownMode
	}
	switch strategy {
	case StrategyCooperative, StrategyPool:
	case StrategyIsolated:
		if d.workers == nil {
			return nil, ErrStrategyDisabled.Wrap(errors.New("no worker processes configured"))
		}
	default:
		return nil, ErrUnknownStrategy.Wrap(fmt.Errorf("%q", strategy))
	}
	if strategy != StrategyCooperative && !d.running() {
		return nil, ErrClosed
	}

	result := logtypes.NewBatchResult(len(lines))
	if len(lines) == 0 {
		return result, nil
	}

	batchCtx, cancel := d.batchContext(ctx)
	defer cancel()

	// out never blocks a unit: abandoned units finish into the buffer
	out := make(chan outcome, len(lines))
	errc := make(chan error, 1)

	switch strategy {
	case StrategyCooperative:
		go d.runCooperative(batchCtx, mode, lines, out)
	case StrategyPool:
		go d.enqueue(batchCtx, mode, lines, out, errc)
	case StrategyIsolated:
		go d.runIsolated(batchCtx, mode, lines, out, errc)
	}

	agg := &aggregate{mode: mode, lines: lines, strategy: string(strategy), result: result, metric: d.metric}
	if strategy == StrategyIsolated {
		agg.digests = make([]string, len(lines))
	}
	var quit <-chan struct{}
	if strategy != StrategyCooperative {
		quit = d.quit
	}

	// this loop is the only writer of result
	for agg.done < len(lines) {
		select {
		case o := <-out:
			agg.add(o)
		case err := <-errc:
			return nil, err
		case <-quit:
			return nil, ErrClosed
		case <-batchCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, ErrCanceled.Wrap(err)
			}
			// select may pick Done while finished units are still buffered
			agg.drain(out)
			if agg.done == len(lines) {
				return agg.finish(), nil
			}
			if d.config.TimeoutPolicy != PolicyPartial {
				return nil, ErrBatchTimeout.Wrap(fmt.Errorf("%d of %d lines done after %s", agg.done, len(lines), d.config.BatchTimeout))
			}
			result.Partial = true
			result.Incomplete = len(lines) - result.Classified()
			return agg.finish(), nil
		}
	}
	return agg.finish(), nil
}

// aggregate folds outcomes into one BatchResult
type aggregate struct {
	mode     logtypes.Mode
	lines    []string
	strategy string
	result   *logtypes.BatchResult
	digests  []string
	metric   *metrics.Handler
	done     int
}

func (a *aggregate) add(o outcome) {
	a.done++
	a.result.Add(logtypes.LogRecord{Mode: a.mode, RawLine: a.lines[o.index], Level: o.level, ParseError: o.err})
	a.metric.IncLinesClassified(a.strategy, o.err == nil)
	if a.digests != nil {
		a.digests[o.index] = o.digest
	}
}

// drain folds the outcomes already buffered in out without waiting for more
func (a *aggregate) drain(out <-chan outcome) {
	for a.done < len(a.lines) {
		select {
		case o := <-out:
			a.add(o)
		default:
			return
		}
	}
}

func (a *aggregate) finish() *logtypes.BatchResult {
	a.result.Digests = firstDigests(a.digests)
	return a.result
}

func (d *Dispatcher) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.BatchTimeout > 0 {
		return context.WithTimeout(ctx, d.config.BatchTimeout)
	}
	return context.WithCancel(ctx)
}

// firstDigests returns up to maxDigests digests in line order
func firstDigests(digests []string) []string {
	if digests == nil {
		return nil
	}
	first := make([]string, 0, maxDigests)
	for _, dg := range digests {
		if dg == "" {
			continue
		}
		first = append(first, dg)
		if len(first) == maxDigests {
			break
		}
	}
	return first
}

func report(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
