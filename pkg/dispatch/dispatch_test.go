package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/cache"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/parser"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/store"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperEnv   = "CLASSIFIER_DISPATCH_HELPER"
	digestRound = 5
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(worker.Main())
	}
	os.Exit(m.Run())
}

var exampleLines = []string{
	"2026-01-30 12:01:05 INFO service started",
	"2026-01-30 12:01:06 ERROR upstream timeout",
	"garbage",
}

type fixture struct {
	dispatcher *Dispatcher
	mr         *miniredis.Miniredis
	adapter    *store.Adapter
	metric     *metrics.Handler
	parses     atomic.Int64
}

type option func(*Config, *worker.Config)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	log, err := logger.New("test", logger.Options{Format: logger.JSONLogFormat})
	require.NoError(t, err)
	metric, err := metrics.New("test")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	adapter, err := store.New(context.Background(), &store.Config{
		Backend:   "redis",
		Addr:      mr.Addr(),
		OpTimeout: time.Second,
	}, store.NewHealth(nil), log, metric)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	resultCache, err := cache.New(adapter, &cache.Config{TTL: 5 * time.Minute, KeyPrefix: "loglevel"}, log, metric)
	require.NoError(t, err)

	config := &Config{
		Concurrency:    4,
		PoolSize:       4,
		QueueSize:      16,
		EnqueueTimeout: time.Second,
		BatchTimeout:   10 * time.Second,
		TimeoutPolicy:  PolicyFail,
	}
	workerConfig := &worker.Config{
		Workers:     2,
		Rounds:      digestRound,
		CallTimeout: 5 * time.Second,
		Path:        os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         []string{helperEnv + "=1"},
	}
	for _, opt := range opts {
		opt(config, workerConfig)
	}

	f := &fixture{mr: mr, adapter: adapter, metric: metric}
	classifier := NewClassifier(resultCache, 65536)
	classifier.parse = func(mode logtypes.Mode, line string) (string, error) {
		f.parses.Add(1)
		return parser.Parse(mode, line)
	}

	f.dispatcher = New(config, classifier, worker.New(workerConfig, log, metric), log, metric)
	require.NoError(t, f.dispatcher.Start())
	t.Cleanup(f.dispatcher.Stop)
	return f
}

var allStrategies = []Strategy{StrategyCooperative, StrategyPool, StrategyIsolated}

func TestExampleBatch(t *testing.T) {
	f := newFixture(t)
	for _, strategy := range allStrategies {
		t.Run(string(strategy), func(t *testing.T) {
			result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, strategy)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"INFO": 1, "ERROR": 1, logtypes.ErrorBucket: 1}, result.Counts)
			assert.Equal(t, 3, result.Total)
			assert.False(t, result.Partial)
		})
	}
}

func mixedLines(n int) []string {
	levels := []string{"INFO", "WARN", "ERROR", "DEBUG"}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		switch i % 5 {
		case 4:
			lines = append(lines, fmt.Sprintf("broken line %d", i))
		default:
			lines = append(lines, fmt.Sprintf("2026-01-30 12:%02d:%02d %s event %d", i/60%60, i%60, levels[i%4], i))
		}
	}
	return lines
}

func TestStrategiesAgree(t *testing.T) {
	f := newFixture(t)
	lines := mixedLines(120)

	var first map[string]int
	for _, strategy := range allStrategies {
		result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, lines, strategy)
		require.NoError(t, err, strategy)

		sum := 0
		for _, c := range result.Counts {
			sum += c
		}
		assert.Equal(t, len(lines), sum, "%s counts every line once", strategy)
		assert.Equal(t, len(lines), result.Total)

		if first == nil {
			first = result.Counts
			continue
		}
		assert.Equal(t, first, result.Counts, strategy)
	}
}

func TestJSONLinesBatch(t *testing.T) {
	f := newFixture(t)
	lines := []string{`{"level":"INFO","msg":"a"}`, `{"level":"WARN"}`, `{"msg":"no level"}`, `[1,2]`, `{"level":"INFO"}`}

	for _, strategy := range allStrategies {
		result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModeJSONLines, lines, strategy)
		require.NoError(t, err, strategy)
		assert.Equal(t, map[string]int{"INFO": 2, "WARN": 1, logtypes.ErrorBucket: 2}, result.Counts, strategy)
	}
}

func TestIsolatedDigests(t *testing.T) {
	f := newFixture(t)
	lines := mixedLines(10)

	result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, lines, StrategyIsolated)
	require.NoError(t, err)
	require.Len(t, result.Digests, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, worker.Digest(lines[i], digestRound), result.Digests[i])
	}

	result, err = f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, lines, StrategyCooperative)
	require.NoError(t, err)
	assert.Empty(t, result.Digests, "only isolated batches carry digests")
}

func TestClassifyOneIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.dispatcher.Classifier()
	ctx := context.Background()

	level, err := c.ClassifyOne(ctx, logtypes.ModePlain, exampleLines[1])
	require.NoError(t, err)
	assert.Equal(t, "ERROR", level)

	level, err = c.ClassifyOne(ctx, logtypes.ModePlain, exampleLines[1]+"\r\n")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", level)
	assert.Equal(t, int64(1), f.parses.Load(), "the second call is served from the cache")

	// failures are not cached
	for i := 0; i < 2; i++ {
		_, err = c.ClassifyOne(ctx, logtypes.ModePlain, "garbage")
		assert.ErrorIs(t, err, parser.ErrMalformedPlain)
	}
	assert.Equal(t, int64(3), f.parses.Load())
}

func TestDegradedStoreStillClassifies(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("ERR simulated outage")

	for _, strategy := range []Strategy{StrategyCooperative, StrategyPool} {
		result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, strategy)
		require.NoError(t, err, strategy)
		assert.Equal(t, map[string]int{"INFO": 1, "ERROR": 1, logtypes.ErrorBucket: 1}, result.Counts)
	}
	assert.False(t, f.adapter.Healthy())

	f.mr.SetError("")
	result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, StrategyCooperative)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.True(t, f.adapter.Healthy())
}

func TestEmptyBatch(t *testing.T) {
	f := newFixture(t)
	for _, strategy := range allStrategies {
		result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, nil, strategy)
		require.NoError(t, err)
		assert.Empty(t, result.Counts)
		assert.Equal(t, 0, result.Total)
	}
}

func TestInvalidArguments(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), "xml", exampleLines, StrategyCooperative)
	assert.ErrorIs(t, err, parser.ErrUnknownMode)
	assert.Equal(t, types.KindInput, types.KindOf(err))

	_, err = f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, "fork")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, types.KindInput, types.KindOf(err))

	s, err := ParseStrategy("pool")
	require.NoError(t, err)
	assert.Equal(t, StrategyPool, s)
	_, err = ParseStrategy("threads")
	assert.Error(t, err)
}

func slowParse(d time.Duration) ParseFunc {
	return func(mode logtypes.Mode, line string) (string, error) {
		if strings.Contains(line, "slow") {
			time.Sleep(d)
		}
		return parser.Parse(mode, line)
	}
}

func TestBatchTimeoutFails(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *worker.Config) {
		c.BatchTimeout = 100 * time.Millisecond
	})
	f.dispatcher.classifier.parse = slowParse(500 * time.Millisecond)
	lines := []string{"2026-01-30 12:01:05 INFO fast", "2026-01-30 12:01:05 INFO slow"}

	for _, strategy := range []Strategy{StrategyCooperative, StrategyPool} {
		start := time.Now()
		_, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, lines, strategy)
		assert.ErrorIs(t, err, ErrBatchTimeout, strategy)
		assert.Equal(t, types.KindSystemic, types.KindOf(err))
		assert.Less(t, time.Since(start), 400*time.Millisecond, "the batch does not wait for the slow unit")
	}
}

func TestBatchTimeoutPartial(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *worker.Config) {
		c.BatchTimeout = 150 * time.Millisecond
		c.TimeoutPolicy = PolicyPartial
	})
	f.dispatcher.classifier.parse = slowParse(time.Second)
	lines := []string{
		"2026-01-30 12:01:05 INFO a",
		"2026-01-30 12:01:05 WARN b",
		"2026-01-30 12:01:05 INFO slow",
		"nonsense",
	}

	result, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, lines, StrategyCooperative)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Equal(t, 1, result.Incomplete)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, map[string]int{"INFO": 1, "WARN": 1, logtypes.ErrorBucket: 1}, result.Counts)
}

func TestEnqueueTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *worker.Config) {
		c.PoolSize = 1
		c.QueueSize = 1
		c.EnqueueTimeout = 50 * time.Millisecond
	})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.dispatcher.classifier.parse = func(mode logtypes.Mode, line string) (string, error) {
		<-release
		return parser.Parse(mode, line)
	}

	_, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, mixedLines(5), StrategyPool)
	assert.ErrorIs(t, err, ErrEnqueueTimeout)
	assert.Equal(t, types.KindSystemic, types.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metric.BatchesTotal.WithLabelValues("pool", "failed")))
}

func TestCancelledBatch(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.classifier.parse = slowParse(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := f.dispatcher.Dispatch(ctx, logtypes.ModePlain, []string{"2026-01-30 12:01:05 INFO slow"}, StrategyCooperative)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, types.KindCanceled, types.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metric.BatchesTotal.WithLabelValues("cooperative", "canceled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metric.BatchesTotal.WithLabelValues("cooperative", "failed")))
}

func TestAggregateDrainsBufferedOutcomes(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	agg := &aggregate{mode: logtypes.ModePlain, lines: lines, strategy: "pool", result: logtypes.NewBatchResult(len(lines))}

	out := make(chan outcome, len(lines))
	out <- outcome{index: 0, level: "INFO"}
	out <- outcome{index: 2, level: "WARN"}
	out <- outcome{index: 3, err: parser.ErrMalformedPlain}

	agg.add(<-out)
	agg.drain(out)
	assert.Equal(t, 3, agg.done)
	assert.Equal(t, 3, agg.result.Classified())
	assert.Equal(t, map[string]int{"INFO": 1, "WARN": 1, logtypes.ErrorBucket: 1}, agg.result.Counts)

	// an empty channel returns at once
	done := make(chan struct{})
	go func() {
		agg.drain(out)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain blocked on an empty channel")
	}
}

func TestStoppedDispatcher(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.Stop()

	for _, strategy := range []Strategy{StrategyPool, StrategyIsolated} {
		_, err := f.dispatcher.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, strategy)
		assert.ErrorIs(t, err, ErrClosed, strategy)
	}
	assert.ErrorIs(t, f.dispatcher.Start(), ErrClosed)
}

func TestIsolatedDisabled(t *testing.T) {
	d := New(&Config{Concurrency: 1, PoolSize: 1, EnqueueTimeout: time.Second}, NewClassifier(nil, 0), nil, nil, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	_, err := d.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, StrategyIsolated)
	assert.ErrorIs(t, err, ErrStrategyDisabled)

	result, err := d.Dispatch(context.Background(), logtypes.ModePlain, exampleLines, StrategyPool)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
}
