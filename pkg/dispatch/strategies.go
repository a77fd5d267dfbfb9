package dispatch

import (
	"context"
	"time"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/parser"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"golang.org/x/sync/semaphore"
)

// runCooperative starts one goroutine per unit, at most Concurrency at a time.
// Scheduling stops as soon as the batch context is done.
func (d *Dispatcher) runCooperative(ctx context.Context, mode logtypes.Mode, lines []string, out chan<- outcome) {
	gate := semaphore.NewWeighted(int64(d.config.Concurrency))
	for i, line := range lines {
		if err := gate.Acquire(ctx, 1); err != nil {
			return
		}
		go func(i int, line string) {
			defer gate.Release(1)
			level, err := d.classifier.ClassifyOne(ctx, mode, line)
			out <- outcome{index: i, level: level, err: err}
		}(i, line)
	}
}

// enqueue feeds the units of one batch to the pool. A unit that cannot be
// queued within EnqueueTimeout fails the whole batch.
func (d *Dispatcher) enqueue(ctx context.Context, mode logtypes.Mode, lines []string, out chan<- outcome, errc chan<- error) {
	timer := time.NewTimer(d.config.EnqueueTimeout)
	defer timer.Stop()

	for i, line := range lines {
		job := poolJob{ctx: ctx, mode: mode, line: line, index: i, out: out}

		// fast path when the queue has room
		select {
		case d.jobs <- job:
			d.metric.SetQueueDepth(string(StrategyPool), len(d.jobs))
			continue
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.config.EnqueueTimeout)

		select {
		case d.jobs <- job:
			d.metric.SetQueueDepth(string(StrategyPool), len(d.jobs))
		case <-timer.C:
			report(errc, ErrEnqueueTimeout.Wrap(context.DeadlineExceeded))
			return
		case <-d.quit:
			report(errc, ErrClosed)
			return
		case <-ctx.Done():
			return
		}
	}
}

// runPoolWorker is one long-lived pool goroutine
func (d *Dispatcher) runPoolWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case job := <-d.jobs:
			d.metric.SetQueueDepth(string(StrategyPool), len(d.jobs))
			if job.ctx.Err() != nil {
				continue
			}
			level, err := d.classifier.ClassifyOne(job.ctx, job.mode, job.line)
			job.out <- outcome{index: job.index, level: level, err: err}
		}
	}
}

// runIsolated hands units to the child processes, keeping every child busy
// and no more. Lines are normalized here; the children parse and digest.
func (d *Dispatcher) runIsolated(ctx context.Context, mode logtypes.Mode, lines []string, out chan<- outcome, errc chan<- error) {
	gate := semaphore.NewWeighted(int64(d.workers.Size()))
	for i, line := range lines {
		normalized, err := parser.Normalize(line, d.classifier.maxLineBytes)
		if err != nil {
			out <- outcome{index: i, err: err}
			continue
		}
		if err := gate.Acquire(ctx, 1); err != nil {
			return
		}
		go func(i int, line string) {
			defer gate.Release(1)
			r := d.workers.Classify(ctx, mode, line)
			switch {
			case r.Err == nil:
				out <- outcome{index: i, level: r.Level, digest: r.Digest}
			case isContextErr(r.Err) && ctx.Err() != nil:
				// abandoned with the batch
			case types.KindOf(r.Err) == types.KindSystemic:
				report(errc, r.Err)
			default:
				out <- outcome{index: i, digest: r.Digest, err: r.Err}
			}
		}(i, normalized)
	}
}
