package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
)

var (
	ErrSpawn  = types.NewError(types.KindSystemic, "worker_spawn", "could not start worker process")
	ErrClosed = types.NewError(types.KindSystemic, "worker_pool_closed", "worker pool is closed")
	ErrBroken = types.NewError(types.KindSystemic, "worker_broken", "worker process failed twice")
)

// Config contains configuration for the child process pool
type Config struct {
	Workers     int           `json:"workers" yaml:"workers" validate:"gte=0"`
	Rounds      int           `json:"rounds" yaml:"rounds" default:"20000" validate:"gte=0"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" default:"30s" validate:"gte=0"`

	// Path and Args select the child command. Empty Path means this binary and
	// empty Args means Command.
	Path string   `json:"path,omitempty" yaml:"path,omitempty"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c *Config) command() (string, []string, error) {
	path := c.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		path = exe
	}
	args := c.Args
	if len(args) == 0 {
		args = []string{Command}
	}
	return path, args, nil
}

// Result is the outcome of one line handled by a child
type Result struct {
	Level  string
	Digest string
	Err    error
}

type job struct {
	ctx   context.Context
	mode  logtypes.Mode
	line  string
	reply chan<- Result
}

// Pool is a fixed set of child processes, each driven by one goroutine
type Pool struct {
	config *Config
	log    *logger.Handler
	metric *metrics.Handler

	jobs    chan job
	nextID  atomic.Uint64
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(config *Config, l *logger.Handler, m *metrics.Handler) *Pool {
	return &Pool{
		config: config,
		log:    l,
		metric: m,
		jobs:   make(chan job),
	}
}

// Size is the number of child processes the pool runs
func (p *Pool) Size() int {
	return p.config.workers()
}

// Start spawns every child up front so a broken worker binary is reported at startup
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}

	n := p.config.workers()
	procs := make([]*process, 0, n)
	for i := 0; i < n; i++ {
		proc, err := spawn(p.config)
		if err != nil {
			for _, pr := range procs {
				pr.close()
			}
			return ErrSpawn.Wrap(err)
		}
		procs = append(procs, proc)
	}

	for i, proc := range procs {
		p.wg.Add(1)
		go p.run(i, proc)
	}
	p.started = true
	if p.log != nil {
		p.log.Info().Int("workers", n).Int("rounds", p.config.Rounds).Msg("worker processes started")
	}
	return nil
}

// Stop closes every child's stdin and waits for the driving goroutines
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.jobs)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
}

// Classify hands one line to the next free child and waits for its answer
func (p *Pool) Classify(ctx context.Context, mode logtypes.Mode, line string) Result {
	reply := make(chan Result, 1)

	p.mu.RLock()
	if p.closed || !p.started {
		p.mu.RUnlock()
		return Result{Err: ErrClosed}
	}
	select {
	case p.jobs <- job{ctx: ctx, mode: mode, line: line, reply: reply}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{Err: ctx.Err()}
	}

	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (p *Pool) run(slot int, proc *process) {
	defer p.wg.Done()
	defer func() {
		if proc != nil {
			proc.close()
		}
	}()

	for j := range p.jobs {
		if j.ctx.Err() != nil {
			j.reply <- Result{Err: j.ctx.Err()}
			continue
		}
		var r Result
		proc, r = p.handle(slot, proc, j)
		j.reply <- r
	}
}

// handle runs one job on proc, respawning and retrying once when the child fails.
// It returns the process to use for the next job, nil when respawn failed.
func (p *Pool) handle(slot int, proc *process, j job) (*process, Result) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if proc == nil || proc.broken {
			if proc != nil {
				proc.kill()
			}
			next, err := spawn(p.config)
			if err != nil {
				if p.log != nil {
					p.log.Error().Err(err).Int("slot", slot).Msg("worker respawn failed")
				}
				return nil, Result{Err: ErrSpawn.Wrap(err)}
			}
			proc = next
			p.metric.IncWorkerRestarts()
		}

		ctx := j.ctx
		if p.config.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(j.ctx, p.config.CallTimeout)
			defer cancel()
		}

		resp, err := proc.call(ctx, Request{ID: p.nextID.Add(1), Mode: j.mode, Line: j.line})
		if err == nil {
			return proc, Result{Level: resp.Level, Digest: resp.Digest, Err: resp.Err()}
		}
		if j.ctx.Err() != nil {
			return proc, Result{Err: j.ctx.Err()}
		}
		lastErr = err
		if p.log != nil {
			p.log.Warn().Err(err).Int("slot", slot).Int("attempt", attempt+1).Msg("worker call failed")
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return proc, Result{Err: ErrBroken.Wrap(fmt.Errorf("call timed out: %w", lastErr))}
	}
	return proc, Result{Err: ErrBroken.Wrap(lastErr)}
}
