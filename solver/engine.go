package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
	"github.com/gogpu/dic/internal/parallel"
	"github.com/gogpu/dic/internal/split"
)

// Engine runs correlation rounds: it splits a task into batches that fit
// the platform's device, stages them and runs the kernel on each.
//
// A round that fails with dic.ErrMemory is restarted from scratch with a
// smaller memory budget until the budget is exhausted. Device errors clear
// staged memory and end the round.
type Engine struct {
	cfg      dic.Config
	platform *Platform
	pool     *parallel.WorkerPool
	ownPool  bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine opens the platform requested by cfg.
func NewEngine(cfg dic.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool := parallel.NewWorkerPool(0)
	p, err := openPlatform(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	e := NewEngineWithPlatform(cfg, p, pool)
	e.ownPool = true
	return e, nil
}

// NewEngineWithPlatform creates an engine on an existing platform. The
// engine closes p but not pool.
func NewEngineWithPlatform(cfg dic.Config, p *Platform, pool *parallel.WorkerPool) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{cfg: cfg, platform: p, pool: pool, ctx: ctx, cancel: cancel}
}

// Config returns the engine configuration.
func (e *Engine) Config() dic.Config { return e.cfg }

// Platform returns the platform the engine runs on.
func (e *Engine) Platform() *Platform { return e.platform }

// Pool returns the worker pool shared by the engine and its solvers.
func (e *Engine) Pool() *parallel.WorkerPool { return e.pool }

// Stop aborts running and future rounds. It is safe to call from any
// goroutine.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.platform.Kernel.Stop()
}

// Close stops the engine and releases the platform.
func (e *Engine) Close() error {
	e.Stop()
	err := e.platform.Close()
	if e.ownPool {
		e.pool.Close()
	}
	return err
}

// context merges the caller's context with the engine's stop signal.
func (e *Engine) context(ctx context.Context) (context.Context, context.CancelFunc) {
	e.mu.Lock()
	stop := e.ctx
	e.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	// AfterFunc runs cancel on its own goroutine; an engine that is
	// already stopped must cancel before the first batch.
	if stop.Err() != nil {
		cancel()
	}
	unregister := context.AfterFunc(stop, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// Stopped reports whether ctx or the engine was stopped.
func (e *Engine) Stopped(ctx context.Context) bool {
	e.mu.Lock()
	stop := e.ctx
	e.mu.Unlock()
	return ctx.Err() != nil || stop.Err() != nil
}

// FindBest runs one round and returns the best result of every subset.
//
// On dic.ErrStopped the returned slice holds the results of the batches
// that completed; the remaining subsets carry the "stopped" sentinel.
func (e *Engine) FindBest(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	var results []dic.Result
	touched := make([]bool, len(task.Subsets))
	reset := func() {
		results = make([]dic.Result, len(task.Subsets))
		for i := range results {
			results[i] = dic.FailedResult("stopped")
		}
		clear(touched)
	}

	err := e.run(ctx, task, reset, func(rctx context.Context, b *split.Batch, bufs *memory.Buffers) error {
		batch, err := e.platform.Kernel.ComputeFindBest(rctx, b.Task, bufs)
		if err != nil {
			return err
		}
		for k, i := range b.Indices {
			r := batch[k]
			if !touched[i] || r.Better(results[i]) {
				results[i] = r
			}
			touched[i] = true
		}
		return nil
	})
	if err != nil && !errors.Is(err, dic.ErrStopped) {
		return nil, err
	}
	return results, err
}

// Raw runs one round and returns the score of every candidate of every
// subset. Row i has task.CandidateCount(i) entries in candidate order.
// Unscored candidates hold NaN.
func (e *Engine) Raw(ctx context.Context, task *dic.Task) ([][]float64, error) {
	var rows [][]float64
	reset := func() {
		rows = make([][]float64, len(task.Subsets))
		for i := range rows {
			rows[i] = make([]float64, task.CandidateCount(i))
			for j := range rows[i] {
				rows[i][j] = math.NaN()
			}
		}
	}

	err := e.run(ctx, task, reset, func(rctx context.Context, b *split.Batch, bufs *memory.Buffers) error {
		raw, err := e.platform.Kernel.ComputeRaw(rctx, b.Task, bufs)
		if err != nil {
			return err
		}
		stride := b.Task.MaxCandidates()
		for k, i := range b.Indices {
			scores := raw[k*stride : k*stride+b.Task.CandidateCount(k)]
			switch {
			case !b.Partial:
				copy(rows[i], scores)
			case task.UsesLimits:
				for j, s := range scores {
					rows[i][gridIndex(task.Limits[i], b.Task.Candidate(k, j))] = s
				}
			default:
				copy(rows[i][b.Offset:], scores)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, dic.ErrStopped) {
		return nil, err
	}
	return rows, err
}

// gridIndex returns the index of def within the grid of l. def must be a
// grid point of l.
func gridIndex(l dic.Limits, def []float64) int {
	index, stride := 0, 1
	for c, lim := range l {
		n := dic.StepCount(lim)
		k := 0
		if lim.Step > 0 {
			k = int(math.Round((def[c] - lim.Min) / lim.Step))
			k = max(0, min(n-1, k))
		}
		index += k * stride
		stride *= n
	}
	return index
}

type batchFunc func(ctx context.Context, b *split.Batch, bufs *memory.Buffers) error

// run drives one round of task. reset is called before every attempt so
// that a restarted round starts from fresh per-round state.
func (e *Engine) run(ctx context.Context, task *dic.Task, reset func(), fn batchFunc) error {
	reset()
	if err := task.Validate(); err != nil {
		return err
	}
	ctx, cancel := e.context(ctx)
	defer cancel()

	p := e.platform
	if err := p.Kernel.Prepare(kernel.ShapeOf(task, e.cfg)); err != nil {
		return err
	}

	budget := split.NewMemoryBudget()
	for {
		err := e.attempt(ctx, task, budget, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, dic.ErrMemory) && !errors.Is(err, dic.ErrStopped):
			p.Manager.Clear()
			budget.Shrink()
			if !budget.Ready() {
				return fmt.Errorf("memory budget exhausted: %w", err)
			}
			dic.Logger().Warn("dic: out of memory, retrying with smaller budget",
				"budget", budget.String(), "err", err)
			reset()
		default:
			p.Manager.Clear()
			return err
		}
	}
}

func (e *Engine) attempt(ctx context.Context, task *dic.Task, budget split.MemoryBudget, fn batchFunc) error {
	p := e.platform
	if err := p.Manager.AssignTask(task); err != nil {
		return err
	}
	s := split.New(task, p.Device.Limits(), budget)
	for n := 0; ; n++ {
		if e.Stopped(ctx) {
			return fmt.Errorf("%w: before batch %d", dic.ErrStopped, n)
		}
		b, ok, err := s.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		dic.Logger().Debug("dic: batch", "index", n, "subsets", len(b.Indices),
			"candidates", b.Task.MaxCandidates(), "partial", b.Partial)
		err = p.Manager.WithData(b.Task, func(bufs *memory.Buffers) error {
			return fn(ctx, b, bufs)
		})
		if err != nil {
			return err
		}
	}
}
