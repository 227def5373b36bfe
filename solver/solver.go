// Package solver estimates per-subset deformations of a correlation task.
//
// Every solver drives the same round engine (Engine): the task is split
// into batches that fit the device, each batch is staged by the memory
// manager and scored by the kernel. Solvers differ in which candidate
// deformations they submit and how they combine rounds:
//
//   - Exhaustive scores the whole deformation grid once.
//   - CoarseFine scores a coarse grid, then the original grid around the
//     coarse winner.
//   - NewtonRaphson refines a coarse guess with central-difference Newton
//     steps.
//   - SPGD refines a coarse guess by stochastic parallel gradient descent.
//
// Usage:
//
//	s, err := solver.New(dic.DefaultConfig(), dic.WithSolver(dic.SolverSPGD))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	results, err := s.Solve(ctx, task)
package solver

import (
	"context"
	"errors"

	"github.com/gogpu/dic"
)

// Solver computes one result per subset of a task.
//
// Solve returns a result for every subset, in subset order. When the run
// is stopped, Solve returns the results decided so far, failure sentinels
// for the rest and an error wrapping dic.ErrStopped. Stop may be called
// from any goroutine; a stopped solver stays stopped.
type Solver interface {
	Solve(ctx context.Context, task *dic.Task) ([]dic.Result, error)
	Stop()
	Close() error
}

type factory func(e *Engine) Solver

var factories = map[dic.SolverKind]factory{
	dic.SolverExhaustive:    func(e *Engine) Solver { return &Exhaustive{engine: e} },
	dic.SolverCoarseFine:    func(e *Engine) Solver { return &CoarseFine{engine: e} },
	dic.SolverNewtonRaphson: func(e *Engine) Solver { return &NewtonRaphson{engine: e} },
	dic.SolverSPGD:          func(e *Engine) Solver { return &SPGD{engine: e} },
}

// New creates the solver selected by cfg.Solver after applying opts.
// Unknown solver kinds fall back to exhaustive search.
func New(cfg dic.Config, opts ...dic.Option) (Solver, error) {
	cfg = cfg.Apply(opts...)
	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithEngine(e), nil
}

// NewWithEngine creates the solver selected by the engine configuration
// on an existing engine. The solver owns the engine.
func NewWithEngine(e *Engine) Solver {
	f, ok := factories[e.Config().Solver]
	if !ok {
		dic.Logger().Warn("dic: unknown solver, using exhaustive search", "solver", e.Config().Solver)
		f = factories[dic.SolverExhaustive]
	}
	return f(e)
}

// Exhaustive scores every deformation of the task in a single round.
type Exhaustive struct {
	engine *Engine
}

// Solve implements Solver.
func (s *Exhaustive) Solve(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	return s.engine.FindBest(ctx, task)
}

// Stop implements Solver.
func (s *Exhaustive) Stop() { s.engine.Stop() }

// Close implements Solver.
func (s *Exhaustive) Close() error { return s.engine.Close() }

// CoarseFine scores a coarse grid of at most cfg.CoarseSteps values per
// coefficient, then the original grid within one coarse step of the
// coarse winner. Explicit candidate tasks are solved exhaustively.
type CoarseFine struct {
	engine *Engine
}

// Solve implements Solver.
func (s *CoarseFine) Solve(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	if !task.UsesLimits {
		return s.engine.FindBest(ctx, task)
	}
	return coarseFine(ctx, s.engine, task)
}

// Stop implements Solver.
func (s *CoarseFine) Stop() { s.engine.Stop() }

// Close implements Solver.
func (s *CoarseFine) Close() error { return s.engine.Close() }

// coarseTask returns task with every grid coarsened to steps values per
// coefficient.
func coarseTask(task *dic.Task, steps int) *dic.Task {
	coarse := task.Sub(seq(len(task.Subsets)))
	for i, l := range coarse.Limits {
		coarse.Limits[i] = l.Coarsen(steps)
	}
	return coarse
}

// coarseGuess runs the coarse round shared by coarse-to-fine and the
// iterative solvers.
func coarseGuess(ctx context.Context, e *Engine, task *dic.Task) (*dic.Task, []dic.Result, error) {
	if err := task.Validate(); err != nil {
		return nil, nil, err
	}
	coarse := coarseTask(task, e.Config().CoarseSteps)
	results, err := e.FindBest(ctx, coarse)
	return coarse, results, err
}

func coarseFine(ctx context.Context, e *Engine, task *dic.Task) ([]dic.Result, error) {
	coarse, results, err := coarseGuess(ctx, e, task)
	if err != nil {
		return results, err
	}

	var refine []int
	for i, r := range results {
		if r.Valid() {
			refine = append(refine, i)
		}
	}
	if len(refine) == 0 {
		return results, nil
	}

	fine := task.Sub(refine)
	for k, i := range refine {
		radius := make([]float64, len(coarse.Limits[i]))
		for c, lim := range coarse.Limits[i] {
			radius[c] = lim.Step
		}
		fine.Limits[k] = task.Limits[i].Around(results[i].Deformation, radius)
	}
	dic.Logger().Debug("dic: fine round", "subsets", len(refine))

	refined, err := e.FindBest(ctx, fine)
	if err != nil && !errors.Is(err, dic.ErrStopped) {
		return nil, err
	}
	for k, i := range refine {
		if refined != nil && refined[k].Better(results[i]) {
			results[i] = refined[k]
		}
	}
	return results, err
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
