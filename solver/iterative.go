package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gogpu/dic"
)

// Termination reasons of the iterative solvers.
const (
	ReasonPrecision      = "precision reached"
	ReasonLowImprovement = "low improvement"
	ReasonSingular       = "singular hessian"
	ReasonIterationLimit = "iteration limit"
	ReasonGoodQuality    = "good quality"
	ReasonLowGradient    = "low gradient"
	ReasonNoScore        = "no valid score"
	ReasonStopped        = "stopped"
)

// walker is the per-subset state of an iterative solver.
type walker struct {
	index  int
	limits dic.Limits
	x      []float64
	// free lists the coefficients with a positive step. The others stay at
	// their initial value.
	free []int

	// last is the score at x in the previous iteration.
	last float64

	// SPGD state: the perturbation of the current step and the source of
	// its signs.
	rng   *rand.Rand
	delta []float64
	probe [][]float64

	best dic.Result
	done bool
}

func (w *walker) record(x []float64, score float64) {
	if math.IsNaN(score) {
		return
	}
	if !w.best.Valid() || score > w.best.Score {
		w.best = dic.Result{Score: score, Deformation: append([]float64(nil), x...)}
	}
}

// iteration collects the candidate lists of the active walkers of one
// iterative step.
type iteration struct {
	active     []*walker
	candidates [][][]float64
}

// loop runs the shared skeleton of the iterative solvers: a coarse guess,
// then rounds of explicit candidates until every subset is decided.
//
// samples returns the candidates of an active walker for the next round;
// update consumes their scores and decides whether the walker is done.
// Updates of different walkers run concurrently on the engine's pool.
type loop struct {
	engine  *Engine
	init    func(w *walker)
	samples func(w *walker) [][]float64
	update  func(w *walker, scores []float64, iter int)
}

func (l *loop) run(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	if !task.UsesLimits {
		return nil, fmt.Errorf("%w: iterative solvers need deformation limits", dic.ErrIllegalTaskData)
	}
	_, guess, err := coarseGuess(ctx, l.engine, task)
	if err != nil && !errors.Is(err, dic.ErrStopped) {
		return nil, err
	}

	walkers := make([]*walker, len(task.Subsets))
	for i := range walkers {
		w := &walker{index: i, limits: task.Limits[i], best: guess[i]}
		for c, lim := range w.limits {
			if lim.Step > 0 && lim.Max > lim.Min {
				w.free = append(w.free, c)
			}
		}
		switch {
		case !guess[i].Valid():
			w.done = true
			if guess[i].Reason == "" {
				w.best.Reason = ReasonNoScore
			}
		case len(w.free) == 0:
			w.done = true
			w.best.Reason = ReasonPrecision
		default:
			w.x = append([]float64(nil), guess[i].Deformation...)
			if l.init != nil {
				l.init(w)
			}
		}
		walkers[i] = w
	}
	if err != nil {
		return stopped(walkers), err
	}

	cfg := l.engine.Config()
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if l.engine.Stopped(ctx) {
			return stopped(walkers), fmt.Errorf("%w: before iteration %d", dic.ErrStopped, iter)
		}
		it := iteration{}
		for _, w := range walkers {
			if !w.done {
				it.active = append(it.active, w)
				it.candidates = append(it.candidates, l.samples(w))
			}
		}
		if len(it.active) == 0 {
			break
		}

		indices := make([]int, len(it.active))
		for k, w := range it.active {
			indices[k] = w.index
		}
		round := task.Sub(indices)
		round.UsesLimits = false
		round.Limits = nil
		round.Candidates = it.candidates

		rows, err := l.engine.Raw(ctx, round)
		if err != nil {
			if errors.Is(err, dic.ErrStopped) {
				return stopped(walkers), err
			}
			return nil, err
		}
		err = l.engine.Pool().ForEach(ctx, len(it.active), func(k int) {
			l.safeUpdate(it.active[k], rows[k], iter)
		})
		if err != nil {
			return stopped(walkers), fmt.Errorf("%w: %w", dic.ErrStopped, err)
		}
		dic.Logger().Debug("dic: iteration", "index", iter, "active", len(it.active))
	}

	results := make([]dic.Result, len(walkers))
	for i, w := range walkers {
		if !w.done {
			w.done = true
			w.best.Reason = ReasonIterationLimit
		}
		results[i] = w.best
	}
	return results, nil
}

// safeUpdate runs update and turns a panic into a decided walker.
func (l *loop) safeUpdate(w *walker, scores []float64, iter int) {
	defer func() {
		if r := recover(); r != nil {
			w.finish(fmt.Sprintf("exception: %v", r))
		}
	}()
	l.update(w, scores, iter)
}

// finish decides w with its best point.
func (w *walker) finish(reason string) {
	w.done = true
	w.best.Reason = reason
}

// stopped returns the decided results and the stop sentinel for every
// walker still running.
func stopped(walkers []*walker) []dic.Result {
	results := make([]dic.Result, len(walkers))
	for i, w := range walkers {
		if w.done {
			results[i] = w.best
		} else {
			results[i] = dic.FailedResult(ReasonStopped)
		}
	}
	return results
}
