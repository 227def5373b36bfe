package solver

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gogpu/dic"
)

// SPGD refines a coarse guess by stochastic parallel gradient descent.
//
// Each step perturbs every free coefficient by ±Perturbation·step with a
// random sign, scores x, x−δ and x+δ, and moves x by Gain·δ·(s(x+δ)−s(x−δ)).
// Signs come from a PCG generator seeded with (Seed, subset index), so runs
// are reproducible.
type SPGD struct {
	engine *Engine
}

// Solve implements Solver. The task must use deformation limits.
func (s *SPGD) Solve(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	cfg := s.engine.Config()
	quality := cfg.QualityScore()
	l := &loop{
		engine: s.engine,
		init: func(w *walker) {
			w.rng = rand.New(rand.NewPCG(cfg.Seed, uint64(w.index))) //nolint:gosec // reproducible perturbations
		},
		samples: func(w *walker) [][]float64 {
			return spgdSamples(w, cfg.Perturbation)
		},
		update: func(w *walker, scores []float64, _ int) {
			spgdUpdate(w, scores, quality, cfg)
		},
	}
	return l.run(ctx, task)
}

// Stop implements Solver.
func (s *SPGD) Stop() { s.engine.Stop() }

// Close implements Solver.
func (s *SPGD) Close() error { return s.engine.Close() }

// spgdSamples draws a new perturbation and returns {x, x−δ, x+δ} clamped
// to the limits.
func spgdSamples(w *walker, amplitude float64) [][]float64 {
	if w.delta == nil {
		w.delta = make([]float64, len(w.x))
	}
	clear(w.delta)
	for _, c := range w.free {
		sign := 1.0
		if w.rng.IntN(2) == 0 {
			sign = -1
		}
		w.delta[c] = sign * amplitude * w.limits[c].Step
	}

	minus := make([]float64, len(w.x))
	plus := make([]float64, len(w.x))
	for c := range w.x {
		minus[c] = w.x[c] - w.delta[c]
		plus[c] = w.x[c] + w.delta[c]
	}
	w.probe = [][]float64{
		append([]float64(nil), w.x...),
		w.limits.Clamp(minus),
		w.limits.Clamp(plus),
	}
	return w.probe
}

func spgdUpdate(w *walker, scores []float64, quality float64, cfg dic.Config) {
	s0, sm, sp := scores[0], scores[1], scores[2]
	if math.IsNaN(s0) || math.IsNaN(sm) || math.IsNaN(sp) {
		w.finish(ReasonNoScore)
		return
	}
	for k, s := range scores {
		w.record(w.probe[k], s)
	}
	if s0 >= quality {
		w.finish(ReasonGoodQuality)
		return
	}
	grad := sp - sm
	if math.Abs(grad) < cfg.MinGradient {
		w.finish(ReasonLowGradient)
		return
	}
	x := make([]float64, len(w.x))
	for c := range w.x {
		x[c] = w.x[c] + cfg.Gain*w.delta[c]*grad
	}
	w.x = w.limits.Clamp(x)
}
