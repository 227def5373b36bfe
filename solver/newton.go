package solver

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gogpu/dic"
)

// NewtonRaphson refines a coarse guess with Newton steps on the score
// surface. Gradient and Hessian are estimated by central differences with
// each coefficient's grid step as the difference width.
//
// For m free coefficients a step evaluates 1+2m+4m² candidates, indexed
// by sampleIndex.
type NewtonRaphson struct {
	engine *Engine
}

// Solve implements Solver. The task must use deformation limits.
func (s *NewtonRaphson) Solve(ctx context.Context, task *dic.Task) ([]dic.Result, error) {
	cfg := s.engine.Config()
	l := &loop{
		engine:  s.engine,
		samples: newtonSamples,
		update: func(w *walker, scores []float64, iter int) {
			newtonUpdate(w, scores, iter, cfg)
		},
	}
	return l.run(ctx, task)
}

// Stop implements Solver.
func (s *NewtonRaphson) Stop() { s.engine.Stop() }

// Close implements Solver.
func (s *NewtonRaphson) Close() error { return s.engine.Close() }

// Central difference sample kinds.
const (
	sampleBase = iota
	samplePlus
	sampleMinus
	samplePlusPlus
	sampleMinusMinus
	samplePlusMinus
	sampleMinusPlus
)

// sampleIndex returns the index of a central difference sample among the
// 1+2m+4m² candidates of a step. i and j index free coefficients; j is
// ignored for the single-coefficient kinds.
//
//	0                      base
//	1+2i, 2+2i             +h_i, -h_i
//	1+2m+4(i·m+j) + 0..3   (+h_i,+h_j), (-h_i,-h_j), (+h_i,-h_j), (-h_i,+h_j)
func sampleIndex(kind, i, j, m int) int {
	switch kind {
	case samplePlus:
		return 1 + 2*i
	case sampleMinus:
		return 2 + 2*i
	case samplePlusPlus, sampleMinusMinus, samplePlusMinus, sampleMinusPlus:
		return 1 + 2*m + 4*(i*m+j) + kind - samplePlusPlus
	default:
		return 0
	}
}

// sampleCount returns the number of candidates of a step over m free
// coefficients.
func sampleCount(m int) int {
	return 1 + 2*m + 4*m*m
}

func newtonSamples(w *walker) [][]float64 {
	m := len(w.free)
	out := make([][]float64, sampleCount(m))
	shift := func(di, dj float64, i, j int) []float64 {
		d := append([]float64(nil), w.x...)
		d[w.free[i]] += di * w.limits[w.free[i]].Step
		d[w.free[j]] += dj * w.limits[w.free[j]].Step
		return d
	}
	out[0] = append([]float64(nil), w.x...)
	for i := range m {
		out[sampleIndex(samplePlus, i, 0, m)] = shift(1, 0, i, i)
		out[sampleIndex(sampleMinus, i, 0, m)] = shift(-1, 0, i, i)
		for j := range m {
			out[sampleIndex(samplePlusPlus, i, j, m)] = shift(1, 1, i, j)
			out[sampleIndex(sampleMinusMinus, i, j, m)] = shift(-1, -1, i, j)
			out[sampleIndex(samplePlusMinus, i, j, m)] = shift(1, -1, i, j)
			out[sampleIndex(sampleMinusPlus, i, j, m)] = shift(-1, 1, i, j)
		}
	}
	return out
}

// newtonStep estimates the gradient and Hessian from the scores of
// newtonSamples and returns the Newton step over the free coefficients.
// ok is false for a singular Hessian.
func newtonStep(w *walker, f []float64) (step []float64, ok bool) {
	m := len(w.free)
	h := make([]float64, m)
	for i, c := range w.free {
		h[i] = w.limits[c].Step
	}
	f0 := f[0]

	grad := mat.NewVecDense(m, nil)
	hess := mat.NewDense(m, m, nil)
	mixed := func(i, j int) float64 {
		pp := f[sampleIndex(samplePlusPlus, i, j, m)]
		mm := f[sampleIndex(sampleMinusMinus, i, j, m)]
		pm := f[sampleIndex(samplePlusMinus, i, j, m)]
		mp := f[sampleIndex(sampleMinusPlus, i, j, m)]
		return (pp - pm - mp + mm) / (4 * h[i] * h[j])
	}
	for i := range m {
		fp := f[sampleIndex(samplePlus, i, 0, m)]
		fm := f[sampleIndex(sampleMinus, i, 0, m)]
		grad.SetVec(i, -(fp-fm)/(2*h[i]))
		hess.Set(i, i, (fp-2*f0+fm)/(h[i]*h[i]))
		for j := i + 1; j < m; j++ {
			v := (mixed(i, j) + mixed(j, i)) / 2
			hess.Set(i, j, v)
			hess.Set(j, i, v)
		}
	}

	var d mat.VecDense
	if err := d.SolveVec(hess, grad); err != nil {
		return nil, false
	}
	step = make([]float64, m)
	for i := range step {
		step[i] = d.AtVec(i)
		if math.IsNaN(step[i]) || math.IsInf(step[i], 0) {
			return nil, false
		}
	}
	return step, true
}

func newtonUpdate(w *walker, scores []float64, iter int, cfg dic.Config) {
	for _, s := range scores {
		if math.IsNaN(s) {
			w.finish(ReasonNoScore)
			return
		}
	}
	f0 := scores[0]
	w.record(w.x, f0)
	if iter > 0 && f0-w.last < cfg.MinGradient {
		w.finish(ReasonLowImprovement)
		return
	}
	w.last = f0

	step, ok := newtonStep(w, scores)
	if !ok {
		w.finish(ReasonSingular)
		return
	}
	norm := 0.0
	for _, d := range step {
		norm += d * d
	}
	if math.Sqrt(norm) < cfg.Precision {
		w.finish(ReasonPrecision)
		return
	}
	x := append([]float64(nil), w.x...)
	for i, c := range w.free {
		x[c] += step[i]
	}
	w.x = w.limits.Clamp(x)
}
