package kernel

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/gogpu/dic"
)

// normalize subtracts the mean of v in place and returns the Euclidean norm
// of the result. A zero norm means the patch has no variance.
func normalize(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	mean := floats.Sum(v) / float64(len(v))
	floats.AddConst(-mean, v)
	return floats.Norm(v, 2)
}

// zncc returns the zero-normalized cross-correlation of two normalized
// patches with norms nf and ng. Patches without variance are uncorrelated.
func zncc(f, g []float64, nf, ng float64) float64 {
	if nf == 0 || ng == 0 || math.IsNaN(nf) || math.IsNaN(ng) {
		return 0
	}
	c := floats.Dot(f, g) / (nf * ng)
	// Rounding can push c slightly outside [-1, 1].
	return math.Max(-1, math.Min(1, c))
}

// Score correlates the reference patch f with the deformed patch g in the
// given formula, higher being better. Both slices are modified.
//
// ZNSSD of normalized patches equals 2-2·ZNCC, so both formulas share the
// same accumulation.
func Score(f, g []float64, corr dic.Correlation) float64 {
	nf := normalize(f)
	ng := normalize(g)
	return corr.Score(zncc(f, g, nf, ng))
}

// FindBest reduces raw scores, laid out subset-major with stride
// batch.MaxCandidates(), to the best result of every subset. NaN scores
// and padding slots are ignored.
func FindBest(batch *dic.Task, raw []float64) []dic.Result {
	stride := batch.MaxCandidates()
	results := make([]dic.Result, len(batch.Subsets))
	for i := range batch.Subsets {
		best, bestScore := -1, math.Inf(-1)
		row := raw[i*stride : i*stride+batch.CandidateCount(i)]
		for j, s := range row {
			if !math.IsNaN(s) && s > bestScore {
				best, bestScore = j, s
			}
		}
		if best < 0 {
			results[i] = dic.FailedResult("no valid score")
			continue
		}
		results[i] = dic.Result{Score: bestScore, Deformation: batch.Candidate(i, best)}
	}
	return results
}
