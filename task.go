package dic

import (
	"fmt"
	"math"
)

// Task is one computation task: two images, the subsets to correlate and,
// per subset, the deformations to evaluate.
//
// When UsesLimits is true Limits[i] describes a grid that kernels expand on
// the device. Otherwise Candidates[i] lists explicit deformation vectors.
type Task struct {
	Reference *Image
	Deformed  *Image
	Subsets   []*Subset
	Order     DeformationOrder

	UsesLimits bool
	Limits     []Limits
	Candidates [][][]float64
}

// NewLimitsTask returns a grid task with the same limits for every subset.
func NewLimitsTask(ref, def *Image, subsets []*Subset, order DeformationOrder, limits Limits) *Task {
	all := make([]Limits, len(subsets))
	for i := range all {
		all[i] = limits
	}
	return &Task{
		Reference:  ref,
		Deformed:   def,
		Subsets:    subsets,
		Order:      order,
		UsesLimits: true,
		Limits:     all,
	}
}

// Validate checks that the task is internally consistent. Every failure
// wraps ErrIllegalTaskData.
func (t *Task) Validate() error {
	if t.Reference == nil || t.Deformed == nil {
		return fmt.Errorf("%w: missing image", ErrIllegalTaskData)
	}
	if t.Reference.Width() != t.Deformed.Width() || t.Reference.Height() != t.Deformed.Height() {
		return fmt.Errorf("%w: image sizes differ (%dx%d vs %dx%d)", ErrIllegalTaskData,
			t.Reference.Width(), t.Reference.Height(), t.Deformed.Width(), t.Deformed.Height())
	}
	n := t.Order.Coefficients()
	if n == 0 {
		return fmt.Errorf("%w: unsupported deformation order %v", ErrIllegalTaskData, t.Order)
	}
	if len(t.Subsets) == 0 {
		return fmt.Errorf("%w: no subsets", ErrIllegalTaskData)
	}
	points := -1
	for i, s := range t.Subsets {
		if s == nil || len(s.Points) == 0 {
			return fmt.Errorf("%w: subset %d is empty", ErrIllegalTaskData, i)
		}
		if points >= 0 && len(s.Points) != points {
			return fmt.Errorf("%w: subset %d has %d points, want %d", ErrIllegalTaskData, i, len(s.Points), points)
		}
		points = len(s.Points)
	}
	if t.UsesLimits {
		if len(t.Limits) != len(t.Subsets) {
			return fmt.Errorf("%w: %d limits for %d subsets", ErrIllegalTaskData, len(t.Limits), len(t.Subsets))
		}
		for i, l := range t.Limits {
			if err := l.Validate(t.Order); err != nil {
				return fmt.Errorf("subset %d: %w", i, err)
			}
		}
		return nil
	}
	if len(t.Candidates) != len(t.Subsets) {
		return fmt.Errorf("%w: %d candidate lists for %d subsets", ErrIllegalTaskData, len(t.Candidates), len(t.Subsets))
	}
	for i, list := range t.Candidates {
		if len(list) == 0 {
			return fmt.Errorf("%w: subset %d has no candidates", ErrIllegalTaskData, i)
		}
		if uint64(len(list)) > math.MaxUint32 {
			return fmt.Errorf("%w: subset %d has too many candidates", ErrIllegalTaskData, i)
		}
		for j, c := range list {
			if len(c) != n {
				return fmt.Errorf("%w: subset %d candidate %d has %d coefficients, want %d", ErrIllegalTaskData, i, j, len(c), n)
			}
		}
	}
	return nil
}

// PointCount returns the number of points per subset.
func (t *Task) PointCount() int {
	if len(t.Subsets) == 0 {
		return 0
	}
	return len(t.Subsets[0].Points)
}

// CandidateCount returns the number of deformations evaluated for subset i.
func (t *Task) CandidateCount(i int) int {
	if t.UsesLimits {
		size, err := t.Limits[i].GridSize()
		if err != nil {
			return 0
		}
		return int(size)
	}
	return len(t.Candidates[i])
}

// MaxCandidates returns the largest per-subset candidate count.
func (t *Task) MaxCandidates() int {
	maxCount := 0
	for i := range t.Subsets {
		if c := t.CandidateCount(i); c > maxCount {
			maxCount = c
		}
	}
	return maxCount
}

// Candidate returns deformation j of subset i.
func (t *Task) Candidate(i, j int) []float64 {
	if t.UsesLimits {
		return t.Limits[i].Deformation(uint32(j)) //nolint:gosec // j < GridSize
	}
	return t.Candidates[i][j]
}

// Sub returns a task over the subsets with the given indices, sharing
// images, subsets and deformation data with t.
func (t *Task) Sub(indices []int) *Task {
	sub := &Task{
		Reference:  t.Reference,
		Deformed:   t.Deformed,
		Order:      t.Order,
		UsesLimits: t.UsesLimits,
		Subsets:    make([]*Subset, len(indices)),
	}
	if t.UsesLimits {
		sub.Limits = make([]Limits, len(indices))
	} else {
		sub.Candidates = make([][][]float64, len(indices))
	}
	for k, i := range indices {
		sub.Subsets[k] = t.Subsets[i]
		if t.UsesLimits {
			sub.Limits[k] = t.Limits[i]
		} else {
			sub.Candidates[k] = t.Candidates[i]
		}
	}
	return sub
}

// Result is the outcome of correlating one subset. Higher scores are
// better; a NaN score marks a subset without a valid result.
type Result struct {
	Score       float64
	Deformation []float64
	// Reason is a short human readable termination reason, for example
	// "good quality" or "low gradient". Empty for single-round solvers.
	Reason string
}

// FailedResult returns the failure sentinel with the given reason.
func FailedResult(reason string) Result {
	return Result{Score: math.NaN(), Reason: reason}
}

// Valid reports whether r holds a usable deformation.
func (r Result) Valid() bool {
	return !math.IsNaN(r.Score) && r.Deformation != nil
}

// Better reports whether r is a valid result that beats other.
func (r Result) Better(other Result) bool {
	if !r.Valid() {
		return false
	}
	return !other.Valid() || r.Score > other.Score
}

// String returns a short description of the result.
func (r Result) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Result[invalid: %s]", r.Reason)
	}
	return fmt.Sprintf("Result[score %.4f, %v]", r.Score, r.Deformation)
}
