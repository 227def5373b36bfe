package split

import (
	"fmt"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/memory"
)

// Reserve is the fixed allowance added to every footprint estimate for
// driver and bookkeeping overhead (1 MiB).
const Reserve = 1 << 20

// Batch is one unit of kernel work.
type Batch struct {
	// Task holds the subsets of the batch and their deformations.
	Task *dic.Task

	// Indices maps batch subsets back to the subsets of the split task.
	Indices []int

	// Partial is set when Task covers only part of the candidate grid of
	// its single subset. Partial results must be merged by score.
	Partial bool

	// Offset is the index of the first candidate of a partial explicit
	// batch within its subset's candidate list.
	Offset int
}

// job is a pending range of subsets. A job with an override covers the
// single subset lo with a reduced candidate set.
type job struct {
	lo, hi   int
	override *override
}

type override struct {
	limits     dic.Limits
	candidates [][]float64
	offset     int
}

// Footprint is the staged size of a batch.
type Footprint struct {
	Total   uint64
	Largest uint64
}

// Splitter emits batches of a task depth-first from a job stack.
//
// Runs of subsets are shrunk by a quarter while they do not fit. A single
// subset that still does not fit has its candidate grid bisected; the
// halves partition the grid exactly, so every (subset, candidate) pair is
// emitted once.
type Splitter struct {
	task   *dic.Task
	limits memory.Limits
	budget MemoryBudget
	jobs   []job
}

// New creates a splitter over task for a device with the given limits.
func New(task *dic.Task, limits memory.Limits, budget MemoryBudget) *Splitter {
	n := len(task.Subsets)
	s := &Splitter{
		task:   task,
		limits: limits,
		budget: budget,
	}
	if n > 0 {
		s.jobs = []job{{lo: 0, hi: n}}
	}
	return s
}

// Budget returns the budget the splitter plans with.
func (s *Splitter) Budget() MemoryBudget { return s.budget }

// Next returns the next batch. ok is false when the task is exhausted.
// An error wrapping dic.ErrMemory means a subset cannot be made to fit.
func (s *Splitter) Next() (batch *Batch, ok bool, err error) {
	maxAlloc, maxTotal := s.ceilings()
	if img := memory.ImageSize(s.task.Reference.Width(), s.task.Reference.Height(), false); img > maxAlloc {
		return nil, false, fmt.Errorf("%w: image needs %d bytes, allocation ceiling is %d",
			memory.ErrOutOfMemory, img, maxAlloc)
	}

	for len(s.jobs) > 0 {
		j := s.jobs[len(s.jobs)-1]
		s.jobs = s.jobs[:len(s.jobs)-1]

		if j.override != nil {
			b, err := s.single(j, maxAlloc, maxTotal)
			if err != nil || b != nil {
				return b, b != nil, err
			}
			continue
		}

		// Every run starts from all of its subsets.
		n := j.hi - j.lo
		for n > 1 && !fits(s.rangeTask(j.lo, j.lo+n), maxAlloc, maxTotal) {
			n = min(n-1, n*3/4)
		}
		if n > 1 || fits(s.rangeTask(j.lo, j.lo+1), maxAlloc, maxTotal) {
			if j.lo+n < j.hi {
				s.jobs = append(s.jobs, job{lo: j.lo + n, hi: j.hi})
			}
			indices := seq(j.lo, j.lo+n)
			return &Batch{Task: s.task.Sub(indices), Indices: indices}, true, nil
		}

		// One subset with its full candidate set is too large.
		if j.lo+1 < j.hi {
			s.jobs = append(s.jobs, job{lo: j.lo + 1, hi: j.hi})
		}
		s.jobs = append(s.jobs, job{lo: j.lo, hi: j.lo + 1, override: s.full(j.lo)})
	}
	return nil, false, nil
}

// single handles a job restricted to one subset. It returns a batch, or
// nil after pushing the two halves of a bisected candidate set.
func (s *Splitter) single(j job, maxAlloc, maxTotal uint64) (*Batch, error) {
	t := s.overrideTask(j)
	if fits(t, maxAlloc, maxTotal) {
		return &Batch{Task: t, Indices: []int{j.lo}, Partial: true, Offset: j.override.offset}, nil
	}
	left, right, ok := j.override.bisect()
	if !ok {
		fp := FootprintOf(t)
		return nil, fmt.Errorf("%w: subset %d needs %d bytes (largest buffer %d), budget %v allows %d (%d per buffer)",
			memory.ErrOutOfMemory, j.lo, fp.Total, fp.Largest, s.budget, maxTotal, maxAlloc)
	}
	s.jobs = append(s.jobs,
		job{lo: j.lo, hi: j.hi, override: right},
		job{lo: j.lo, hi: j.hi, override: left})
	return nil, nil
}

func (s *Splitter) ceilings() (maxAlloc, maxTotal uint64) {
	f := s.budget.Fraction()
	return uint64(float64(s.limits.MaxAllocation) * f), uint64(float64(s.limits.GlobalMemory) * f)
}

func (s *Splitter) rangeTask(lo, hi int) *dic.Task {
	return s.task.Sub(seq(lo, hi))
}

func (s *Splitter) full(i int) *override {
	if s.task.UsesLimits {
		return &override{limits: s.task.Limits[i]}
	}
	return &override{candidates: s.task.Candidates[i]}
}

func (s *Splitter) overrideTask(j job) *dic.Task {
	t := s.task.Sub([]int{j.lo})
	if t.UsesLimits {
		t.Limits[0] = j.override.limits
	} else {
		t.Candidates[0] = j.override.candidates
	}
	return t
}

func (o *override) bisect() (left, right *override, ok bool) {
	if o.limits != nil {
		l, r, ok := o.limits.Bisect()
		if !ok {
			return nil, nil, false
		}
		return &override{limits: l}, &override{limits: r}, true
	}
	if len(o.candidates) < 2 {
		return nil, nil, false
	}
	half := len(o.candidates) / 2
	return &override{candidates: o.candidates[:half], offset: o.offset},
		&override{candidates: o.candidates[half:], offset: o.offset + half}, true
}

// FootprintOf estimates the staged size of batch. Images are counted as
// f32 planes, an upper bound for packed images.
func FootprintOf(batch *dic.Task) Footprint {
	subsets := len(batch.Subsets)
	n := batch.Order.Coefficients()
	maxCand := batch.MaxCandidates()
	img := memory.ImageSize(batch.Reference.Width(), batch.Reference.Height(), false)

	sizes := []uint64{
		memory.ParamsSize,
		img,
		img,
		uint64(subsets*batch.PointCount()*2) * 4, //nolint:gosec // positive sizes
		uint64(subsets*2) * 4,                    //nolint:gosec // positive sizes
		memory.DeformationsSize(subsets, n, maxCand, batch.UsesLimits),
		memory.CountsSize(subsets, n, batch.UsesLimits),
		memory.ResultsSize(subsets, maxCand),
	}
	fp := Footprint{Total: Reserve}
	for _, sz := range sizes {
		fp.Total += sz
		fp.Largest = max(fp.Largest, sz)
	}
	return fp
}

func fits(batch *dic.Task, maxAlloc, maxTotal uint64) bool {
	fp := FootprintOf(batch)
	return fp.Largest <= maxAlloc && fp.Total <= maxTotal
}

func seq(lo, hi int) []int {
	out := make([]int, hi-lo)
	for i := range out {
		out[i] = lo + i
	}
	return out
}
