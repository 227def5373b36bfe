package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
	"github.com/gogpu/dic/internal/parallel"
	"github.com/gogpu/dic/internal/synth"
)

// surfaceKernel scores candidates on an analytic quadratic surface
// 1 - Σ w_i (d_i - t_i)² - cross·(d_0 - t_0)(d_1 - t_1) without reading
// the staged buffers.
type surfaceKernel struct {
	target []float64
	weight []float64
	cross  float64
	calls  atomic.Int64
}

func (k *surfaceKernel) score(d []float64) float64 {
	s := 1.0
	for i := range k.target {
		e := d[i] - k.target[i]
		s -= k.weight[i] * e * e
	}
	return s - k.cross*(d[0]-k.target[0])*(d[1]-k.target[1])
}

func (k *surfaceKernel) Prepare(kernel.Shape) error { return nil }

func (k *surfaceKernel) ComputeRaw(ctx context.Context, batch *dic.Task, _ *memory.Buffers) ([]float64, error) {
	k.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(dic.ErrStopped, err)
	}
	stride := batch.MaxCandidates()
	out := make([]float64, len(batch.Subsets)*stride)
	for i := range out {
		out[i] = math.NaN()
	}
	for i := range batch.Subsets {
		for j := range batch.CandidateCount(i) {
			out[i*stride+j] = k.score(batch.Candidate(i, j))
		}
	}
	return out, nil
}

func (k *surfaceKernel) ComputeFindBest(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error) {
	return kernel.ComputeFindBest(ctx, k, batch, bufs)
}

func (k *surfaceKernel) Stop()        {}
func (k *surfaceKernel) Close() error { return nil }

// flakyDevice fails the first n allocations.
type flakyDevice struct {
	*memory.HostDevice
	failures atomic.Int64
}

func (d *flakyDevice) Alloc(label string, size uint64) (memory.Buffer, error) {
	if d.failures.Add(-1) >= 0 {
		return nil, memory.ErrOutOfMemory
	}
	return d.HostDevice.Alloc(label, size)
}

func testEngine(t *testing.T, cfg dic.Config, dev memory.Device, k kernel.Kernel) *Engine {
	t.Helper()
	pool := parallel.NewWorkerPool(2)
	t.Cleanup(pool.Close)
	if k == nil {
		k = kernel.NewCPU(pool)
	}
	p := &Platform{Kind: dic.PlatformCPU, Device: dev, Manager: memory.New(cfg.Memory, dev), Kernel: k}
	e := NewEngineWithPlatform(cfg, p, pool)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func zeroOrder() dic.Config {
	cfg := dic.DefaultConfig()
	cfg.Order = dic.OrderZero
	return cfg
}

// speckleTask renders a 64x64 speckle pair shifted by (u, v) with three
// subsets searched over ±r pixels.
func speckleTask(t *testing.T, u, v, r float64) *dic.Task {
	t.Helper()
	p := synth.NewPattern(64, 64, 360, 1.5, 7)
	subsets := []*dic.Subset{
		dic.NewSquareSubset(20, 20, 7),
		dic.NewSquareSubset(32, 32, 7),
		dic.NewSquareSubset(40, 44, 7),
	}
	limits := dic.NewLimits(dic.OrderZero,
		dic.Limit{Min: -r, Max: r, Step: 1},
		dic.Limit{Min: -r, Max: r, Step: 1})
	return dic.NewLimitsTask(p.Render(64, 64, 0, 0), p.Render(64, 64, u, v), subsets, dic.OrderZero, limits)
}

// surfaceTask is a small grid task for the analytic kernel.
func surfaceTask(t *testing.T, subsets int) *dic.Task {
	t.Helper()
	img, err := dic.NewImage(16, 16, make([]float32, 256))
	if err != nil {
		t.Fatal(err)
	}
	list := make([]*dic.Subset, subsets)
	for i := range list {
		list[i] = dic.NewSquareSubset(8, 8, 3)
	}
	limits := dic.NewLimits(dic.OrderZero,
		dic.Limit{Min: -4, Max: 4, Step: 0.5},
		dic.Limit{Min: -4, Max: 4, Step: 0.5})
	return dic.NewLimitsTask(img, img, list, dic.OrderZero, limits)
}

func newSurface() *surfaceKernel {
	return &surfaceKernel{target: []float64{1.3, -2.7}, weight: []float64{1, 0.5}, cross: 0.2}
}

func TestSolvers_ShiftRecovery(t *testing.T) {
	shifts := [][2]float64{{0, 0}, {5, 0}, {0, -5}, {-5, 5}}
	for _, kind := range []dic.SolverKind{dic.SolverExhaustive, dic.SolverCoarseFine} {
		for _, sh := range shifts {
			t.Run(fmt.Sprintf("%v/%v", kind, sh), func(t *testing.T) {
				s, err := New(zeroOrder(), dic.WithSolver(kind), dic.WithMemoryLimitMB(64))
				if err != nil {
					t.Fatal(err)
				}
				defer s.Close()

				task := speckleTask(t, sh[0], sh[1], 6)
				results, err := s.Solve(context.Background(), task)
				if err != nil {
					t.Fatalf("Solve = %v", err)
				}
				for i, r := range results {
					if !r.Valid() {
						t.Fatalf("subset %d: %v", i, r)
					}
					if r.Deformation[0] != sh[0] || r.Deformation[1] != sh[1] {
						t.Errorf("shift %v subset %d: deformation %v", sh, i, r.Deformation)
					}
					if r.Score < 0.999 {
						t.Errorf("shift %v subset %d: score %g", sh, i, r.Score)
					}
				}
			})
		}
	}
}

func TestNewtonRaphson_Quadratic(t *testing.T) {
	cfg := zeroOrder()
	cfg.Solver = dic.SolverNewtonRaphson
	k := newSurface()
	e := testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), k)
	s := NewWithEngine(e)

	task := surfaceTask(t, 3)
	results, err := s.Solve(context.Background(), task)
	if err != nil {
		t.Fatalf("Solve = %v", err)
	}
	for i, r := range results {
		if r.Reason != ReasonPrecision {
			t.Errorf("subset %d: reason %q, want %q", i, r.Reason, ReasonPrecision)
		}
		for c := range k.target {
			if math.Abs(r.Deformation[c]-k.target[c]) > 1e-6 {
				t.Errorf("subset %d: deformation %v, want %v", i, r.Deformation, k.target)
			}
		}
		if math.Abs(r.Score-1) > 1e-9 {
			t.Errorf("subset %d: score %g, want 1", i, r.Score)
		}
	}
	// Coarse round, the Newton step and the confirming step.
	if n := k.calls.Load(); n != 3 {
		t.Errorf("kernel launches = %d, want 3", n)
	}
}

func TestNewtonRaphson_FrozenCoefficient(t *testing.T) {
	cfg := zeroOrder()
	k := newSurface()
	e := testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), k)
	s := &NewtonRaphson{engine: e}

	task := surfaceTask(t, 1)
	task.Limits[0] = dic.Limits{{Min: -4, Max: 4, Step: 0.5}, dic.Fixed(-2)}
	results, err := s.Solve(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Deformation[1] != -2 {
		t.Errorf("frozen coefficient moved to %g", r.Deformation[1])
	}
	// With d_1 fixed the optimum of d_0 shifts by the cross term.
	want := k.target[0] - k.cross*(-2-k.target[1])/(2*k.weight[0])
	if math.Abs(r.Deformation[0]-want) > 1e-6 {
		t.Errorf("deformation %v, want d_0 = %g", r.Deformation, want)
	}
}

func TestSampleIndex(t *testing.T) {
	for m := 1; m <= 3; m++ {
		seen := make([]bool, sampleCount(m))
		mark := func(idx int) {
			if idx < 0 || idx >= len(seen) || seen[idx] {
				t.Fatalf("m=%d: index %d out of range or repeated", m, idx)
			}
			seen[idx] = true
		}
		mark(sampleIndex(sampleBase, 0, 0, m))
		for i := range m {
			mark(sampleIndex(samplePlus, i, 0, m))
			mark(sampleIndex(sampleMinus, i, 0, m))
			for j := range m {
				for kind := samplePlusPlus; kind <= sampleMinusPlus; kind++ {
					mark(sampleIndex(kind, i, j, m))
				}
			}
		}
		if slices.Contains(seen, false) {
			t.Errorf("m=%d: index map leaves gaps", m)
		}
	}

	w := &walker{
		limits: dic.Limits{{Min: -4, Max: 4, Step: 0.5}, dic.Fixed(0), {Min: -1, Max: 1, Step: 0.25}},
		x:      []float64{1, 0, 0},
		free:   []int{0, 2},
	}
	samples := newtonSamples(w)
	if len(samples) != 1+2*2+4*4 {
		t.Fatalf("len(samples) = %d", len(samples))
	}
	tests := []struct {
		kind, i, j int
		want       []float64
	}{
		{sampleBase, 0, 0, []float64{1, 0, 0}},
		{samplePlus, 1, 0, []float64{1, 0, 0.25}},
		{sampleMinus, 0, 0, []float64{0.5, 0, 0}},
		{samplePlusMinus, 0, 1, []float64{1.5, 0, -0.25}},
		{sampleMinusPlus, 0, 1, []float64{0.5, 0, 0.25}},
		{sampleMinusMinus, 1, 1, []float64{1, 0, -0.5}},
	}
	for _, tt := range tests {
		got := samples[sampleIndex(tt.kind, tt.i, tt.j, 2)]
		if !slices.Equal(got, tt.want) {
			t.Errorf("sample(%d, %d, %d) = %v, want %v", tt.kind, tt.i, tt.j, got, tt.want)
		}
	}
}

func TestSPGD_Termination(t *testing.T) {
	cfg := zeroOrder()
	cfg.Gain = 2
	cfg.MaxIterations = 200

	solve := func() []dic.Result {
		e := testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), newSurface())
		results, err := (&SPGD{engine: e}).Solve(context.Background(), surfaceTask(t, 4))
		if err != nil {
			t.Fatalf("Solve = %v", err)
		}
		return results
	}

	results := solve()
	allowed := []string{ReasonGoodQuality, ReasonLowGradient, ReasonIterationLimit}
	// The coarse guess (1, -3) scores 0.847.
	for i, r := range results {
		if !r.Valid() || !slices.Contains(allowed, r.Reason) {
			t.Fatalf("subset %d: %v reason %q", i, r, r.Reason)
		}
		if r.Score < 0.847 {
			t.Errorf("subset %d: score %g below the coarse guess", i, r.Score)
		}
		if r.Reason == ReasonGoodQuality && r.Score < cfg.Quality {
			t.Errorf("subset %d: good quality at score %g", i, r.Score)
		}
	}

	again := solve()
	for i := range results {
		if results[i].Score != again[i].Score || !slices.Equal(results[i].Deformation, again[i].Deformation) {
			t.Errorf("subset %d: seeded runs differ: %v vs %v", i, results[i], again[i])
		}
	}
}

func TestIterative_NeedLimits(t *testing.T) {
	cfg := zeroOrder()
	task := surfaceTask(t, 1)
	explicit := &dic.Task{
		Reference: task.Reference, Deformed: task.Deformed, Subsets: task.Subsets, Order: dic.OrderZero,
		Candidates: [][][]float64{{{0, 0}}},
	}
	for _, kind := range []dic.SolverKind{dic.SolverNewtonRaphson, dic.SolverSPGD} {
		cfg.Solver = kind
		s := NewWithEngine(testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), newSurface()))
		if _, err := s.Solve(context.Background(), explicit); !errors.Is(err, dic.ErrIllegalTaskData) {
			t.Errorf("%v: Solve(explicit) = %v, want ErrIllegalTaskData", kind, err)
		}
	}
}

func TestSafeUpdate_Panic(t *testing.T) {
	l := &loop{update: func(*walker, []float64, int) { panic("boom") }}
	w := &walker{best: dic.Result{Score: 0.5, Deformation: []float64{0, 0}}}
	l.safeUpdate(w, nil, 0)
	if !w.done || w.best.Reason != "exception: boom" {
		t.Errorf("walker after panic: done=%v reason %q", w.done, w.best.Reason)
	}
}

func TestSolvers_StoppedCompleteness(t *testing.T) {
	kinds := []dic.SolverKind{dic.SolverExhaustive, dic.SolverCoarseFine, dic.SolverNewtonRaphson, dic.SolverSPGD}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			cfg := zeroOrder()
			cfg.Solver = kind
			s := NewWithEngine(testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), newSurface()))
			s.Stop()

			task := surfaceTask(t, 5)
			results, err := s.Solve(context.Background(), task)
			if !errors.Is(err, dic.ErrStopped) {
				t.Fatalf("Solve after Stop = %v, want ErrStopped", err)
			}
			if len(results) != len(task.Subsets) {
				t.Fatalf("got %d results for %d subsets", len(results), len(task.Subsets))
			}
			for i, r := range results {
				if r.Valid() || r.Reason != ReasonStopped {
					t.Errorf("subset %d: %v reason %q, want stop sentinel", i, r, r.Reason)
				}
			}
		})
	}
}

// hookKernel calls after each time the wrapped kernel scored a batch, or
// fails every batch with err when it is set.
type hookKernel struct {
	*surfaceKernel
	after func()
	err   error
}

func (k *hookKernel) ComputeRaw(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]float64, error) {
	if k.err != nil {
		return nil, k.err
	}
	raw, err := k.surfaceKernel.ComputeRaw(ctx, batch, bufs)
	if k.after != nil {
		k.after()
	}
	return raw, err
}

func (k *hookKernel) ComputeFindBest(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error) {
	return kernel.ComputeFindBest(ctx, k, batch, bufs)
}

func TestEngine_StopBetweenBatches(t *testing.T) {
	// 289 candidates per subset need 1156 result bytes; the 2500 byte
	// ceiling of a 3000 byte allocation limit holds two subsets.
	dev := memory.NewHostDevice(memory.WithBudget(16<<20), memory.WithMaxAllocation(3000))
	k := &hookKernel{surfaceKernel: newSurface()}
	e := testEngine(t, zeroOrder(), dev, k)
	k.after = e.Stop

	task := surfaceTask(t, 5)
	results, err := e.FindBest(context.Background(), task)
	if !errors.Is(err, dic.ErrStopped) {
		t.Fatalf("FindBest = %v, want ErrStopped", err)
	}
	if got := k.calls.Load(); got != 1 {
		t.Errorf("kernel ran %d batches after Stop, want 1", got)
	}
	if len(results) != len(task.Subsets) {
		t.Fatalf("got %d results for %d subsets", len(results), len(task.Subsets))
	}
	for i, r := range results {
		if decided := i < 2; r.Valid() != decided {
			t.Errorf("subset %d: %v reason %q, decided want %v", i, r, r.Reason, decided)
		}
	}
	if s := dev.Stats(); s.UsedBytes != 0 {
		t.Errorf("%d bytes left staged after stop", s.UsedBytes)
	}

	// A stopped engine stays stopped.
	if _, err := e.FindBest(context.Background(), task); !errors.Is(err, dic.ErrStopped) {
		t.Errorf("second FindBest = %v, want ErrStopped", err)
	}
	if got := k.calls.Load(); got != 1 {
		t.Errorf("kernel ran after the engine stopped: %d calls", got)
	}
}

func TestEngine_KernelErrorClearsMemory(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"shape mismatch", kernel.ErrShapeMismatch},
		{"not prepared", kernel.ErrNotPrepared},
		{"unclassified", errors.New("launch failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := memory.NewHostDevice(memory.WithBudget(64 << 20))
			e := testEngine(t, zeroOrder(), dev, &hookKernel{surfaceKernel: newSurface(), err: tt.err})
			if _, err := e.FindBest(context.Background(), surfaceTask(t, 3)); !errors.Is(err, tt.err) {
				t.Fatalf("FindBest = %v, want %v", err, tt.err)
			}
			if s := dev.Stats(); s.UsedBytes != 0 || s.Buffers != 0 {
				t.Errorf("device holds %s after a kernel error", s)
			}
		})
	}
}

func TestSolvers_CompleteResults(t *testing.T) {
	kinds := []dic.SolverKind{dic.SolverExhaustive, dic.SolverCoarseFine, dic.SolverNewtonRaphson, dic.SolverSPGD}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			cfg := zeroOrder()
			cfg.Solver = kind
			cfg.Gain = 2
			s := NewWithEngine(testEngine(t, cfg, memory.NewHostDevice(memory.WithBudget(64<<20)), newSurface()))
			task := surfaceTask(t, 7)
			results, err := s.Solve(context.Background(), task)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != len(task.Subsets) {
				t.Fatalf("got %d results for %d subsets", len(results), len(task.Subsets))
			}
			for i, r := range results {
				if !r.Valid() {
					t.Errorf("subset %d: %v", i, r)
				}
				if (kind == dic.SolverNewtonRaphson || kind == dic.SolverSPGD) && r.Reason == "" {
					t.Errorf("subset %d: no termination reason", i)
				}
			}
		})
	}
}

func TestEngine_MemoryBackoff(t *testing.T) {
	task := speckleTask(t, 2, -1, 3)

	t.Run("recovers", func(t *testing.T) {
		dev := &flakyDevice{HostDevice: memory.NewHostDevice(memory.WithBudget(64 << 20))}
		dev.failures.Store(2)
		e := testEngine(t, zeroOrder(), dev, nil)
		results, err := e.FindBest(context.Background(), task)
		if err != nil {
			t.Fatalf("FindBest = %v", err)
		}
		for i, r := range results {
			if r.Deformation[0] != 2 || r.Deformation[1] != -1 {
				t.Errorf("subset %d: %v", i, r)
			}
		}
		if s := e.Platform().Manager.Stats().Device; s.UsedBytes == 0 {
			t.Error("no buffers staged after recovery")
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		dev := &flakyDevice{HostDevice: memory.NewHostDevice(memory.WithBudget(64 << 20))}
		dev.failures.Store(1 << 30)
		e := testEngine(t, zeroOrder(), dev, nil)
		if _, err := e.FindBest(context.Background(), task); !errors.Is(err, dic.ErrMemory) {
			t.Fatalf("FindBest = %v, want dic.ErrMemory", err)
		}
		if s := dev.Stats(); s.UsedBytes != 0 {
			t.Errorf("%d bytes left staged after failure", s.UsedBytes)
		}
	})
}

func TestEngine_RawPartialBatches(t *testing.T) {
	// 24x24 images fit the 3000 byte allocation limit below.
	p := synth.NewPattern(24, 24, 60, 1.5, 3)
	limits := dic.NewLimits(dic.OrderZero,
		dic.Limit{Min: -15, Max: 15, Step: 1},
		dic.Limit{Min: -15, Max: 15, Step: 1})
	task := dic.NewLimitsTask(p.Render(24, 24, 0, 0), p.Render(24, 24, 1, 2),
		[]*dic.Subset{dic.NewSquareSubset(8, 8, 3), dic.NewSquareSubset(14, 12, 3)},
		dic.OrderZero, limits)

	explicit := task.Sub([]int{0, 1})
	explicit.UsesLimits = false
	explicit.Limits = nil
	explicit.Candidates = make([][][]float64, 2)
	for i := range explicit.Candidates {
		for j := range task.CandidateCount(i) {
			explicit.Candidates[i] = append(explicit.Candidates[i], task.Candidate(i, j))
		}
	}

	for _, tt := range []struct {
		name string
		task *dic.Task
	}{
		{"limits", task},
		{"explicit", explicit},
	} {
		t.Run(tt.name, func(t *testing.T) {
			whole := testEngine(t, zeroOrder(), memory.NewHostDevice(memory.WithBudget(64<<20)), nil)
			want, err := whole.Raw(context.Background(), tt.task)
			if err != nil {
				t.Fatal(err)
			}
			// 961 candidates per subset need 3844 result bytes, above the
			// 2500 byte ceiling of a 3000 byte allocation limit.
			small := testEngine(t, zeroOrder(),
				memory.NewHostDevice(memory.WithBudget(16<<20), memory.WithMaxAllocation(3000)), nil)
			got, err := small.Raw(context.Background(), tt.task)
			if err != nil {
				t.Fatal(err)
			}
			if small.Platform().Manager.Stats().Batches < 4 {
				t.Errorf("batches = %d, want bisected batches", small.Platform().Manager.Stats().Batches)
			}
			for i := range want {
				if len(got[i]) != len(want[i]) {
					t.Fatalf("row %d: %d scores, want %d", i, len(got[i]), len(want[i]))
				}
				for j := range want[i] {
					if math.IsNaN(got[i][j]) || math.Abs(got[i][j]-want[i][j]) > 1e-9 {
						t.Fatalf("row %d candidate %d: %g, want %g", i, j, got[i][j], want[i][j])
					}
				}
			}
		})
	}
}

func TestGridIndex(t *testing.T) {
	l := dic.Limits{{Min: -1, Max: 1, Step: 0.5}, dic.Fixed(3), {Min: 0, Max: 2, Step: 1}}
	size, err := l.GridSize()
	if err != nil {
		t.Fatal(err)
	}
	for k := range size {
		if got := gridIndex(l, l.Deformation(k)); got != int(k) {
			t.Errorf("gridIndex(Deformation(%d)) = %d", k, got)
		}
	}
}

func TestNewWithEngine_UnknownSolver(t *testing.T) {
	cfg := zeroOrder()
	cfg.Solver = dic.SolverKind(99)
	s := NewWithEngine(testEngine(t, cfg, memory.NewHostDevice(), newSurface()))
	if _, ok := s.(*Exhaustive); !ok {
		t.Errorf("unknown solver kind built %T, want *Exhaustive", s)
	}
}

func TestPlatform_Fallback(t *testing.T) {
	if err := RegisterPlatform(dic.PlatformGPU, nil); err == nil {
		t.Error("RegisterPlatform(nil) succeeded")
	}

	prev := platformFactory(dic.PlatformGPU)
	t.Cleanup(func() {
		platformMu.Lock()
		if prev == nil {
			delete(platforms, dic.PlatformGPU)
		} else {
			platforms[dic.PlatformGPU] = prev
		}
		platformMu.Unlock()
	})

	failing := func(dic.Config, *parallel.WorkerPool) (*Platform, error) {
		return nil, dic.ErrDevice
	}
	if err := RegisterPlatform(dic.PlatformGPU, failing); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(zeroOrder().Apply(dic.WithPlatform(dic.PlatformGPU), dic.WithMemoryLimitMB(32)))
	if err != nil {
		t.Fatalf("NewEngine = %v", err)
	}
	defer e.Close()
	if e.Platform().Kind != dic.PlatformCPU {
		t.Errorf("platform = %v, want CPU fallback", e.Platform().Kind)
	}
	if got := e.Platform().Device.Limits().GlobalMemory; got != 32<<20 {
		t.Errorf("memory limit = %d, want %d", got, 32<<20)
	}
}
