package kernel

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/memory"
	"github.com/gogpu/dic/internal/parallel"
)

// CPU is the host kernel. It reads the staged host buffers in the same
// layout the correlation shader uses and partitions subsets over a
// worker pool.
type CPU struct {
	pool    *parallel.WorkerPool
	ownPool bool

	mu       sync.Mutex
	shape    Shape
	prepared bool
	cancel   context.CancelFunc
	images   map[*memory.HostBuffer]cachedPlane
}

type cachedPlane struct {
	gen    uint64
	packed bool
	plane  plane
}

// NewCPU creates a CPU kernel on pool. A nil pool makes the kernel start
// its own pool of GOMAXPROCS workers, closed by Close.
func NewCPU(pool *parallel.WorkerPool) *CPU {
	k := &CPU{pool: pool, images: make(map[*memory.HostBuffer]cachedPlane)}
	if pool == nil {
		k.pool = parallel.NewWorkerPool(0)
		k.ownPool = true
	}
	return k
}

// Prepare configures the kernel for shape.
func (k *CPU) Prepare(shape Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shape = shape
	k.prepared = true
	return nil
}

// ComputeFindBest returns the best result of every subset of batch.
func (k *CPU) ComputeFindBest(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error) {
	return ComputeFindBest(ctx, k, batch, bufs)
}

// ComputeRaw scores every candidate of every subset of batch.
func (k *CPU) ComputeRaw(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]float64, error) {
	k.mu.Lock()
	shape, prepared := k.shape, k.prepared
	k.mu.Unlock()
	if !prepared {
		return nil, ErrNotPrepared
	}
	if !shape.Matches(batch) {
		return nil, ErrShapeMismatch
	}

	in, err := k.decodeInputs(bufs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.cancel = nil
		k.mu.Unlock()
	}()

	p := in.params
	stride := int(p.MaxCandidates)
	out := make([]float64, int(p.Subsets)*stride)
	for i := range out {
		out[i] = math.NaN()
	}

	err = k.pool.ForEach(ctx, int(p.Subsets), func(s int) {
		in.scoreSubset(s, shape, out[s*stride:(s+1)*stride])
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dic.ErrStopped, err)
	}
	return out, nil
}

// Stop aborts the computation in flight, if any.
func (k *CPU) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
	}
}

// Close releases the worker pool when the kernel owns it.
func (k *CPU) Close() error {
	k.Stop()
	k.mu.Lock()
	clear(k.images)
	k.prepared = false
	k.mu.Unlock()
	if k.ownPool {
		k.pool.Close()
	}
	return nil
}

// inputs decodes the staged buffers of a batch.
type inputs struct {
	params       memory.Params
	ref, def     plane
	points       []byte
	planar       bool
	centers      []byte
	deformations []byte
	counts       []byte
}

func hostBytes(bufs *memory.Buffers, s memory.Slot) (*memory.HostBuffer, error) {
	hb, ok := bufs.Slots[s].(*memory.HostBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %v slot is not in host memory", dic.ErrDevice, s)
	}
	return hb, nil
}

func (k *CPU) decodeInputs(bufs *memory.Buffers) (*inputs, error) {
	var hb [memory.SlotCount]*memory.HostBuffer
	for s := range memory.SlotCount {
		b, err := hostBytes(bufs, s)
		if err != nil {
			return nil, err
		}
		hb[s] = b
	}

	in := &inputs{
		params:       memory.DecodeParams(hb[memory.SlotParams].Bytes()),
		points:       hb[memory.SlotPoints].Bytes(),
		planar:       bufs.Format.PlanarPoints,
		centers:      hb[memory.SlotCenters].Bytes(),
		deformations: hb[memory.SlotDeformations].Bytes(),
		counts:       hb[memory.SlotCounts].Bytes(),
	}
	if in.params != bufs.Params {
		return nil, fmt.Errorf("%w: staged params are stale", dic.ErrDevice)
	}
	packed := in.params.Packed != 0
	in.ref = k.decodePlane(hb[memory.SlotReference], int(in.params.Width), int(in.params.Height), packed)
	in.def = k.decodePlane(hb[memory.SlotDeformed], int(in.params.Width), int(in.params.Height), packed)
	return in, nil
}

// decodePlane decodes an image buffer, reusing the previous decode while the
// buffer has not been written since.
func (k *CPU) decodePlane(hb *memory.HostBuffer, w, h int, packed bool) plane {
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.images[hb]; ok && c.gen == hb.Generation() && c.packed == packed {
		return c.plane
	}
	if len(k.images) >= 4 {
		clear(k.images)
	}
	p := plane{w: w, h: h, data: memory.DecodeImage(hb.Bytes(), w*h, packed)}
	k.images[hb] = cachedPlane{gen: hb.Generation(), packed: packed, plane: p}
	return p
}

// candidates returns the number of deformations of subset s.
func (in *inputs) candidates(s int) int {
	p := in.params
	if p.UsesLimits == 0 {
		return int(memory.U32(in.counts, s))
	}
	n := int(p.Coefficients)
	total := 1
	for c := range n {
		total *= int(memory.U32(in.counts, s*n+c))
	}
	return total
}

// deformation writes candidate j of subset s into def.
func (in *inputs) deformation(s, j int, def []float64) {
	p := in.params
	n := int(p.Coefficients)
	if p.UsesLimits == 0 {
		base := (s*int(p.MaxCandidates) + j) * n
		for c := range n {
			def[c] = float64(memory.F32(in.deformations, base+c))
		}
		return
	}
	index := j
	for c := range n {
		count := int(memory.U32(in.counts, s*n+c))
		at := (s*n + c) * 3
		lo, step := float64(memory.F32(in.deformations, at)), float64(memory.F32(in.deformations, at+2))
		def[c] = lo + float64(index%count)*step
		index /= count
	}
}

// scoreSubset fills row with the scores of every candidate of subset s.
func (in *inputs) scoreSubset(s int, shape Shape, row []float64) {
	n := int(in.params.Points)
	cx := float64(memory.F32(in.centers, s*2))
	cy := float64(memory.F32(in.centers, s*2+1))

	offsets := make([][2]float64, n)
	refPatch := make([]float64, n)
	for i := range n {
		dx, dy := memory.PointAt(in.points, s, i, n, in.planar)
		offsets[i] = [2]float64{float64(dx), float64(dy)}
		refPatch[i] = in.ref.sample(cx+float64(dx), cy+float64(dy), shape.Interpolation)
	}
	nf := normalize(refPatch)

	def := make([]float64, in.params.Coefficients)
	defPatch := make([]float64, n)
	count := in.candidates(s)
	for j := 0; j < count && j < len(row); j++ {
		in.deformation(s, j, def)
		for i, o := range offsets {
			x, y := shape.Order.Apply(def, o[0], o[1])
			defPatch[i] = in.def.sample(cx+x, cy+y, shape.Interpolation)
		}
		ng := normalize(defPatch)
		row[j] = shape.Correlation.Score(zncc(refPatch, defPatch, nf, ng))
	}
}
