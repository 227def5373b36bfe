//go:build !nogpu

package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/cache"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
)

// pipelineCacheSize bounds the compiled variants kept alive per kernel.
const pipelineCacheSize = 8

// Kernel runs the correlation shader on a Device. Pipelines are compiled
// on first use per shader variant and kept in an LRU cache; evicted
// pipelines are destroyed.
type Kernel struct {
	dev       *Device
	pipelines *cache.Cache[Variant, *pipeline]

	mu       sync.Mutex
	shape    kernel.Shape
	prepared bool
	cancel   context.CancelFunc
}

// pipeline holds the GPU objects of one shader variant.
type pipeline struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	layout     hal.PipelineLayout
	compute    hal.ComputePipeline
}

// NewKernel creates a kernel on dev.
func NewKernel(dev *Device) *Kernel {
	k := &Kernel{dev: dev}
	k.pipelines = cache.New(pipelineCacheSize, func(_ Variant, p *pipeline) {
		if device, _, err := dev.halPair(); err == nil {
			p.destroy(device)
		}
	})
	return k
}

// Prepare configures the kernel for shape.
func (k *Kernel) Prepare(shape kernel.Shape) error {
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
func (k *Kernel) ComputeFindBest(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error) {
	return kernel.ComputeFindBest(ctx, k, batch, bufs)
}

// ComputeRaw scores every candidate of every subset of batch in one
// dispatch.
func (k *Kernel) ComputeRaw(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]float64, error) {
	k.mu.Lock()
	shape, prepared := k.shape, k.prepared
	k.mu.Unlock()
	if !prepared {
		return nil, kernel.ErrNotPrepared
	}
	if !shape.Matches(batch) {
		return nil, kernel.ErrShapeMismatch
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

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", dic.ErrStopped, err)
	}

	v := VariantOf(shape, bufs.Format)
	p, err := k.pipeline(v)
	if err != nil {
		return nil, err
	}
	n := len(batch.Subsets) * batch.MaxCandidates()
	if err := k.dispatch(p, bufs, n); err != nil {
		return nil, err
	}
	// The dispatch cannot be interrupted; a stop during it discards the
	// scores.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", dic.ErrStopped, err)
	}

	out := make([]byte, memory.ResultsSize(len(batch.Subsets), batch.MaxCandidates()))
	if err := k.dev.Read(bufs.Slots[memory.SlotResults], out); err != nil {
		return nil, err
	}
	return memory.DecodeScores(out, n), nil
}

func (k *Kernel) pipeline(v Variant) (*pipeline, error) {
	return k.pipelines.GetOrCreate(v, func() (*pipeline, error) {
		device, _, err := k.dev.halPair()
		if err != nil {
			return nil, err
		}
		p, err := createPipeline(device, v)
		if err != nil {
			return nil, err
		}
		slogger().Debug("gpu: pipeline compiled", "variant", v.String())
		return p, nil
	})
}

func createPipeline(device hal.Device, v Variant) (*pipeline, error) {
	spirv, err := v.CompileSPIRV()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dic.ErrDevice, err)
	}
	label := "dic_correlate_" + v.String()
	p := &pipeline{}

	p.module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create shader module: %w", dic.ErrDevice, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, memory.SlotCount)
	for s := range memory.SlotCount {
		typ := gputypes.BufferBindingTypeReadOnlyStorage
		switch s {
		case memory.SlotParams:
			typ = gputypes.BufferBindingTypeUniform
		case memory.SlotResults:
			typ = gputypes.BufferBindingTypeStorage
		}
		entries[s] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(s), //nolint:gosec // slot index
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		}
	}
	p.bindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bgl",
		Entries: entries,
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("%w: create bind group layout: %w", dic.ErrDevice, err)
	}

	p.layout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("%w: create pipeline layout: %w", dic.ErrDevice, err)
	}

	p.compute, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("%w: create compute pipeline: %w", dic.ErrDevice, err)
	}
	return p, nil
}

func (p *pipeline) destroy(device hal.Device) {
	if p.compute != nil {
		device.DestroyComputePipeline(p.compute)
	}
	if p.layout != nil {
		device.DestroyPipelineLayout(p.layout)
	}
	if p.bindLayout != nil {
		device.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
	}
}

// dispatch binds the staged slots and runs n invocations to completion.
func (k *Kernel) dispatch(p *pipeline, bufs *memory.Buffers, n int) error {
	device, _, err := k.dev.halPair()
	if err != nil {
		return err
	}

	entries := make([]gputypes.BindGroupEntry, memory.SlotCount)
	for s := range memory.SlotCount {
		raw, size, err := k.dev.rawBuffer(bufs.Slots[s])
		if err != nil {
			return fmt.Errorf("%v slot: %w", s, err)
		}
		entries[s] = gputypes.BindGroupEntry{
			Binding:  uint32(s), //nolint:gosec // slot index
			Resource: gputypes.BufferBinding{Buffer: raw.NativeHandle(), Offset: 0, Size: size},
		}
	}
	bg, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "dic_correlate_bg",
		Layout:  p.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("%w: create bind group: %w", dic.ErrDevice, err)
	}
	defer device.DestroyBindGroup(bg)

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dic_correlate"})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", dic.ErrDevice, err)
	}
	if err := encoder.BeginEncoding("dic_correlate"); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", dic.ErrDevice, err)
	}
	x, y := dispatchSize(n)
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "dic_correlate"})
	pass.SetPipeline(p.compute)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(x, y, 1)
	pass.End()

	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("%w: end encoding: %w", dic.ErrDevice, err)
	}
	return k.dev.submit(cmd)
}

// Stop discards the scores of the dispatch in flight, if any.
func (k *Kernel) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		k.cancel()
	}
}

// Close destroys the cached pipelines. The device stays open.
func (k *Kernel) Close() error {
	k.Stop()
	k.pipelines.Clear()
	k.mu.Lock()
	k.prepared = false
	k.mu.Unlock()
	return nil
}
