//go:build !nogpu

// Package gpu registers the GPU platform for correlation kernels.
//
// Import this package to make dic.PlatformGPU run the correlation shader
// through wgpu/hal compute pipelines. If no adapter is available when a
// solver is created, the engine logs a warning and falls back to the CPU
// platform.
//
// Usage:
//
//	import _ "github.com/gogpu/dic/gpu" // enable GPU kernels
package gpu

import (
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/dic"
	gpuimpl "github.com/gogpu/dic/internal/gpu"
	"github.com/gogpu/dic/internal/memory"
	"github.com/gogpu/dic/internal/parallel"
	"github.com/gogpu/dic/solver"
)

var (
	providerMu sync.Mutex
	provider   gpucontext.DeviceProvider
)

func init() {
	if err := solver.RegisterPlatform(dic.PlatformGPU, NewPlatform); err != nil {
		dic.Logger().Warn("GPU platform not available", "err", err)
	}
}

// SetDeviceProvider makes GPU platforms created afterwards share the device
// of an external provider (e.g., gogpu) instead of opening their own. The
// provider must also expose its HAL device and queue. A nil provider
// restores the default.
func SetDeviceProvider(p gpucontext.DeviceProvider) error {
	if p != nil {
		if _, _, err := gpuimpl.HALPair(p); err != nil {
			return err
		}
	}
	providerMu.Lock()
	provider = p
	providerMu.Unlock()
	return nil
}

// NewPlatform opens a GPU device for cfg. Staged images are packed when
// possible and point offsets are stored planar.
func NewPlatform(cfg dic.Config, _ *parallel.WorkerPool) (*solver.Platform, error) {
	budget := uint64(cfg.MemoryLimitMB) << 20 //nolint:gosec // validated non-negative

	providerMu.Lock()
	p := provider
	providerMu.Unlock()

	var dev *gpuimpl.Device
	if p != nil {
		device, queue, err := gpuimpl.HALPair(p)
		if err != nil {
			return nil, err
		}
		dev = gpuimpl.NewSharedDevice(device, queue, budget)
	} else {
		var err error
		if dev, err = gpuimpl.Open(budget); err != nil {
			return nil, err
		}
	}

	return &solver.Platform{
		Kind:    dic.PlatformGPU,
		Device:  dev,
		Manager: memory.New(cfg.Memory, dev, memory.WithPlanarPoints(), memory.WithPacking()),
		Kernel:  gpuimpl.NewKernel(dev),
		Release: dev.Close,
	}, nil
}
