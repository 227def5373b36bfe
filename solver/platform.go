package solver

import (
	"fmt"
	"sync"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
	"github.com/gogpu/dic/internal/parallel"
)

// Platform binds a device, the memory manager staging on it and the kernel
// reading the staged buffers.
type Platform struct {
	Kind    dic.PlatformKind
	Device  memory.Device
	Manager *memory.Manager
	Kernel  kernel.Kernel

	// Release frees device resources beyond the kernel and the staged
	// buffers. May be nil.
	Release func()
}

// Close releases the kernel, the staged buffers and the device.
func (p *Platform) Close() error {
	err := p.Kernel.Close()
	p.Manager.Clear()
	if p.Release != nil {
		p.Release()
	}
	return err
}

// PlatformFactory creates a platform for cfg. The worker pool is shared
// with the solver.
type PlatformFactory func(cfg dic.Config, pool *parallel.WorkerPool) (*Platform, error)

var (
	platformMu sync.RWMutex
	platforms  = map[dic.PlatformKind]PlatformFactory{
		dic.PlatformCPU: NewCPUPlatform,
	}
)

// RegisterPlatform installs the factory of a platform kind, replacing any
// previous one. The GPU platform registers itself when the gpu package is
// imported.
func RegisterPlatform(kind dic.PlatformKind, f PlatformFactory) error {
	if f == nil {
		return fmt.Errorf("%w: platform factory must not be nil", dic.ErrIllegalTaskData)
	}
	platformMu.Lock()
	platforms[kind] = f
	platformMu.Unlock()
	return nil
}

func platformFactory(kind dic.PlatformKind) PlatformFactory {
	platformMu.RLock()
	defer platformMu.RUnlock()
	return platforms[kind]
}

// NewCPUPlatform creates the host platform: a HostDevice budgeted by
// cfg.MemoryLimitMB, a manager of strategy cfg.Memory and the CPU kernel.
func NewCPUPlatform(cfg dic.Config, pool *parallel.WorkerPool) (*Platform, error) {
	var opts []memory.HostOption
	if cfg.MemoryLimitMB > 0 {
		opts = append(opts, memory.WithBudget(uint64(cfg.MemoryLimitMB)<<20)) //nolint:gosec // validated positive
	}
	dev := memory.NewHostDevice(opts...)
	return &Platform{
		Kind:    dic.PlatformCPU,
		Device:  dev,
		Manager: memory.New(cfg.Memory, dev),
		Kernel:  kernel.NewCPU(pool),
	}, nil
}

// openPlatform creates the platform requested by cfg. A GPU platform that
// is not registered or fails to initialize falls back to the CPU.
func openPlatform(cfg dic.Config, pool *parallel.WorkerPool) (*Platform, error) {
	f := platformFactory(cfg.Platform)
	if f == nil {
		dic.Logger().Warn("dic: platform not available, using CPU", "platform", cfg.Platform)
		return NewCPUPlatform(cfg, pool)
	}
	p, err := f(cfg, pool)
	if err != nil {
		if cfg.Platform == dic.PlatformCPU {
			return nil, err
		}
		dic.Logger().Warn("dic: platform init failed, using CPU", "platform", cfg.Platform, "err", err)
		return NewCPUPlatform(cfg, pool)
	}
	dic.Logger().Info("dic: platform ready", "platform", p.Kind, "device", p.Device.Name(),
		"memory", fmt.Sprintf("%d MB", p.Device.Limits().GlobalMemory>>20))
	return p, nil
}
