// Package memory stages correlation data on a compute device.
//
// A [Device] allocates opaque buffers and copies bytes in and out of them.
// A [Manager] owns the buffers of one correlation run and decides, per
// strategy, which of them must be uploaded again for the next batch.
package memory

import (
	"fmt"
	"sync"

	sysmem "github.com/pbnjay/memory"

	"github.com/gogpu/dic"
)

// Memory errors.
var (
	// ErrOutOfMemory is returned when an allocation does not fit the device.
	ErrOutOfMemory = fmt.Errorf("%w: out of device memory", dic.ErrMemory)

	// ErrForeignBuffer is returned when a buffer is passed to a device that
	// did not allocate it.
	ErrForeignBuffer = fmt.Errorf("%w: buffer belongs to another device", dic.ErrDevice)

	// ErrBufferSize is returned when a copy does not match the buffer size.
	ErrBufferSize = fmt.Errorf("%w: copy exceeds buffer size", dic.ErrDevice)
)

// DefaultMaxAllocation caps a single host allocation (1 GiB).
const DefaultMaxAllocation = 1 << 30

// Limits reports the allocation ceilings of a device.
type Limits struct {
	// MaxAllocation is the largest single buffer in bytes.
	MaxAllocation uint64

	// GlobalMemory is the total memory available to buffers in bytes.
	GlobalMemory uint64
}

// Buffer is a device allocation.
type Buffer interface {
	Label() string
	Size() uint64
}

// Device allocates buffers and moves bytes between host and device.
//
// Implementations must be safe for concurrent use.
type Device interface {
	Name() string
	Limits() Limits
	Alloc(label string, size uint64) (Buffer, error)
	Write(buf Buffer, data []byte) error
	Read(buf Buffer, dst []byte) error
	Free(buf Buffer)
}

// DeviceStats contains allocation statistics of a device.
type DeviceStats struct {
	TotalBytes  uint64
	UsedBytes   uint64
	Buffers     int
	Allocations uint64
	Failures    uint64
}

// String returns a human-readable string of device stats.
func (s DeviceStats) String() string {
	util := 0.0
	if s.TotalBytes > 0 {
		util = float64(s.UsedBytes) / float64(s.TotalBytes)
	}
	return fmt.Sprintf("Device[%.1f%% used, %d/%d MB, %d buffers, %d allocs, %d failed]",
		util*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.Buffers,
		s.Allocations,
		s.Failures)
}

// HostBuffer is a buffer in host memory.
type HostBuffer struct {
	label string
	data  []byte
	owner *HostDevice
	gen   uint64
}

// Label returns the debug label of the buffer.
func (b *HostBuffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *HostBuffer) Size() uint64 { return uint64(len(b.data)) }

// Bytes returns the buffer contents. Callers must not modify them.
func (b *HostBuffer) Bytes() []byte { return b.data }

// Generation is incremented by every write to the buffer.
func (b *HostBuffer) Generation() uint64 { return b.gen }

// HostDevice is a Device backed by Go slices with a byte budget. It is
// the device of the CPU platform.
type HostDevice struct {
	mu       sync.Mutex
	limits   Limits
	used     uint64
	buffers  map[*HostBuffer]struct{}
	allocs   uint64
	failures uint64
}

// HostOption configures a HostDevice.
type HostOption func(*HostDevice)

// WithBudget sets the global memory budget in bytes.
func WithBudget(bytes uint64) HostOption {
	return func(d *HostDevice) {
		if bytes > 0 {
			d.limits.GlobalMemory = bytes
		}
	}
}

// WithMaxAllocation sets the largest single allocation in bytes.
func WithMaxAllocation(bytes uint64) HostOption {
	return func(d *HostDevice) {
		if bytes > 0 {
			d.limits.MaxAllocation = bytes
		}
	}
}

// NewHostDevice creates a host device. The default budget is half of the
// physical memory reported by the operating system.
func NewHostDevice(opts ...HostOption) *HostDevice {
	total := sysmem.TotalMemory() / 2
	if total == 0 {
		total = 4 << 30
	}
	d := &HostDevice{
		limits: Limits{
			MaxAllocation: min(DefaultMaxAllocation, total),
			GlobalMemory:  total,
		},
		buffers: make(map[*HostBuffer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.limits.MaxAllocation = min(d.limits.MaxAllocation, d.limits.GlobalMemory)
	return d
}

// Name returns "host".
func (d *HostDevice) Name() string { return "host" }

// Limits returns the allocation ceilings.
func (d *HostDevice) Limits() Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// Alloc reserves size bytes. It fails with ErrOutOfMemory when the buffer
// exceeds the single allocation limit or the remaining budget.
func (d *HostDevice) Alloc(label string, size uint64) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size > d.limits.MaxAllocation || d.used+size > d.limits.GlobalMemory {
		d.failures++
		return nil, fmt.Errorf("%w: %s needs %d bytes (used %d of %d, max allocation %d)",
			ErrOutOfMemory, label, size, d.used, d.limits.GlobalMemory, d.limits.MaxAllocation)
	}
	b := &HostBuffer{label: label, data: make([]byte, size), owner: d}
	d.buffers[b] = struct{}{}
	d.used += size
	d.allocs++
	return b, nil
}

func (d *HostDevice) own(buf Buffer) (*HostBuffer, error) {
	b, ok := buf.(*HostBuffer)
	if !ok || b.owner != d {
		return nil, ErrForeignBuffer
	}
	return b, nil
}

// Write copies data to the start of buf.
func (d *HostDevice) Write(buf Buffer, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if len(data) > len(b.data) {
		return fmt.Errorf("%w: write %d bytes to %s (%d bytes)", ErrBufferSize, len(data), b.label, len(b.data))
	}
	copy(b.data, data)
	b.gen++
	return nil
}

// Read copies the start of buf into dst.
func (d *HostDevice) Read(buf Buffer, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if len(dst) > len(b.data) {
		return fmt.Errorf("%w: read %d bytes from %s (%d bytes)", ErrBufferSize, len(dst), b.label, len(b.data))
	}
	copy(dst, b.data)
	return nil
}

// Free releases buf. Freeing a buffer twice is a no-op.
func (d *HostDevice) Free(buf Buffer) {
	b, ok := buf.(*HostBuffer)
	if !ok || b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.buffers[b]; !live {
		return
	}
	delete(d.buffers, b)
	d.used -= uint64(len(b.data))
	b.data = nil
}

// Stats returns allocation statistics.
func (d *HostDevice) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStats{
		TotalBytes:  d.limits.GlobalMemory,
		UsedBytes:   d.used,
		Buffers:     len(d.buffers),
		Allocations: d.allocs,
		Failures:    d.failures,
	}
}
