//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/memory"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// DefaultBudgetMB is the device memory budget when none is configured.
// The HAL layer does not report the size of device memory.
const DefaultBudgetMB = 1024

// fenceTimeout bounds every wait for GPU work.
const fenceTimeout = 10 * time.Second

// ErrDeviceClosed is returned when operating on a closed device.
var ErrDeviceClosed = fmt.Errorf("%w: gpu device closed", dic.ErrDevice)

// Buffer is a device buffer usable as uniform, storage and copy source or
// destination.
type Buffer struct {
	label string
	size  uint64
	raw   hal.Buffer
	owner *Device
}

// Label returns the buffer label.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Device is a memory.Device on a wgpu/hal device. It tracks allocations
// against a byte budget like the host device does, since HAL does not
// report free device memory.
//
// Device is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	name     string
	// external is set for devices shared by a provider; Close leaves them
	// alive.
	external bool

	limits   memory.Limits
	used     uint64
	buffers  map[*Buffer]struct{}
	allocs   uint64
	failures uint64
	closed   bool
}

// Open creates a device on the first discrete or integrated adapter of
// the Vulkan backend. budget is the global memory ceiling in bytes; zero
// selects DefaultBudgetMB.
func Open(budget uint64) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", dic.ErrDevice)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", dic.ErrDevice, err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", dic.ErrDevice)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	limits := gputypes.DefaultLimits()
	open, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", dic.ErrDevice, err)
	}

	d := newDevice(open.Device, open.Queue, selected.Info.Name, limits.MaxBufferSize, budget)
	d.instance = instance
	slogger().Info("gpu: device opened", "adapter", selected.Info.Name,
		"budget_mb", d.limits.GlobalMemory>>20)
	return d, nil
}

// NewSharedDevice wraps a device and queue owned by someone else. Close
// releases the buffers of the wrapper but not the device.
func NewSharedDevice(device hal.Device, queue hal.Queue, budget uint64) *Device {
	d := newDevice(device, queue, "shared", gputypes.DefaultLimits().MaxBufferSize, budget)
	d.external = true
	return d
}

func newDevice(device hal.Device, queue hal.Queue, name string, maxBuffer, budget uint64) *Device {
	if budget == 0 {
		budget = DefaultBudgetMB << 20
	}
	if maxBuffer == 0 {
		maxBuffer = memory.DefaultMaxAllocation
	}
	return &Device{
		device: device,
		queue:  queue,
		name:   name,
		limits: memory.Limits{
			MaxAllocation: min(maxBuffer, budget),
			GlobalMemory:  budget,
		},
		buffers: make(map[*Buffer]struct{}),
	}
}

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// Limits returns the allocation ceilings.
func (d *Device) Limits() memory.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// Alloc creates a buffer of at least size bytes, rounded up to a whole
// number of 32-bit words.
func (d *Device) Alloc(label string, size uint64) (memory.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	size = max(4, (size+3)&^3)
	if size > d.limits.MaxAllocation || d.used+size > d.limits.GlobalMemory {
		d.failures++
		return nil, fmt.Errorf("%w: %s needs %d bytes (used %d of %d, max allocation %d)",
			memory.ErrOutOfMemory, label, size, d.used, d.limits.GlobalMemory, d.limits.MaxAllocation)
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageUniform |
			gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		d.failures++
		// Drivers report exhausted device memory as a creation failure.
		return nil, fmt.Errorf("%w: create %s buffer: %w", memory.ErrOutOfMemory, label, err)
	}
	b := &Buffer{label: label, size: size, raw: raw, owner: d}
	d.buffers[b] = struct{}{}
	d.used += size
	d.allocs++
	return b, nil
}

func (d *Device) own(buf memory.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.owner != d {
		return nil, memory.ErrForeignBuffer
	}
	if _, live := d.buffers[b]; !live {
		return nil, fmt.Errorf("%w: %s was freed", dic.ErrDevice, b.label)
	}
	return b, nil
}

// Write uploads data to the start of buf.
func (d *Device) Write(buf memory.Buffer, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write %d bytes to %s (%d bytes)", memory.ErrBufferSize, len(data), b.label, b.size)
	}
	if len(data) == 0 {
		return nil
	}
	if len(data)%4 != 0 {
		padded := make([]byte, (len(data)+3)&^3)
		copy(padded, data)
		data = padded
	}
	d.queue.WriteBuffer(b.raw, 0, data)
	return nil
}

// Read copies the start of buf into dst through a mappable staging buffer.
func (d *Device) Read(buf memory.Buffer, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if uint64(len(dst)) > b.size {
		return fmt.Errorf("%w: read %d bytes from %s (%d bytes)", memory.ErrBufferSize, len(dst), b.label, b.size)
	}
	if len(dst) == 0 {
		return nil
	}
	return d.readback(b, dst)
}

func (d *Device) readback(b *Buffer, dst []byte) error {
	size := (uint64(len(dst)) + 3) &^ 3
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: create staging buffer: %w", dic.ErrDevice, err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "dic_readback"})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", dic.ErrDevice, err)
	}
	if err := encoder.BeginEncoding("dic_readback"); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", dic.ErrDevice, err)
	}
	encoder.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: size}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: end encoding: %w", dic.ErrDevice, err)
	}
	if err := d.submit(cmd); err != nil {
		return err
	}

	out := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return fmt.Errorf("%w: readback: %w", dic.ErrDevice, err)
	}
	copy(dst, out)
	return nil
}

// submit runs cmd and waits for it to complete. It takes ownership of cmd.
func (d *Device) submit(cmd hal.CommandBuffer) error {
	defer d.device.FreeCommandBuffer(cmd)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: create fence: %w", dic.ErrDevice, err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return fmt.Errorf("%w: submit: %w", dic.ErrDevice, err)
	}
	ok, err := d.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("%w: wait for GPU: %w", dic.ErrDevice, err)
	}
	if !ok {
		return fmt.Errorf("%w: GPU timeout after %v", dic.ErrDevice, fenceTimeout)
	}
	return nil
}

// Free destroys buf. Freeing a buffer twice is a no-op.
func (d *Device) Free(buf memory.Buffer) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.buffers[b]; !live {
		return
	}
	delete(d.buffers, b)
	d.used -= b.size
	d.device.DestroyBuffer(b.raw)
	b.raw = nil
}

// Stats returns allocation statistics.
func (d *Device) Stats() memory.DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return memory.DeviceStats{
		TotalBytes:  d.limits.GlobalMemory,
		UsedBytes:   d.used,
		Buffers:     len(d.buffers),
		Allocations: d.allocs,
		Failures:    d.failures,
	}
}

// Close destroys every live buffer and, unless the device is shared, the
// device and its instance.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for b := range d.buffers {
		d.device.DestroyBuffer(b.raw)
		b.raw = nil
	}
	clear(d.buffers)
	d.used = 0
	d.closed = true

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}

// halPair returns the HAL device and queue for pipeline creation.
func (d *Device) halPair() (hal.Device, hal.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil, ErrDeviceClosed
	}
	return d.device, d.queue, nil
}

// rawBuffer returns the HAL buffer behind buf.
func (d *Device) rawBuffer(buf memory.Buffer) (hal.Buffer, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		if errors.Is(err, memory.ErrForeignBuffer) {
			return nil, 0, fmt.Errorf("%w: %w", dic.ErrDevice, err)
		}
		return nil, 0, err
	}
	return b.raw, b.size, nil
}
