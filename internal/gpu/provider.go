//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/dic"
)

// halProvider is implemented by device providers that expose their HAL
// objects, such as gogpu windows.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// ErrNoHAL is returned for providers that do not expose HAL types.
var ErrNoHAL = fmt.Errorf("%w: provider does not expose HAL types", dic.ErrDevice)

// HALPair extracts the HAL device and queue of provider.
func HALPair(provider any) (hal.Device, hal.Queue, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", dic.ErrDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", dic.ErrDevice)
	}
	return device, queue, nil
}
