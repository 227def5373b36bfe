//go:build nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/dic"
)

// SetDeviceProvider fails in builds without GPU support; dic.PlatformGPU
// falls back to the CPU platform.
func SetDeviceProvider(_ gpucontext.DeviceProvider) error {
	return fmt.Errorf("%w: built with the nogpu tag", dic.ErrDevice)
}
