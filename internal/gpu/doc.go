//go:build !nogpu

// Package gpu runs the correlation kernel as a WebGPU compute shader.
//
// It uses the gogpu/wgpu HAL directly (Pure Go, zero CGO) with the Vulkan
// backend. The package provides three pieces:
//
//   - Device: a memory.Device over HAL buffers with a byte budget
//   - Variant: the WGSL correlation shader, assembled from templates and
//     compiled to SPIR-V with gogpu/naga
//   - Kernel: a kernel.Kernel that binds the staged slots and dispatches
//     one invocation per (subset, candidate) pair
//
// # Shader layout
//
// Bindings follow the memory.Slot order:
//
//	0  params        uniform
//	1  reference     storage, read
//	2  deformed      storage, read
//	3  points        storage, read
//	4  centers       storage, read
//	5  deformations  storage, read
//	6  counts        storage, read
//	7  results       storage, read_write
//
// Padding slots past a subset's candidate count receive a quiet NaN.
//
// Build with -tags nogpu to leave the package out.
package gpu
