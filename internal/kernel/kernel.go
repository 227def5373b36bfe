// Package kernel evaluates correlation scores for staged batches.
//
// A Kernel scores every (subset, candidate deformation) pair of a batch.
// The CPU kernel in this package reads the same byte layout the GPU
// shader reads and serves as its reference.
package kernel

import (
	"context"
	"fmt"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/memory"
)

// Kernel errors.
var (
	// ErrNotPrepared is returned by Compute calls before Prepare.
	ErrNotPrepared = fmt.Errorf("%w: kernel not prepared", dic.ErrIllegalTaskData)

	// ErrShapeMismatch is returned when a batch does not match the
	// prepared shape.
	ErrShapeMismatch = fmt.Errorf("%w: batch does not match kernel shape", dic.ErrIllegalTaskData)
)

// Shape is the part of a task that a kernel is compiled for.
type Shape struct {
	PointCount    int
	Order         dic.DeformationOrder
	UsesLimits    bool
	Interpolation dic.Interpolation
	Correlation   dic.Correlation
}

// ShapeOf returns the shape of task under cfg.
func ShapeOf(task *dic.Task, cfg dic.Config) Shape {
	return Shape{
		PointCount:    task.PointCount(),
		Order:         task.Order,
		UsesLimits:    task.UsesLimits,
		Interpolation: cfg.Interpolation,
		Correlation:   cfg.Correlation,
	}
}

// Validate checks that the shape can be compiled.
func (s Shape) Validate() error {
	switch {
	case s.PointCount <= 0:
		return fmt.Errorf("%w: %d points per subset", dic.ErrIllegalTaskData, s.PointCount)
	case !s.Order.IsValid():
		return fmt.Errorf("%w: deformation order %v", dic.ErrIllegalTaskData, s.Order)
	case s.Interpolation > dic.InterpBicubic:
		return fmt.Errorf("%w: interpolation %v", dic.ErrIllegalTaskData, s.Interpolation)
	case s.Correlation > dic.CorrZNSSD:
		return fmt.Errorf("%w: correlation %v", dic.ErrIllegalTaskData, s.Correlation)
	}
	return nil
}

// Matches reports whether batch can run with the shape.
func (s Shape) Matches(batch *dic.Task) bool {
	return batch.PointCount() == s.PointCount && batch.Order == s.Order && batch.UsesLimits == s.UsesLimits
}

// Kernel scores staged batches.
//
// ComputeRaw returns one score per (subset, candidate), subset-major with
// stride batch.MaxCandidates(). Slots past a subset's own candidate count
// hold NaN. Allocation failures wrap dic.ErrMemory, other device failures
// wrap dic.ErrDevice and aborted runs wrap dic.ErrStopped.
type Kernel interface {
	Prepare(shape Shape) error
	ComputeRaw(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]float64, error)
	ComputeFindBest(ctx context.Context, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error)
	Stop()
	Close() error
}

// ComputeFindBest runs k.ComputeRaw and reduces the scores on the host.
// Both kernels implement their find-best operation with it.
func ComputeFindBest(ctx context.Context, k Kernel, batch *dic.Task, bufs *memory.Buffers) ([]dic.Result, error) {
	raw, err := k.ComputeRaw(ctx, batch, bufs)
	if err != nil {
		return nil, err
	}
	return FindBest(batch, raw), nil
}
