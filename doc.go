// Package dic provides the data model of a digital image correlation (DIC)
// engine.
//
// # Overview
//
// Given a reference image and a deformed image, DIC estimates for a set of
// small image patches ("subsets") the local displacement, and optionally its
// spatial derivatives, that best aligns each patch between the two images.
// The estimate maximizes a correlation score (ZNCC or ZNSSD) over a
// polynomial deformation model of order zero, one or two.
//
// This package holds the shared vocabulary: [Subset], [DeformationOrder],
// [Limits], [Task], [Result], [Image], [Config] and the error sentinels.
// The engine itself lives in sub-packages:
//
//   - solver: exhaustive, coarse-to-fine, Newton-Raphson and SPGD solvers
//     driving the splitter, memory manager and kernel
//   - gpu: blank import to enable the wgpu compute kernel
//
// # Quick Start
//
//	ref, _ := dic.ReadImage(refFile)
//	def, _ := dic.ReadImage(defFile)
//	subsets := dic.GridSubsets(ref.Width(), ref.Height(), 10, 20)
//	limits := dic.NewLimits(dic.OrderFirst,
//	    dic.Limit{Min: -5, Max: 5, Step: 1},
//	    dic.Limit{Min: -5, Max: 5, Step: 1})
//	task := dic.NewLimitsTask(ref, def, subsets, dic.OrderFirst, limits)
//
//	s, err := solver.New(dic.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	results, err := s.Solve(ctx, task)
//
// # Errors
//
// Every error wraps one of [ErrIllegalTaskData], [ErrMemory], [ErrDevice],
// [ErrIO] or [ErrStopped].
//
// # Logging
//
// dic is silent by default. See [SetLogger].
package dic
