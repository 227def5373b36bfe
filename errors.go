package dic

import "errors"

// Error kinds. Every error returned by dic and its sub-packages wraps exactly
// one of these sentinels, so callers classify failures with errors.Is.
var (
	// ErrIllegalTaskData reports missing or invalid configuration, malformed
	// deformation limits or an unsupported deformation order. Not retryable.
	ErrIllegalTaskData = errors.New("dic: illegal task data")

	// ErrMemory reports a device or host allocation failure. Solvers retry
	// through the task splitter back-off before surfacing it.
	ErrMemory = errors.New("dic: memory error")

	// ErrDevice reports a compute device or launch failure that is not
	// memory related. Device memory is cleared before it propagates.
	ErrDevice = errors.New("dic: device error")

	// ErrIO reports a failure loading kernel sources, images or other
	// resources. Fatal for the run.
	ErrIO = errors.New("dic: i/o error")

	// ErrStopped is returned when a run was stopped before every subset
	// reached a final result. Results returned alongside it are complete,
	// with undecided subsets holding failure sentinels.
	ErrStopped = errors.New("dic: computation stopped")
)
