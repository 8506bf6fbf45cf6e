package types

import "errors"

// Error taxonomy shared across probes and the pipeline. Callers are expected
// to match with errors.Is so wrapped detail survives the trip to frontends.
var (
	// ErrResourceBusy means a device or image is already attached or mounted
	// elsewhere, including by this process.
	ErrResourceBusy = errors.New("resource busy")
	// ErrResourceUnavailable means the device disappeared between enumeration
	// and access, typically a hot-unplug race.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrPermissionDenied means the process lacks privilege for a device op.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidationFailed covers manifest validation and post-write layout
	// or checksum mismatches.
	ErrValidationFailed = errors.New("validation failed")
	// ErrJobInProgress is returned when a second job is started while the
	// current one has not reached a terminal state.
	ErrJobInProgress = errors.New("provisioning job already in progress")
	// ErrStepTimeout marks a pipeline step that exceeded its deadline.
	ErrStepTimeout = errors.New("step timed out")
	// ErrCancelled marks work abandoned on operator request.
	ErrCancelled = errors.New("cancelled")
)
