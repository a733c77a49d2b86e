package orchestrator

import "errors"

// ErrAlreadyRunning is returned by Start/FollowUp when the TaskAttempt
// already has a live ExecutionProcess, enforcing the exactly-one-running
// invariant at the orchestrator level.
var ErrAlreadyRunning = errors.New("orchestrator: attempt already has a running process")

// ErrInvalidTransition is returned when an operation is attempted against
// an attempt whose current status does not permit it.
var ErrInvalidTransition = errors.New("orchestrator: invalid state transition")

// ErrUnknownVariant is returned when an attempt's executor profile names a
// Variant with no registered Adapter.
var ErrUnknownVariant = errors.New("orchestrator: no adapter registered for variant")
