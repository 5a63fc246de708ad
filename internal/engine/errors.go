package engine

import "errors"

var (
	// ErrToleranceExceeded is returned when more tasks failed than the run tolerates.
	ErrToleranceExceeded = errors.New("failed stacks tolerance exceeded")

	// ErrStateOutOfSync is returned when stacks were changed but the state
	// recording the change could not be saved.
	ErrStateOutOfSync = errors.New("state is out of sync with deployed stacks")

	// ErrDependencyNotMet marks tasks skipped because a prerequisite did not succeed.
	ErrDependencyNotMet = errors.New("dependency did not succeed")

	// ErrDependencyCycle marks tasks that could never start because their
	// prerequisites depend on each other.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrRunStopped marks tasks skipped because the run stopped scheduling.
	ErrRunStopped = errors.New("run stopped before task started")
)
