package graph

import "errors"

// Sentinel errors returned by graph construction and execution.
var (
	// ErrInvalidWiring is returned when a node's predecessors are missing,
	// out of topological order, or have incompatible shapes.
	ErrInvalidWiring = errors.New("invalid wiring")

	// ErrInvalidConfig is returned when a layer or graph configuration is
	// out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDevice is returned when a device allocation, transfer or submission
	// fails. Device errors are fatal for the current run.
	ErrDevice = errors.New("device error")

	// ErrNotForwarded is returned by Backward and Loss when no clean forward
	// pass precedes them.
	ErrNotForwarded = errors.New("graph has not been forwarded")

	// ErrReleased is returned when a released graph is used.
	ErrReleased = errors.New("graph has been released")
)
