//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

// Errors.
var (
	// ErrThreadIDRequired is returned when an operation needs a thread ID.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrCheckpointNotFound is returned when no checkpoint exists for a thread.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrNoPendingInterrupt is returned when resuming a thread that is not
	// suspended.
	ErrNoPendingInterrupt = errors.New("no pending interrupt for thread")
	// ErrMaxStepsExceeded is returned when a run exceeds the executor's step
	// bound.
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded")
)

// ConfigError reports an invalid graph definition. It is fatal at startup:
// a graph that fails to compile is never executed.
type ConfigError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// RoutingError reports that no outgoing edge of a node matched the current
// state. It is fatal to the thread but recoverable by the process.
type RoutingError struct {
	Node string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("no matching edge out of node %s", e.Node)
}

// StaleResumeError reports a resume decision that does not correspond to the
// thread's currently pending interrupt. The thread remains suspended.
type StaleResumeError struct {
	ThreadID string
	Reason   string
}

// Error implements the error interface.
func (e *StaleResumeError) Error() string {
	return fmt.Sprintf("stale resume for thread %s: %s", e.ThreadID, e.Reason)
}
