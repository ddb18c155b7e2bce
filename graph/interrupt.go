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
	"time"
)

// InterruptError halts graph execution at the current node with a payload
// for the caller. It is not a failure: the executor persists a checkpoint
// tagged with the suspended node and surfaces the payload, and a later
// invocation re-enters the node with an externally supplied resume value.
type InterruptError struct {
	// Value is the payload surfaced to the caller.
	Value any
	// Key identifies the interrupt site within the node.
	Key string
	// NodeID is the ID of the node where the interrupt occurred.
	NodeID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
}

// Error returns the error message for the interrupt.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", e.NodeID, e.Step, e.Value)
}

// NewInterruptError creates a new InterruptError with the given key and value.
func NewInterruptError(key string, value any) *InterruptError {
	return &InterruptError{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// AsInterruptError extracts an InterruptError from an error chain.
func AsInterruptError(err error) (*InterruptError, bool) {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}

// ResumeCommand re-enters a suspended thread with an externally supplied
// value.
type ResumeCommand struct {
	// Value is handed to the interrupt site that suspended the thread.
	Value any
}

// Interrupt suspends execution at the current node, surfacing prompt to the
// caller, or returns the resume value if one has been supplied. A node may
// re-execute after resuming; the same resume value is returned for the same
// key so the node's earlier work is replayed deterministically.
func Interrupt(state State, key string, prompt any) (any, error) {
	usedMap, _ := state[StateKeyUsedInterrupts].(map[string]any)
	if usedMap == nil {
		usedMap = make(map[string]any)
		state[StateKeyUsedInterrupts] = usedMap
	}

	// A resume value already consumed for this key is returned again.
	if usedValue, exists := usedMap[key]; exists {
		return usedValue, nil
	}

	if resumeValue, exists := state[StateKeyResumeValue]; exists {
		usedMap[key] = resumeValue
		// Consume the value so other interrupt sites suspend afresh.
		delete(state, StateKeyResumeValue)
		return resumeValue, nil
	}

	return nil, NewInterruptError(key, prompt)
}

// HasResumeValue reports whether a resume value is waiting in the state.
func HasResumeValue(state State) bool {
	_, exists := state[StateKeyResumeValue]
	return exists
}
