//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package event defines the events streamed to callers while a thread runs.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the event payload.
type Type string

// Event types.
const (
	// TypeNodeStart marks the beginning of a node execution.
	TypeNodeStart Type = "node.start"
	// TypeStateDelta carries the state update a node produced.
	TypeStateDelta Type = "state.delta"
	// TypeInterrupt signals the thread suspended pending external input.
	TypeInterrupt Type = "interrupt"
	// TypeDone signals terminal completion with the final state.
	TypeDone Type = "done"
	// TypeError signals terminal failure. The thread produced a well-formed
	// final state with its error recorded; this never represents a raw panic.
	TypeError Type = "error"
)

// Event is a single unit of progress reported to a caller.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// InvocationID ties the event to one Submit/Resume invocation.
	InvocationID string `json:"invocation_id"`
	// ThreadID is the owning thread.
	ThreadID string `json:"thread_id"`
	// Type discriminates the payload.
	Type Type `json:"type"`
	// Node is the node this event concerns, when applicable.
	Node string `json:"node,omitempty"`
	// StateDelta holds the merged state update for state.delta and the final
	// state for done/error events.
	StateDelta map[string]any `json:"state_delta,omitempty"`
	// Interrupt holds the suspension payload for interrupt events.
	Interrupt any `json:"interrupt,omitempty"`
	// Error holds the failure description for error events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp.
func New(invocationID, threadID string, typ Type) *Event {
	return &Event{
		ID:           uuid.New().String(),
		InvocationID: invocationID,
		ThreadID:     threadID,
		Type:         typ,
		Timestamp:    time.Now().UTC(),
	}
}

// NewNodeStart creates a node.start event.
func NewNodeStart(invocationID, threadID, node string) *Event {
	e := New(invocationID, threadID, TypeNodeStart)
	e.Node = node
	return e
}

// NewStateDelta creates a state.delta event for a node's merged update.
func NewStateDelta(invocationID, threadID, node string, delta map[string]any) *Event {
	e := New(invocationID, threadID, TypeStateDelta)
	e.Node = node
	e.StateDelta = delta
	return e
}

// NewInterrupt creates an interrupt event carrying the suspension payload.
func NewInterrupt(invocationID, threadID, node string, payload any) *Event {
	e := New(invocationID, threadID, TypeInterrupt)
	e.Node = node
	e.Interrupt = payload
	return e
}

// NewDone creates a done event with the terminal state.
func NewDone(invocationID, threadID string, finalState map[string]any) *Event {
	e := New(invocationID, threadID, TypeDone)
	e.StateDelta = finalState
	return e
}

// NewError creates an error event.
func NewError(invocationID, threadID, msg string, finalState map[string]any) *Event {
	e := New(invocationID, threadID, TypeError)
	e.Error = msg
	e.StateDelta = finalState
	return e
}
