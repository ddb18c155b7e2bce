//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// CheckpointSourceInput indicates the checkpoint was created from input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop indicates the checkpoint was created after a node
	// transition inside the execution loop.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceInterrupt indicates the checkpoint was created at a
	// suspension point.
	CheckpointSourceInterrupt = "interrupt"

	// DefaultMaxCheckpointsPerThread bounds retained history per thread.
	DefaultMaxCheckpointsPerThread = 100
)

// Checkpoint is a snapshot of a thread's logical workflow state at one point
// in time. It must never contain a live resource handle: resources live in
// the environment manager's side table, keyed by thread ID, and re-attach at
// load time.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// Values contains the logical state fields at checkpoint time.
	Values map[string]any `json:"values"`
	// NextNode is the node execution continues at when resuming.
	NextNode string `json:"next_node,omitempty"`
	// InterruptState describes the pending suspension, if any.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// PendingWrites contains node writes not yet folded into Values.
	// Normally empty; present so older log formats load cleanly.
	PendingWrites []PendingWrite `json:"pending_writes"`
	// ParentID is the ID of the preceding checkpoint in this thread.
	ParentID string `json:"parent_id,omitempty"`
}

// InterruptState records the suspension a checkpoint was taken at.
type InterruptState struct {
	// NodeID is the node where execution suspended.
	NodeID string `json:"node_id"`
	// Key identifies the interrupt site within the node.
	Key string `json:"key"`
	// Value is the payload that was surfaced to the caller.
	Value any `json:"value"`
	// Step is the step number when the interrupt occurred.
	Step int `json:"step"`
	// Used records interrupt sites already satisfied in this node, so a
	// resumed node replays earlier sites deterministically.
	Used map[string]any `json:"used,omitempty"`
}

// PendingWrite is a node write not yet folded into checkpoint values.
type PendingWrite struct {
	// Node is the node that produced the write.
	Node string `json:"node"`
	// Key is the state field being written.
	Key string `json:"key"`
	// Value is the value being written.
	Value any `json:"value"`
	// Sequence orders writes for deterministic replay.
	Sequence int64 `json:"sequence"`
}

// CheckpointMetadata contains metadata about a checkpoint.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created.
	Source string `json:"source"`
	// Step is the step number (-1 for input, 0+ for loop steps).
	Step int `json:"step"`
	// Node is the node whose completion produced this checkpoint.
	Node string `json:"node,omitempty"`
	// Extra holds additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple pairs a checkpoint with its metadata.
type CheckpointTuple struct {
	// ThreadID is the owning thread.
	ThreadID string `json:"thread_id"`
	// Checkpoint is the actual checkpoint data.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata contains additional checkpoint information.
	Metadata *CheckpointMetadata `json:"metadata"`
}

// CheckpointFilter defines filtering criteria for listing checkpoints.
type CheckpointFilter struct {
	// Limit is the maximum number of checkpoints to return (newest first).
	Limit int `json:"limit,omitempty"`
}

// CheckpointSaver is the storage interface for checkpoints. Implementations
// must be safe for concurrent use by unrelated threads; writes for one
// thread are issued strictly sequentially by the executor.
type CheckpointSaver interface {
	// Put stores a checkpoint tuple.
	Put(ctx context.Context, tuple *CheckpointTuple) error
	// Latest retrieves the most recent checkpoint for a thread, or nil.
	Latest(ctx context.Context, threadID string) (*CheckpointTuple, error)
	// Get retrieves a specific checkpoint by ID, or nil.
	Get(ctx context.Context, threadID, checkpointID string) (*CheckpointTuple, error)
	// List retrieves checkpoints for a thread, newest first.
	List(ctx context.Context, threadID string, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// DeleteThread removes all checkpoints for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// NewCheckpoint creates a checkpoint from logical state values.
func NewCheckpoint(values map[string]any) *Checkpoint {
	if values == nil {
		values = make(map[string]any)
	}
	return &Checkpoint{
		Version:       CheckpointVersion,
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Values:        values,
		PendingWrites: []PendingWrite{},
	}
}

// NewCheckpointMetadata creates new checkpoint metadata.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source: source,
		Step:   step,
		Extra:  make(map[string]any),
	}
}

// Normalize fills baseline structural fields so that loading an older or
// partially written checkpoint never fails on missing fields.
func (c *Checkpoint) Normalize() {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	if c.PendingWrites == nil {
		c.PendingWrites = []PendingWrite{}
	}
	if c.Version == 0 {
		c.Version = CheckpointVersion
	}
}

// IsInterrupted reports whether the checkpoint represents a suspended
// execution.
func (c *Checkpoint) IsInterrupted() bool {
	return c.InterruptState != nil && c.InterruptState.NodeID != ""
}

// Copy creates a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := &Checkpoint{
		Version:   c.Version,
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Values:    deepCopyMap(c.Values),
		NextNode:  c.NextNode,
		ParentID:  c.ParentID,
	}
	clone.PendingWrites = make([]PendingWrite, len(c.PendingWrites))
	for i, w := range c.PendingWrites {
		clone.PendingWrites[i] = PendingWrite{
			Node:     w.Node,
			Key:      w.Key,
			Value:    deepCopy(w.Value),
			Sequence: w.Sequence,
		}
	}
	if c.InterruptState != nil {
		clone.InterruptState = &InterruptState{
			NodeID: c.InterruptState.NodeID,
			Key:    c.InterruptState.Key,
			Value:  deepCopy(c.InterruptState.Value),
			Step:   c.InterruptState.Step,
		}
		if c.InterruptState.Used != nil {
			used, _ := deepCopy(c.InterruptState.Used).(map[string]any)
			clone.InterruptState.Used = used
		}
	}
	return clone
}

// CheckpointManager provides high-level checkpoint management on top of a
// saver.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Save snapshots the given state for a thread. Internal/ephemeral state keys
// are stripped; everything else is deep-copied so the saver can serialize
// concurrently with further node execution.
func (cm *CheckpointManager) Save(
	ctx context.Context,
	threadID string,
	state State,
	meta *CheckpointMetadata,
	nextNode string,
	interrupt *InterruptState,
	parentID string,
) (*Checkpoint, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	values := make(map[string]any, len(state))
	for k, v := range state {
		if isInternalStateKey(k) {
			continue
		}
		values[k] = deepCopy(v)
	}
	checkpoint := NewCheckpoint(values)
	checkpoint.NextNode = nextNode
	checkpoint.InterruptState = interrupt
	checkpoint.ParentID = parentID
	if meta == nil {
		meta = NewCheckpointMetadata(CheckpointSourceLoop, 0)
	}
	tuple := &CheckpointTuple{
		ThreadID:   threadID,
		Checkpoint: checkpoint,
		Metadata:   meta,
	}
	if err := cm.saver.Put(ctx, tuple); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// Latest returns the most recent checkpoint tuple for a thread, normalized,
// or nil when the thread has no checkpoints.
func (cm *CheckpointManager) Latest(ctx context.Context, threadID string) (*CheckpointTuple, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	tuple, err := cm.saver.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if tuple != nil && tuple.Checkpoint != nil {
		tuple.Checkpoint.Normalize()
	}
	return tuple, nil
}

// StateAt rebuilds workflow state from a checkpoint, applying schema
// defaults for fields the checkpoint predates. Live resources are not part
// of the result; callers re-attach them from the environment manager.
func (cm *CheckpointManager) StateAt(tuple *CheckpointTuple, schema *StateSchema) State {
	state := make(State)
	if tuple != nil && tuple.Checkpoint != nil {
		for k, v := range tuple.Checkpoint.Values {
			state[k] = v
		}
	}
	if schema != nil {
		state = schema.ApplyDefaults(state)
	}
	return state
}

// List returns checkpoints for a thread, newest first.
func (cm *CheckpointManager) List(ctx context.Context, threadID string, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	return cm.saver.List(ctx, threadID, filter)
}

// DeleteThread removes all checkpoints for a thread.
func (cm *CheckpointManager) DeleteThread(ctx context.Context, threadID string) error {
	return cm.saver.DeleteThread(ctx, threadID)
}

// deepCopy performs a deep copy using JSON round-tripping. Values that do
// not marshal are returned unchanged; checkpointed state is expected to be
// plain data.
func deepCopy(src any) any {
	if src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return src
	}
	var result any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&result); err != nil {
		return src
	}
	return result
}

// deepCopyMap performs a deep copy of a map[string]any.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	if mapResult, ok := deepCopy(src).(map[string]any); ok {
		return mapResult
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
	return dst
}
