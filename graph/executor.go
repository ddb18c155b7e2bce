//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpilot-ai/taskpilot/event"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/telemetry"
)

// Executor advances one thread through a compiled graph: it invokes the
// current node with the accumulated state and the thread's resources, merges
// the returned update per field policy, persists a checkpoint, and routes to
// the next node until the end marker or a suspension.
//
// Exactly one node executes at a time per thread. An Executor is safe for
// concurrent use by unrelated threads; per-thread sequencing is the caller's
// responsibility (the runner serializes invocations per thread).
type Executor struct {
	graph      *Graph
	checkpoint *CheckpointManager
	maxSteps   int
	errorNode  string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	saver     CheckpointSaver
	maxSteps  int
	errorNode string
}

// WithCheckpointSaver persists a checkpoint after every node transition so
// the thread can be resumed, even across process restarts.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(o *executorOptions) { o.saver = saver }
}

// WithMaxSteps bounds the number of node executions per invocation.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(o *executorOptions) { o.maxSteps = maxSteps }
}

// WithErrorNode routes node failures to the named node instead of
// terminating the thread.
func WithErrorNode(nodeID string) ExecutorOption {
	return func(o *executorOptions) { o.errorNode = nodeID }
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if err := graph.validate(); err != nil {
		return nil, err
	}
	options := executorOptions{maxSteps: 100}
	for _, opt := range opts {
		opt(&options)
	}
	if options.errorNode != "" {
		if _, ok := graph.Node(options.errorNode); !ok {
			return nil, configErrorf("error node %s does not exist", options.errorNode)
		}
	}
	e := &Executor{
		graph:     graph,
		maxSteps:  options.maxSteps,
		errorNode: options.errorNode,
	}
	if options.saver != nil {
		e.checkpoint = NewCheckpointManager(options.saver)
	}
	return e, nil
}

// Invocation carries the per-run context for one thread advance.
type Invocation struct {
	// ThreadID identifies the thread; required when checkpointing.
	ThreadID string
	// InvocationID ties emitted events to one Submit/Resume call.
	InvocationID string
	// Resources is the thread's live resource bundle, passed to every node.
	Resources Resources
	// EventChan receives progress events when non-nil.
	EventChan chan<- *event.Event
}

// InterruptSignal is the surfaced form of a suspension: the payload the
// interrupting node produced, plus where the thread stopped.
type InterruptSignal struct {
	NodeID string
	Key    string
	Value  any
	Step   int
}

// Outcome is the result of advancing a thread: either a terminal state or
// an interrupt, never both. Terminal failure is a terminal state with the
// error field populated; callers must check it explicitly.
type Outcome struct {
	State     State
	Interrupt *InterruptSignal
}

// Run executes the graph from its entry point with a fresh state.
func (e *Executor) Run(ctx context.Context, initialState State, inv *Invocation) (*Outcome, error) {
	if inv == nil {
		inv = &Invocation{}
	}
	state := e.graph.Schema().ApplyDefaults(initialState.Clone())
	if e.checkpoint != nil {
		meta := NewCheckpointMetadata(CheckpointSourceInput, -1)
		if _, err := e.checkpoint.Save(ctx, inv.ThreadID, state, meta, e.graph.EntryPoint(), nil, ""); err != nil {
			return nil, fmt.Errorf("failed to write input checkpoint: %w", err)
		}
	}
	return e.loop(ctx, state, e.graph.EntryPoint(), 0, inv)
}

// Resume re-enters a suspended thread with an externally supplied value.
// The node that suspended re-executes with the resume value available at
// its interrupt site.
func (e *Executor) Resume(ctx context.Context, cmd *ResumeCommand, inv *Invocation) (*Outcome, error) {
	if inv == nil || inv.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}
	if e.checkpoint == nil {
		return nil, fmt.Errorf("resume requires a checkpoint saver")
	}
	tuple, err := e.checkpoint.Latest(ctx, inv.ThreadID)
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	if !tuple.Checkpoint.IsInterrupted() {
		return nil, ErrNoPendingInterrupt
	}
	state := e.checkpoint.StateAt(tuple, e.graph.Schema())
	if used := tuple.Checkpoint.InterruptState.Used; used != nil {
		state[StateKeyUsedInterrupts] = used
	}
	if cmd != nil {
		state[StateKeyResumeValue] = cmd.Value
	}
	startNode := tuple.Checkpoint.InterruptState.NodeID
	// The suspended node re-executes from its start; the step count resumes
	// one behind so the node re-occupies its original step.
	return e.loop(ctx, state, startNode, tuple.Checkpoint.InterruptState.Step-1, inv)
}

// PendingInterrupt returns the thread's currently pending interrupt, nil
// when the thread exists but is not suspended, and ErrCheckpointNotFound
// when the thread has no checkpoints at all.
func (e *Executor) PendingInterrupt(ctx context.Context, threadID string) (*InterruptState, error) {
	if e.checkpoint == nil {
		return nil, nil
	}
	tuple, err := e.checkpoint.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	if !tuple.Checkpoint.IsInterrupted() {
		return nil, nil
	}
	return tuple.Checkpoint.InterruptState, nil
}

// loop drives node execution until End, suspension, or a terminal error.
func (e *Executor) loop(ctx context.Context, state State, startNode string, startStep int, inv *Invocation) (*Outcome, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "execute_graph")
	defer span.End()
	span.SetAttributes(attribute.String("taskpilot.thread_id", inv.ThreadID))

	current := startNode
	step := startStep
	var parentID string
	for {
		// Cancellation is observed between node transitions, never inside a
		// node. The run finalizes with the partial state it has.
		if err := ctx.Err(); err != nil {
			return e.terminate(ctx, state, current, step, inv, fmt.Errorf("run canceled: %w", err))
		}
		if current == End {
			state[StateKeyExiting] = true
			e.persist(ctx, state, End, step, inv, nil, &parentID)
			return &Outcome{State: state}, nil
		}
		step++
		if step > e.maxSteps {
			return e.terminate(ctx, state, current, step, inv, ErrMaxStepsExceeded)
		}
		node, exists := e.graph.Node(current)
		if !exists {
			return e.terminate(ctx, state, current, step, inv, fmt.Errorf("node %s not found", current))
		}
		e.emit(ctx, inv, event.NewNodeStart(inv.InvocationID, inv.ThreadID, current))

		update, err := e.invokeNode(ctx, node, state, inv)
		if err != nil {
			if interrupt, ok := AsInterruptError(err); ok {
				interrupt.NodeID = current
				interrupt.Step = step
				used, _ := state[StateKeyUsedInterrupts].(map[string]any)
				is := &InterruptState{
					NodeID: current,
					Key:    interrupt.Key,
					Value:  interrupt.Value,
					Step:   step,
					Used:   used,
				}
				meta := NewCheckpointMetadata(CheckpointSourceInterrupt, step)
				meta.Node = current
				e.persistMeta(ctx, state, current, inv, meta, is, &parentID)
				e.emit(ctx, inv, event.NewInterrupt(inv.InvocationID, inv.ThreadID, current, interrupt.Value))
				return &Outcome{Interrupt: &InterruptSignal{
					NodeID: current,
					Key:    interrupt.Key,
					Value:  interrupt.Value,
					Step:   step,
				}}, nil
			}
			// Node failures are folded into state, never propagated raw.
			log.Warnf("node %s failed for thread %s: %v", current, inv.ThreadID, err)
			state = e.graph.Schema().ApplyUpdate(state, State{StateKeyError: err.Error()})
			if e.errorNode != "" && current != e.errorNode {
				e.persist(ctx, state, e.errorNode, step, inv, nil, &parentID)
				current = e.errorNode
				continue
			}
			return e.terminate(ctx, state, current, step, inv, nil)
		}

		if update != nil {
			state = e.graph.Schema().ApplyUpdate(state, update)
			e.emit(ctx, inv, event.NewStateDelta(inv.InvocationID, inv.ThreadID, current, update))
		}

		next, err := e.selectNext(ctx, state, current)
		if err != nil {
			return e.terminate(ctx, state, current, step, inv, err)
		}
		e.persist(ctx, state, next, step, inv, nil, &parentID)
		current = next
	}
}

// invokeNode runs a node function with panic recovery, honoring the node's
// retry policy for transient failures.
func (e *Executor) invokeNode(ctx context.Context, node *Node, state State, inv *Invocation) (update State, err error) {
	ctx, span := telemetry.Tracer.Start(ctx, fmt.Sprintf("execute_node %s", node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String("taskpilot.node_id", node.ID),
		attribute.String("taskpilot.invocation_id", inv.InvocationID),
	)

	attempts := 1
	if node.retryPolicy != nil && node.retryPolicy.MaxAttempts > 1 {
		attempts = node.retryPolicy.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		update, err = e.invokeOnce(ctx, node, state, inv.Resources)
		if err == nil {
			return update, nil
		}
		if node.retryPolicy == nil || attempt == attempts || !node.retryPolicy.ShouldRetry(err) {
			break
		}
		delay := node.retryPolicy.NextDelay(attempt)
		log.Debugf("retrying node %s (attempt %d/%d) after %v: %v", node.ID, attempt, attempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		span.SetAttributes(attribute.String("taskpilot.error", err.Error()))
	}
	return update, err
}

func (e *Executor) invokeOnce(ctx context.Context, node *Node, state State, res Resources) (update State, err error) {
	defer func() {
		if r := recover(); r != nil {
			update = nil
			err = fmt.Errorf("node %s panicked: %v", node.ID, r)
		}
	}()
	return node.Function(ctx, state, res)
}

// selectNext picks the next node. An explicit next_node in state wins;
// otherwise conditional branches are evaluated in declaration order with
// the first match taken, falling back to the required default; otherwise
// the single unconditional edge is followed.
func (e *Executor) selectNext(ctx context.Context, state State, current string) (string, error) {
	if override, ok := state[StateKeyNextNode].(string); ok && override != "" {
		delete(state, StateKeyNextNode)
		if override != End {
			if _, exists := e.graph.Node(override); !exists {
				return "", &RoutingError{Node: current}
			}
		}
		return override, nil
	}
	if condEdge, exists := e.graph.ConditionalEdge(current); exists {
		for _, branch := range condEdge.Branches {
			if branch.When(ctx, state) {
				return branch.To, nil
			}
		}
		if condEdge.Default == "" {
			return "", &RoutingError{Node: current}
		}
		return condEdge.Default, nil
	}
	edges := e.graph.Edges(current)
	if len(edges) == 0 {
		return "", &RoutingError{Node: current}
	}
	return edges[0].To, nil
}

// terminate folds err (if any) into state, marks the state terminal,
// persists it, and returns a well-formed terminal outcome. Callers of the
// executor never see a raw node failure.
func (e *Executor) terminate(ctx context.Context, state State, node string, step int, inv *Invocation, err error) (*Outcome, error) {
	if err != nil {
		state = e.graph.Schema().ApplyUpdate(state, State{StateKeyError: err.Error()})
	}
	state[StateKeyExiting] = true
	var parentID string
	e.persist(ctx, state, "", step, inv, nil, &parentID)
	return &Outcome{State: state}, nil
}

// persist writes a loop checkpoint; failures are logged, not fatal, so a
// slow or broken saver degrades durability rather than the thread.
func (e *Executor) persist(ctx context.Context, state State, nextNode string, step int, inv *Invocation, interrupt *InterruptState, parentID *string) {
	meta := NewCheckpointMetadata(CheckpointSourceLoop, step)
	e.persistMeta(ctx, state, nextNode, inv, meta, interrupt, parentID)
}

func (e *Executor) persistMeta(ctx context.Context, state State, nextNode string, inv *Invocation, meta *CheckpointMetadata, interrupt *InterruptState, parentID *string) {
	if e.checkpoint == nil || inv.ThreadID == "" {
		return
	}
	checkpoint, err := e.checkpoint.Save(ctx, inv.ThreadID, state, meta, nextNode, interrupt, *parentID)
	if err != nil {
		log.Errorf("failed to checkpoint thread %s: %v", inv.ThreadID, err)
		return
	}
	*parentID = checkpoint.ID
}

// emit delivers an event without blocking past cancellation.
func (e *Executor) emit(ctx context.Context, inv *Invocation, evt *event.Event) {
	if inv.EventChan == nil {
		return
	}
	select {
	case inv.EventChan <- evt:
	case <-ctx.Done():
	}
}
