//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"encoding/json"
	"reflect"

	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/model"
)

// State field names used by the automation workflow.
const (
	// StateKeyTask is the user's task description.
	StateKeyTask = "task"
	// StateKeyPlan is the rendered working plan.
	StateKeyPlan = "plan"
	// StateKeyBrain is the agent's reasoning scratch space.
	StateKeyBrain = "brain"
	// StateKeyMessages is the full conversation history. Nodes always write
	// the whole rebuilt sequence, never a delta.
	StateKeyMessages = "messages"
	// StateKeyToolCalls holds tool invocations awaiting approval/execution.
	StateKeyToolCalls = "tool_calls"
	// StateKeyPendingApproval records the current approval round.
	StateKeyPendingApproval = "pending_approval"
)

// Brain scratch keys.
const (
	BrainKeyEvaluation = "evaluation"
	BrainKeyFindings   = "findings"
	BrainKeyProgress   = "progress"
	BrainKeyNextPlans  = "next_plans"
	BrainKeyThought    = "thought"
	BrainKeySummary    = "summary"
)

// ApprovalRequest is the interrupt payload surfaced when a tool call needs
// a human decision.
type ApprovalRequest struct {
	ToolCall model.ToolCall `json:"tool_call"`
	Message  string         `json:"message"`
}

// ApprovalDecision is the resume value answering an ApprovalRequest.
type ApprovalDecision struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// NewStateSchema declares the workflow state fields and their merge
// policies. Fields not listed here merge last-write-wins.
func NewStateSchema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField(StateKeyTask, graph.StateField{
			Type:    reflect.TypeOf(""),
			Reducer: graph.DefaultReducer,
		}).
		AddField(StateKeyPlan, graph.StateField{
			Type:    reflect.TypeOf(""),
			Reducer: graph.DefaultReducer,
		}).
		AddField(StateKeyBrain, graph.StateField{
			Type:    reflect.TypeOf(map[string]any{}),
			Reducer: graph.MergeReducer,
			Default: func() any { return map[string]any{} },
		}).
		AddField(StateKeyMessages, graph.StateField{
			Type:    reflect.TypeOf([]model.Message{}),
			Reducer: graph.DefaultReducer,
			Default: func() any { return []model.Message{} },
		}).
		AddField(StateKeyToolCalls, graph.StateField{
			Type:    reflect.TypeOf([]model.ToolCall{}),
			Reducer: graph.DefaultReducer,
		}).
		AddField(StateKeyPendingApproval, graph.StateField{
			Type:    reflect.TypeOf(map[string]any{}),
			Reducer: graph.MergeReducer,
			Default: func() any { return map[string]any{} },
		}).
		AddField(graph.StateKeyError, graph.StateField{
			Type:    reflect.TypeOf(""),
			Reducer: graph.DefaultReducer,
		}).
		AddField(graph.StateKeyNextNode, graph.StateField{
			Type:    reflect.TypeOf(""),
			Reducer: graph.DefaultReducer,
		}).
		AddField(graph.StateKeyExiting, graph.StateField{
			Type:    reflect.TypeOf(false),
			Reducer: graph.DefaultReducer,
			Default: func() any { return false },
		})
}

// convert decodes a state value into dst via a JSON round trip. State read
// back from a checkpoint arrives as generic maps/slices, not the original
// Go types; this tolerates both.
func convert(value, dst any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// messagesFromState returns the conversation history in typed form.
func messagesFromState(state graph.State) []model.Message {
	raw, ok := state[StateKeyMessages]
	if !ok || raw == nil {
		return nil
	}
	if msgs, ok := raw.([]model.Message); ok {
		return msgs
	}
	var msgs []model.Message
	if err := convert(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

// toolCallsFromState returns the pending tool calls in typed form.
func toolCallsFromState(state graph.State) []model.ToolCall {
	raw, ok := state[StateKeyToolCalls]
	if !ok || raw == nil {
		return nil
	}
	if calls, ok := raw.([]model.ToolCall); ok {
		return calls
	}
	var calls []model.ToolCall
	if err := convert(raw, &calls); err != nil {
		return nil
	}
	return calls
}

// decisionFrom decodes an approval decision supplied as a resume value. The
// value may arrive typed, as a JSON object, or as a bare bool.
func decisionFrom(value any) ApprovalDecision {
	switch v := value.(type) {
	case ApprovalDecision:
		return v
	case *ApprovalDecision:
		if v != nil {
			return *v
		}
	case bool:
		return ApprovalDecision{Approved: v}
	}
	var decision ApprovalDecision
	if err := convert(value, &decision); err != nil {
		return ApprovalDecision{}
	}
	return decision
}

// pendingApproval is the typed view of the pending_approval state field.
type pendingApproval struct {
	ToolCall model.ToolCall `json:"tool_call"`
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason,omitempty"`
}

func approvalFromState(state graph.State) pendingApproval {
	raw, ok := state[StateKeyPendingApproval]
	if !ok || raw == nil {
		return pendingApproval{}
	}
	var approval pendingApproval
	if err := convert(raw, &approval); err != nil {
		return pendingApproval{}
	}
	return approval
}

func brainUpdate(key, value string) map[string]any {
	return map[string]any{key: value}
}
