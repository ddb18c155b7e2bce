//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/model"
)

// Node IDs of the automation workflow.
const (
	NodePlan       = "plan"
	NodeSelectTool = "select_tool"
	NodeApprove    = "approve"
	NodeExecute    = "execute"
	NodeThink      = "think"
)

func environmentAs(res graph.Resources) (*environment.Environment, error) {
	env, ok := res.(*environment.Environment)
	if !ok || env == nil {
		return nil, fmt.Errorf("node invoked without a thread environment (got %T)", res)
	}
	return env, nil
}

// planNode asks the model for a short step plan and records it in the plan
// store and in state.
func (a *Agent) planNode(ctx context.Context, state graph.State, res graph.Resources) (graph.State, error) {
	env, err := environmentAs(res)
	if err != nil {
		return nil, err
	}
	task, _ := state[StateKeyTask].(string)
	stored := messagesFromState(state)
	if len(stored) == 0 {
		stored = append(stored, model.NewUserMessage(task))
	}

	request := []model.Message{model.NewSystemMessage(planPrompt)}
	request = append(request, stored...)
	if current := env.Plans.Get(env.ThreadID); current != nil {
		request = append(request, model.NewUserMessage(
			"Current plan state:\n"+current.Render()+"\nRevise the plan if needed, or restate the remaining steps."))
	}

	rsp, err := generate(ctx, env.Model, &model.Request{Messages: request})
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	content := rsp.Content()

	if env.Plans.Get(env.ThreadID) == nil {
		if steps := parseSteps(content); len(steps) > 0 {
			env.Plans.Create(env.ThreadID, task, steps)
		}
	}
	planText := content
	if p := env.Plans.Get(env.ThreadID); p != nil {
		planText = p.Render()
	}

	stored = append(stored, model.NewAssistantMessage(content))
	return graph.State{
		StateKeyPlan:     planText,
		StateKeyBrain:    brainUpdate(BrainKeyThought, content),
		StateKeyMessages: a.prune(stored),
	}, nil
}

// selectToolNode asks the model for the next tool call, with validation
// retries. A model that never produces a usable call yields an empty
// tool_calls list, not an error.
func (a *Agent) selectToolNode(ctx context.Context, state graph.State, res graph.Resources) (graph.State, error) {
	env, err := environmentAs(res)
	if err != nil {
		return nil, err
	}
	stored := messagesFromState(state)
	request := []model.Message{model.NewSystemMessage(selectToolPrompt)}
	request = append(request, stored...)

	rsp, err := a.invokeWithValidatedTools(ctx, env.Model, request)
	if err != nil {
		return nil, fmt.Errorf("tool selection failed: %w", err)
	}

	if !rsp.HasToolCalls() {
		if content := rsp.Content(); content != "" {
			stored = append(stored, model.NewAssistantMessage(content))
		}
		return graph.State{
			StateKeyToolCalls: []model.ToolCall{},
			StateKeyBrain:     brainUpdate(BrainKeyEvaluation, "model produced no usable tool call"),
			StateKeyMessages:  a.prune(stored),
		}, nil
	}

	calls := rsp.ToolCalls()
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	assistant := model.NewAssistantMessage(rsp.Content())
	assistant.ToolCalls = calls
	stored = append(stored, assistant)
	return graph.State{
		StateKeyToolCalls: calls,
		StateKeyMessages:  a.prune(stored),
	}, nil
}

func approvalInterruptKey(toolCallID string) string {
	return "approval:" + toolCallID
}

// approveNode gates sensitive tool calls on a human decision. Tools that do
// not require approval pass through; the rest suspend the thread.
func (a *Agent) approveNode(ctx context.Context, state graph.State, res graph.Resources) (graph.State, error) {
	env, err := environmentAs(res)
	if err != nil {
		return nil, err
	}
	calls := toolCallsFromState(state)
	if len(calls) == 0 {
		return graph.State{}, nil
	}
	tc := calls[0]

	requiresApproval := false
	if t, ok := a.tools.Get(tc.Function.Name); ok {
		requiresApproval = t.Declaration().RequiresApproval
	}
	if !requiresApproval {
		return graph.State{}, nil
	}

	payload := ApprovalRequest{
		ToolCall: tc,
		Message:  fmt.Sprintf("Do you approve executing: %s?", describeToolCall(tc)),
	}
	value, err := graph.Interrupt(state, approvalInterruptKey(tc.ID), payload)
	if err != nil {
		return nil, err
	}
	decision := decisionFrom(value)
	if decision.ToolCallID != "" && decision.ToolCallID != tc.ID {
		// The runner rejects stale resumes before they reach the graph;
		// this is the backstop.
		return nil, &graph.StaleResumeError{
			ThreadID: env.ThreadID,
			Reason:   fmt.Sprintf("decision is for tool call %s, pending is %s", decision.ToolCallID, tc.ID),
		}
	}
	return graph.State{
		StateKeyPendingApproval: map[string]any{
			"tool_call": tc,
			"approved":  decision.Approved,
			"reason":    decision.Reason,
		},
	}, nil
}

// executeNode runs the approved tool calls through the shared collection.
// A denied approval skips execution and records the denial for the model.
func (a *Agent) executeNode(ctx context.Context, state graph.State, res graph.Resources) (graph.State, error) {
	env, err := environmentAs(res)
	if err != nil {
		return nil, err
	}
	calls := toolCallsFromState(state)
	stored := messagesFromState(state)
	update := graph.State{StateKeyToolCalls: []model.ToolCall{}}
	if len(calls) == 0 {
		return update, nil
	}

	approval := approvalFromState(state)
	if deniedApproval(approval, calls) {
		reason := approval.Reason
		if reason == "" {
			reason = "denied by user"
		}
		for _, tc := range calls {
			stored = append(stored, model.NewToolMessage(tc.ID, tc.Function.Name,
				"command not approved: "+reason))
		}
		update[StateKeyBrain] = brainUpdate(BrainKeyEvaluation, "command not approved")
		update[StateKeyMessages] = a.prune(stored)
		return update, nil
	}

	ctx = withEnvironment(ctx, env)
	for _, tc := range calls {
		result := a.tools.Call(ctx, tc.Function.Name, tc.Function.Arguments)
		content := result.Output
		if result.Error != "" {
			content = "error: " + result.Error
			log.Debugf("tool %s failed for thread %s: %s", tc.Function.Name, env.ThreadID, result.Error)
		}
		stored = append(stored, model.NewToolMessage(tc.ID, tc.Function.Name, content))

		if tc.Function.Name == ToolTerminate && result.Error == "" {
			update[graph.StateKeyExiting] = true
			update[StateKeyBrain] = brainUpdate(BrainKeySummary, result.Output)
		}
	}
	update[StateKeyMessages] = a.prune(stored)
	return update, nil
}

// deniedApproval reports whether the recorded decision denies one of the
// calls in this round. Pass-through tools never write a decision, so a
// record from an earlier round does not block them.
func deniedApproval(approval pendingApproval, calls []model.ToolCall) bool {
	if approval.Approved || approval.ToolCall.ID == "" {
		return false
	}
	for _, tc := range calls {
		if tc.ID == approval.ToolCall.ID {
			return true
		}
	}
	return false
}

// thinkNode reviews the last action's outcome and updates the scratch
// space. When the thread is already exiting it does nothing.
func (a *Agent) thinkNode(ctx context.Context, state graph.State, res graph.Resources) (graph.State, error) {
	if exiting, _ := state[graph.StateKeyExiting].(bool); exiting {
		return graph.State{}, nil
	}
	env, err := environmentAs(res)
	if err != nil {
		return nil, err
	}
	stored := messagesFromState(state)
	request := []model.Message{model.NewSystemMessage(thinkPrompt)}
	request = append(request, stored...)

	rsp, err := generate(ctx, env.Model, &model.Request{Messages: request})
	if err != nil {
		return nil, fmt.Errorf("reflection failed: %w", err)
	}
	content := rsp.Content()
	stored = append(stored, model.NewAssistantMessage(content))
	return graph.State{
		StateKeyBrain:    brainUpdate(BrainKeyEvaluation, content),
		StateKeyMessages: a.prune(stored),
	}, nil
}

// prune rebuilds the message sequence within the configured bound, always
// keeping the opening user message so the task stays in context.
func (a *Agent) prune(messages []model.Message) []model.Message {
	if a.maxMessages <= 0 || len(messages) <= a.maxMessages {
		return messages
	}
	pruned := make([]model.Message, 0, a.maxMessages)
	pruned = append(pruned, messages[0])
	pruned = append(pruned, messages[len(messages)-(a.maxMessages-1):]...)
	return pruned
}

// parseSteps extracts plan steps from a model reply, one per "- " or
// numbered line.
func parseSteps(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if step, ok := strings.CutPrefix(line, "- "); ok {
			steps = append(steps, strings.TrimSpace(step))
			continue
		}
		if idx := strings.Index(line, ". "); idx > 0 && idx <= 3 {
			if isDigits(line[:idx]) {
				steps = append(steps, strings.TrimSpace(line[idx+2:]))
			}
		}
	}
	return steps
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func describeToolCall(tc model.ToolCall) string {
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if args == "" || args == "{}" || args == "null" {
		return tc.Function.Name
	}
	return fmt.Sprintf("%s %s", tc.Function.Name, args)
}
