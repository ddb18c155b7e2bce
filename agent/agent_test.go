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
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/graph/checkpoint/inmemory"
	"github.com/taskpilot-ai/taskpilot/model"
)

// scriptedModel replays a fixed sequence of responses and records every
// request it receives.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
	requests  []*model.Request
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	ch := make(chan *model.Response, 1)
	if len(m.responses) == 0 {
		ch <- &model.Response{
			Choices: []model.Choice{{Message: model.NewAssistantMessage("nothing left to say")}},
			Done:    true,
		}
	} else {
		ch <- m.responses[0]
		m.responses = m.responses[1:]
	}
	close(ch)
	return ch, nil
}

func assistantResponse(content string) *model.Response {
	return &model.Response{
		Choices: []model.Choice{{Message: model.NewAssistantMessage(content)}},
		Done:    true,
	}
}

func toolCallResponse(id, name, args string) *model.Response {
	msg := model.NewAssistantMessage("")
	msg.ToolCalls = []model.ToolCall{{
		Type: "function",
		ID:   id,
		Function: model.FunctionDefinitionParam{
			Name:      name,
			Arguments: []byte(args),
		},
	}}
	return &model.Response{Choices: []model.Choice{{Message: msg}}, Done: true}
}

func newHarness(t *testing.T, m model.Model) (*graph.Executor, *environment.Manager) {
	t.Helper()
	a, err := New()
	require.NoError(t, err)

	exec, err := graph.NewExecutor(a.Graph(),
		graph.WithCheckpointSaver(inmemory.NewSaver()),
		graph.WithMaxSteps(50),
	)
	require.NoError(t, err)

	envs := environment.NewManager(environment.Factory{Model: m})
	t.Cleanup(func() { _ = envs.Close() })
	return exec, envs
}

// The full approval-denied scenario: the model proposes deleting a file via
// the terminal, the human denies it, the agent records the denial and winds
// the task down with a terminate call. The denied command must never reach
// the terminal.
func TestAgentDeniedTerminalCommand(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		assistantResponse("- delete file X\n- verify deletion"),
		toolCallResponse("call-1", ToolTerminal, `{"script":"rm X"}`),
		assistantResponse("The command was not approved; the task cannot proceed."),
		assistantResponse("- terminate the task"),
		toolCallResponse("call-2", ToolTerminate, `{"summary":"aborted: user denied the deletion"}`),
	}}

	a, err := New()
	require.NoError(t, err)
	exec, err := graph.NewExecutor(a.Graph(),
		graph.WithCheckpointSaver(inmemory.NewSaver()),
		graph.WithMaxSteps(50),
	)
	require.NoError(t, err)

	term := &recordingTerminal{}
	envs := environment.NewManager(environment.Factory{
		Model:       m,
		NewTerminal: func(ctx context.Context) (environment.Terminal, error) { return term, nil },
	})
	t.Cleanup(func() { _ = envs.Close() })

	ctx := context.Background()
	env, err := envs.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	inv := &graph.Invocation{ThreadID: "t1", Resources: env}

	outcome, err := exec.Run(ctx, graph.State{StateKeyTask: "delete file X"}, inv)
	require.NoError(t, err)
	require.NotNil(t, outcome.Interrupt, "terminal tool call must suspend for approval")
	assert.Equal(t, NodeApprove, outcome.Interrupt.NodeID)

	payload, ok := outcome.Interrupt.Value.(ApprovalRequest)
	require.True(t, ok, "interrupt payload should be an ApprovalRequest, got %T", outcome.Interrupt.Value)
	assert.Equal(t, "call-1", payload.ToolCall.ID)
	assert.Equal(t, ToolTerminal, payload.ToolCall.Function.Name)
	assert.Contains(t, payload.Message, "rm X")

	outcome, err = exec.Resume(ctx, &graph.ResumeCommand{Value: ApprovalDecision{
		ToolCallID: "call-1",
		Approved:   false,
		Reason:     "too risky",
	}}, inv)
	require.NoError(t, err)
	require.Nil(t, outcome.Interrupt)

	state := outcome.State
	assert.Equal(t, true, state[graph.StateKeyExiting])
	assert.Nil(t, state[graph.StateKeyError])

	approval := approvalFromState(state)
	assert.False(t, approval.Approved)
	assert.Equal(t, "call-1", approval.ToolCall.ID)

	// The denial reached the conversation, and the terminate summary
	// reached the scratch space.
	var denialSeen bool
	for _, msg := range messagesFromState(state) {
		if msg.Role == model.RoleTool && msg.ToolID == "call-1" {
			assert.Contains(t, msg.Content, "not approved")
			denialSeen = true
		}
	}
	assert.True(t, denialSeen, "denied tool call must produce a tool message")

	brain, _ := state[StateKeyBrain].(map[string]any)
	require.NotNil(t, brain)
	assert.Contains(t, brain[BrainKeySummary], "aborted")

	assert.Empty(t, term.commands(), "denied command must not execute")
}

// Approving the call executes it against the thread's terminal.
func TestAgentApprovedTerminalCommand(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		assistantResponse("- list files"),
		toolCallResponse("call-1", ToolTerminal, `{"script":"ls"}`),
		assistantResponse("Listing succeeded."),
		assistantResponse("- terminate"),
		toolCallResponse("call-2", ToolTerminate, `{"summary":"done"}`),
	}}

	a, err := New()
	require.NoError(t, err)
	exec, err := graph.NewExecutor(a.Graph(),
		graph.WithCheckpointSaver(inmemory.NewSaver()),
		graph.WithMaxSteps(50),
	)
	require.NoError(t, err)

	term := &recordingTerminal{output: "file-a\nfile-b"}
	envs := environment.NewManager(environment.Factory{
		Model:       m,
		NewTerminal: func(ctx context.Context) (environment.Terminal, error) { return term, nil },
	})
	t.Cleanup(func() { _ = envs.Close() })

	ctx := context.Background()
	env, err := envs.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	inv := &graph.Invocation{ThreadID: "t1", Resources: env}

	outcome, err := exec.Run(ctx, graph.State{StateKeyTask: "list the files"}, inv)
	require.NoError(t, err)
	require.NotNil(t, outcome.Interrupt)

	outcome, err = exec.Resume(ctx, &graph.ResumeCommand{Value: ApprovalDecision{
		ToolCallID: "call-1",
		Approved:   true,
	}}, inv)
	require.NoError(t, err)
	require.Nil(t, outcome.Interrupt)

	assert.Equal(t, []string{"ls"}, term.commands())
	var sawOutput bool
	for _, msg := range messagesFromState(outcome.State) {
		if msg.Role == model.RoleTool && msg.ToolID == "call-1" {
			assert.Contains(t, msg.Content, "file-a")
			sawOutput = true
		}
	}
	assert.True(t, sawOutput)
}

type recordingTerminal struct {
	mu     sync.Mutex
	cmds   []string
	output string
}

func (r *recordingTerminal) Execute(ctx context.Context, cmd string) (*environment.TerminalResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return &environment.TerminalResult{Output: r.output}, nil
}

func (r *recordingTerminal) Close() error { return nil }

func (r *recordingTerminal) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

// A model that never emits a valid tool call gets the corrective prompt up
// to the bound, then the workflow continues with a degenerate outcome.
func TestInvokeWithValidatedToolsRetries(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		assistantResponse("I would rather chat."),
		toolCallResponse("x", "no_such_tool", `{}`),
		assistantResponse("Still chatting."),
	}}
	a, err := New()
	require.NoError(t, err)

	rsp, err := a.invokeWithValidatedTools(context.Background(), m,
		[]model.Message{model.NewUserMessage("do something")})
	require.NoError(t, err)
	assert.False(t, rsp.HasToolCalls(), "exhausted retries must yield a sentinel, not an error")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.requests, 3)
	last := m.requests[2].Messages
	var corrections int
	for _, msg := range last {
		if msg.Role == model.RoleUser && msg.Content == correctiveToolPrompt {
			corrections++
		}
	}
	assert.Equal(t, 2, corrections, "each retry appends one corrective message")
}

func TestInvokeWithValidatedToolsAcceptsFirstValidCall(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", ToolBrowser, `{"action":"navigate","url":"https://example.com"}`),
	}}
	a, err := New()
	require.NoError(t, err)

	rsp, err := a.invokeWithValidatedTools(context.Background(), m,
		[]model.Message{model.NewUserMessage("open example.com")})
	require.NoError(t, err)
	require.True(t, rsp.HasToolCalls())
	assert.Equal(t, ToolBrowser, rsp.ToolCalls()[0].Function.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.requests, 1)
}

// A stale decision is caught even if it slips past the runner.
func TestAgentStaleDecisionBackstop(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		assistantResponse("- delete file X"),
		toolCallResponse("call-1", ToolTerminal, `{"script":"rm X"}`),
	}}
	exec, envs := newHarness(t, m)

	ctx := context.Background()
	env, err := envs.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	inv := &graph.Invocation{ThreadID: "t1", Resources: env}

	outcome, err := exec.Run(ctx, graph.State{StateKeyTask: "delete file X"}, inv)
	require.NoError(t, err)
	require.NotNil(t, outcome.Interrupt)

	outcome, err = exec.Resume(ctx, &graph.ResumeCommand{Value: ApprovalDecision{
		ToolCallID: "call-999",
		Approved:   true,
	}}, inv)
	require.NoError(t, err)
	require.Nil(t, outcome.Interrupt)
	errText, _ := outcome.State[graph.StateKeyError].(string)
	assert.Contains(t, errText, "call-999")
}

func TestParseSteps(t *testing.T) {
	steps := parseSteps("Here is the plan:\n- open the site\n- click login\n3. check inbox\nnot a step")
	assert.Equal(t, []string{"open the site", "click login", "check inbox"}, steps)

	assert.Empty(t, parseSteps("no structure at all"))
}

func TestPruneKeepsTaskMessage(t *testing.T) {
	a, err := New(WithMaxMessages(4))
	require.NoError(t, err)

	msgs := []model.Message{model.NewUserMessage("the task")}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, model.NewAssistantMessage("turn"))
	}
	pruned := a.prune(msgs)
	require.Len(t, pruned, 4)
	assert.Equal(t, "the task", pruned[0].Content)
	assert.Equal(t, model.RoleUser, pruned[0].Role)
}

func TestDecisionFromFlexibleShapes(t *testing.T) {
	d := decisionFrom(ApprovalDecision{Approved: true, ToolCallID: "a"})
	assert.True(t, d.Approved)

	d = decisionFrom(true)
	assert.True(t, d.Approved)

	raw := json.RawMessage(`{"approved": true, "tool_call_id": "b"}`)
	var asAny any
	require.NoError(t, json.Unmarshal(raw, &asAny))
	d = decisionFrom(asAny)
	assert.True(t, d.Approved)
	assert.Equal(t, "b", d.ToolCallID)
}
