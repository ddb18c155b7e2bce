//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package agent defines the automation workflow: plan a task, pick a tool,
// gate sensitive calls on human approval, execute against the thread's
// browser or terminal, reflect, and loop until a terminate call. The
// workflow is a compiled graph executed by the graph package; this package
// contributes the nodes, the state schema, and the tool set.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/model"
	"github.com/taskpilot-ai/taskpilot/tool"
)

const (
	defaultToolRetryBound = 3
	defaultMaxMessages    = 40
)

// Agent is the compiled automation workflow plus its shared tool
// collection. One Agent serves any number of threads concurrently.
type Agent struct {
	tools          *tool.Collection
	graph          *graph.Graph
	toolRetryBound int
	maxMessages    int
}

// Option configures an Agent.
type Option func(*Agent)

// WithToolRetryBound sets how many attempts the tool-selection node gives
// the model to produce a valid tool call. The useful bound is backend
// specific.
func WithToolRetryBound(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.toolRetryBound = n
		}
	}
}

// WithMaxMessages bounds the conversation history kept in state.
func WithMaxMessages(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxMessages = n
		}
	}
}

// WithTools replaces the default tool collection.
func WithTools(tools *tool.Collection) Option {
	return func(a *Agent) { a.tools = tools }
}

// New builds the workflow graph. The graph is immutable and shared
// read-only across threads.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{
		toolRetryBound: defaultToolRetryBound,
		maxMessages:    defaultMaxMessages,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tools == nil {
		tools, err := defaultTools()
		if err != nil {
			return nil, err
		}
		a.tools = tools
	}

	modelRetry := graph.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     5 * time.Second,
		Jitter:          true,
		RetryOn:         []graph.RetryCondition{graph.DefaultTransientCondition()},
	}

	g, err := graph.NewStateGraph(NewStateSchema()).
		AddNode(NodePlan, a.planNode, graph.WithNodeRetry(modelRetry)).
		AddNode(NodeSelectTool, a.selectToolNode, graph.WithNodeRetry(modelRetry)).
		AddNode(NodeApprove, a.approveNode).
		AddNode(NodeExecute, a.executeNode).
		AddNode(NodeThink, a.thinkNode, graph.WithNodeRetry(modelRetry)).
		SetEntryPoint(NodePlan).
		AddEdge(NodePlan, NodeSelectTool).
		AddConditionalEdges(NodeSelectTool, []graph.Branch{
			{When: hasPendingToolCalls, To: NodeApprove},
		}, NodeThink).
		AddEdge(NodeApprove, NodeExecute).
		AddEdge(NodeExecute, NodeThink).
		AddConditionalEdges(NodeThink, []graph.Branch{
			{When: isExiting, To: graph.End},
		}, NodePlan).
		Compile()
	if err != nil {
		return nil, err
	}
	a.graph = g
	return a, nil
}

// Graph returns the compiled workflow graph.
func (a *Agent) Graph() *graph.Graph { return a.graph }

// Tools returns the shared tool collection.
func (a *Agent) Tools() *tool.Collection { return a.tools }

func hasPendingToolCalls(_ context.Context, state graph.State) bool {
	return len(toolCallsFromState(state)) > 0
}

func isExiting(_ context.Context, state graph.State) bool {
	exiting, _ := state[graph.StateKeyExiting].(bool)
	return exiting
}

// generate performs one model call and returns the final response,
// draining any streaming deltas. Response-level errors become Go errors,
// matching the dual error surface of the model interface.
func generate(ctx context.Context, m model.Model, req *model.Request) (*model.Response, error) {
	if m == nil {
		return nil, errors.New("no model configured for this thread")
	}
	ch, err := m.GenerateContent(ctx, req)
	if err != nil {
		return nil, err
	}
	var final *model.Response
	for {
		select {
		case rsp, ok := <-ch:
			if !ok {
				if final == nil {
					return nil, errors.New("model returned no response")
				}
				return final, nil
			}
			if rsp.Error != nil {
				return nil, fmt.Errorf("model error: %s", rsp.Error.Message)
			}
			if !rsp.IsPartial {
				final = rsp
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// invokeWithValidatedTools calls the model with the tool declarations and
// retries, with a corrective instruction, while the reply has no tool calls
// or references unknown tools. After the bound it returns the last response
// stripped to a sentinel no-tool-call reply: that is a valid node outcome
// and the workflow must not crash because the model did not cooperate.
func (a *Agent) invokeWithValidatedTools(ctx context.Context, m model.Model, messages []model.Message) (*model.Response, error) {
	var rsp *model.Response
	for attempt := 1; attempt <= a.toolRetryBound; attempt++ {
		var err error
		rsp, err = generate(ctx, m, &model.Request{
			Messages: messages,
			Tools:    a.tools.Declarations(),
		})
		if err != nil {
			if attempt == a.toolRetryBound || ctx.Err() != nil {
				return nil, err
			}
			log.Debugf("model call failed (attempt %d/%d): %v", attempt, a.toolRetryBound, err)
			continue
		}
		if a.validToolCalls(rsp) {
			return rsp, nil
		}
		log.Debugf("invalid tool selection (attempt %d/%d), retrying with corrective prompt", attempt, a.toolRetryBound)
		messages = append(messages, model.NewUserMessage(correctiveToolPrompt))
	}
	if rsp == nil {
		return &model.Response{Done: true}, nil
	}
	if len(rsp.Choices) > 0 {
		rsp.Choices[0].Message.ToolCalls = nil
	}
	return rsp, nil
}

func (a *Agent) validToolCalls(rsp *model.Response) bool {
	if !rsp.HasToolCalls() {
		return false
	}
	for _, tc := range rsp.ToolCalls() {
		if !a.tools.Has(tc.Function.Name) {
			return false
		}
	}
	return true
}
