//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot-ai/taskpilot/agent"
	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/event"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/graph/checkpoint/inmemory"
	"github.com/taskpilot-ai/taskpilot/model"
	"github.com/taskpilot-ai/taskpilot/runner"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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

type nopTerminal struct{}

func (nopTerminal) Execute(ctx context.Context, command string) (*environment.TerminalResult, error) {
	return &environment.TerminalResult{Output: "ok"}, nil
}

func (nopTerminal) Close() error { return nil }

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

func terminateScript() []*model.Response {
	return []*model.Response{
		assistantResponse("- wrap up"),
		toolCallResponse("call-done", agent.ToolTerminate, `{"summary":"all done"}`),
	}
}

func approvalScript() []*model.Response {
	return []*model.Response{
		assistantResponse("- list files"),
		toolCallResponse("call-1", agent.ToolTerminal, `{"script":"ls"}`),
		assistantResponse("Looks complete."),
		assistantResponse("- terminate"),
		toolCallResponse("call-2", agent.ToolTerminate, `{"summary":"done"}`),
	}
}

func newTestServer(t *testing.T, m model.Model) *httptest.Server {
	t.Helper()
	envs := environment.NewManager(environment.Factory{
		Model:       m,
		NewTerminal: func(ctx context.Context) (environment.Terminal, error) { return nopTerminal{}, nil },
	})
	t.Cleanup(func() { _ = envs.Close() })

	a, err := agent.New()
	require.NoError(t, err)

	rn, err := runner.New(a, envs,
		runner.WithExecutorOptions(graph.WithCheckpointSaver(inmemory.NewSaver()), graph.WithMaxSteps(50)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rn.Close() })

	ts := httptest.NewServer(New(rn).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rsp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return rsp
}

func decodeRun(t *testing.T, rsp *http.Response) *RunResponse {
	t.Helper()
	defer rsp.Body.Close()
	var out RunResponse
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&out))
	return &out
}

func TestRunEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{responses: terminateScript()})

	rsp := postJSON(t, ts.URL+"/run", SubmitRequest{Task: "wrap up"})
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	out := decodeRun(t, rsp)
	assert.NotEmpty(t, out.ThreadID)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, event.TypeDone, out.Events[len(out.Events)-1].Type)
}

func TestRunRequiresTask(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{})

	rsp := postJSON(t, ts.URL+"/run", SubmitRequest{})
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestApprovalRoundTrip(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{responses: approvalScript()})

	rsp := postJSON(t, ts.URL+"/run", SubmitRequest{Task: "list files"})
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	out := decodeRun(t, rsp)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, event.TypeInterrupt, out.Events[len(out.Events)-1].Type)

	// The thread shows up suspended with its pending approval.
	threadRsp, err := http.Get(ts.URL + "/threads/" + out.ThreadID)
	require.NoError(t, err)
	defer threadRsp.Body.Close()
	require.Equal(t, http.StatusOK, threadRsp.StatusCode)
	var sess runner.Session
	require.NoError(t, json.NewDecoder(threadRsp.Body).Decode(&sess))
	assert.Equal(t, runner.StatusSuspended, sess.Status)
	require.NotNil(t, sess.Pending)
	assert.Equal(t, "call-1", sess.Pending.ToolCall.ID)

	// A stale decision is a conflict and the thread stays suspended.
	staleRsp := postJSON(t, ts.URL+"/resume", ResumeRequest{
		ThreadID: out.ThreadID,
		Decision: agent.ApprovalDecision{ToolCallID: "call-999", Approved: true},
	})
	defer staleRsp.Body.Close()
	assert.Equal(t, http.StatusConflict, staleRsp.StatusCode)

	resumeRsp := postJSON(t, ts.URL+"/resume", ResumeRequest{
		ThreadID: out.ThreadID,
		Decision: agent.ApprovalDecision{ToolCallID: "call-1", Approved: true},
	})
	require.Equal(t, http.StatusOK, resumeRsp.StatusCode)
	resumed := decodeRun(t, resumeRsp)
	require.NotEmpty(t, resumed.Events)
	assert.Equal(t, event.TypeDone, resumed.Events[len(resumed.Events)-1].Type)
}

func TestResumeUnknownThreadIsNotFound(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{})

	rsp := postJSON(t, ts.URL+"/resume", ResumeRequest{
		ThreadID: "no-such-thread",
		Decision: agent.ApprovalDecision{Approved: true},
	})
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)
}

func TestRunSSEStreamsEvents(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{responses: terminateScript()})

	data, err := json.Marshal(SubmitRequest{Task: "wrap up"})
	require.NoError(t, err)
	rsp, err := http.Post(ts.URL+"/run_sse", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer rsp.Body.Close()

	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "text/event-stream", rsp.Header.Get("Content-Type"))

	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf("event: %s", event.TypeNodeStart))
	assert.Contains(t, string(body), fmt.Sprintf("event: %s", event.TypeDone))

	// Each frame is a well-formed data line.
	for _, line := range strings.Split(string(body), "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			var evt event.Event
			assert.NoError(t, json.Unmarshal([]byte(rest), &evt))
		}
	}
}

func TestListThreads(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{responses: terminateScript()})

	rsp := postJSON(t, ts.URL+"/run", SubmitRequest{Task: "wrap up"})
	out := decodeRun(t, rsp)

	listRsp, err := http.Get(ts.URL + "/threads")
	require.NoError(t, err)
	defer listRsp.Body.Close()
	var sessions []*runner.Session
	require.NoError(t, json.NewDecoder(listRsp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, out.ThreadID, sessions[0].ThreadID)
	assert.Equal(t, runner.StatusTerminated, sessions[0].Status)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{})

	rsp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedModel{responses: terminateScript()})

	rsp := postJSON(t, ts.URL+"/run", SubmitRequest{Task: "wrap up"})
	decodeRun(t, rsp)

	metricsRsp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsRsp.Body.Close()
	require.Equal(t, http.StatusOK, metricsRsp.StatusCode)
	body, err := io.ReadAll(metricsRsp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskpilot_runs_started_total")
}
