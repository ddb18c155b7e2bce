//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot-ai/taskpilot/model"
	"github.com/taskpilot-ai/taskpilot/tool"
)

// fakeCompletions serves canned chat completion responses and records the
// request bodies it receives.
type fakeCompletions struct {
	mu       sync.Mutex
	bodies   []map[string]any
	response map[string]any
}

func (f *fakeCompletions) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.response)
	})
}

func completionJSON(content string, toolCalls []map[string]any) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": content,
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
}

func drainResponses(t *testing.T, ch <-chan *model.Response) []*model.Response {
	t.Helper()
	var out []*model.Response
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rsp, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, rsp)
		case <-timeout:
			t.Fatal("timed out waiting for responses")
		}
	}
}

func TestGenerateContentNilRequest(t *testing.T) {
	m := New("test-model", WithAPIKey("test-key"))
	_, err := m.GenerateContent(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "request cannot be nil", err.Error())
}

func TestGenerateContentText(t *testing.T) {
	fake := &fakeCompletions{response: completionJSON("hello there", nil)}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	m := New("test-model", WithAPIKey("test-key"), WithBaseURL(ts.URL))
	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	responses := drainResponses(t, ch)
	require.Len(t, responses, 1)
	rsp := responses[0]
	assert.Nil(t, rsp.Error)
	assert.True(t, rsp.Done)
	assert.Equal(t, "hello there", rsp.Content())
	require.NotNil(t, rsp.Usage)
	assert.Equal(t, 15, rsp.Usage.TotalTokens)
}

func TestGenerateContentToolCalls(t *testing.T) {
	fake := &fakeCompletions{response: completionJSON("", []map[string]any{{
		"id":   "call-1",
		"type": "function",
		"function": map[string]any{
			"name":      "terminal",
			"arguments": `{"script":"ls"}`,
		},
	}})}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	m := New("test-model", WithAPIKey("test-key"), WithBaseURL(ts.URL))
	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("list files")},
	})
	require.NoError(t, err)

	responses := drainResponses(t, ch)
	require.Len(t, responses, 1)
	rsp := responses[0]
	require.True(t, rsp.HasToolCalls())
	calls := rsp.ToolCalls()
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "terminal", calls[0].Function.Name)
	assert.JSONEq(t, `{"script":"ls"}`, string(calls[0].Function.Arguments))
}

func TestGenerateContentAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	m := New("test-model", WithAPIKey("test-key"), WithBaseURL(ts.URL),
		WithOpenAIOptions(openaiopt.WithMaxRetries(0)))
	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	responses := drainResponses(t, ch)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, model.ErrorTypeAPIError, responses[0].Error.Type)
}

func TestRequestCarriesToolDeclarations(t *testing.T) {
	fake := &fakeCompletions{response: completionJSON("ok", nil)}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	decl := &tool.Declaration{
		Name:        "terminal",
		Description: "run a shell command",
		InputSchema: &tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				"script": {Type: "string"},
			},
			Required: []string{"script"},
		},
	}
	m := New("test-model", WithAPIKey("test-key"), WithBaseURL(ts.URL))
	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("hi")},
		Tools:    map[string]tool.Tool{"terminal": declaredTool{decl}},
	})
	require.NoError(t, err)
	drainResponses(t, ch)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.bodies, 1)
	tools, ok := fake.bodies[0]["tools"].([]any)
	require.True(t, ok, "request body should carry tools")
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "terminal", fn["name"])
	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
}

func TestConvertMessagesRoles(t *testing.T) {
	msgs := convertMessages([]model.Message{
		model.NewSystemMessage("sys"),
		model.NewUserMessage("usr"),
		model.NewAssistantMessage("asst"),
		model.NewToolMessage("call-1", "terminal", "output"),
	})
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "call-1", msgs[3].OfTool.ToolCallID)
}

// declaredTool is a minimal tool.Tool carrying only a declaration.
type declaredTool struct {
	decl *tool.Declaration
}

func (d declaredTool) Declaration() *tool.Declaration { return d.decl }
