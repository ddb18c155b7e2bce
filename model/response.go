//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package model

import "time"

// Error type constants for ResponseError.Type field.
const (
	ErrorTypeStreamError = "stream_error"
	ErrorTypeAPIError    = "api_error"
	ErrorTypeFlowError   = "flow_error"
)

// ResponseError represents an API-level error in a response.
type ResponseError struct {
	// Message is a human-readable error description.
	Message string `json:"message"`
	// Type classifies the error.
	Type string `json:"type"`
}

// Choice represents a single completion choice.
type Choice struct {
	// Index of the choice in the response.
	Index int `json:"index"`
	// Message is the message content.
	Message Message `json:"message,omitempty"`
	// Delta holds incremental content for streaming responses.
	Delta Message `json:"delta,omitempty"`
	// FinishReason is the reason generation stopped, if any.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage holds token accounting for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the response from the model.
//
// The Error field represents API-level errors: the request reached the
// service but the service reported a failure. Transport failures are
// returned from GenerateContent directly.
type Response struct {
	// ID is the provider-assigned response identifier.
	ID string `json:"id,omitempty"`
	// Model is the model that produced the response.
	Model string `json:"model,omitempty"`
	// Created is the provider creation timestamp (unix seconds).
	Created int64 `json:"created,omitempty"`
	// Choices contains the completion choices.
	Choices []Choice `json:"choices"`
	// Usage contains token usage, when reported.
	Usage *Usage `json:"usage,omitempty"`
	// Error contains API-level error information if the request failed.
	Error *ResponseError `json:"error,omitempty"`
	// Timestamp is when this response object was constructed locally.
	Timestamp time.Time `json:"timestamp"`
	// Done indicates the response stream is complete.
	Done bool `json:"done"`
	// IsPartial indicates a streaming delta rather than a final message.
	IsPartial bool `json:"is_partial,omitempty"`
}

// HasToolCalls reports whether the first choice carries tool calls.
func (rsp *Response) HasToolCalls() bool {
	return rsp != nil && len(rsp.Choices) > 0 && len(rsp.Choices[0].Message.ToolCalls) > 0
}

// ToolCalls returns the tool calls of the first choice, if any.
func (rsp *Response) ToolCalls() []ToolCall {
	if rsp == nil || len(rsp.Choices) == 0 {
		return nil
	}
	return rsp.Choices[0].Message.ToolCalls
}

// Content returns the content of the first choice, if any.
func (rsp *Response) Content() string {
	if rsp == nil || len(rsp.Choices) == 0 {
		return ""
	}
	return rsp.Choices[0].Message.Content
}
