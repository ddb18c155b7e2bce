//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the runner over HTTP: JSON endpoints for thread
// control and server-sent event streams for progress.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/taskpilot-ai/taskpilot/agent"
	"github.com/taskpilot-ai/taskpilot/event"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/metric"
	"github.com/taskpilot-ai/taskpilot/runner"
)

// SubmitRequest starts a task on a thread. ThreadID is optional; a fresh
// thread is created when it is empty.
type SubmitRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Task     string `json:"task"`
}

// ResumeRequest answers a thread's pending approval.
type ResumeRequest struct {
	ThreadID string                 `json:"thread_id"`
	Decision agent.ApprovalDecision `json:"decision"`
}

// RunResponse is the non-streaming response: every event the advance
// produced, in order.
type RunResponse struct {
	ThreadID string         `json:"thread_id"`
	Events   []*event.Event `json:"events"`
}

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to a runner.
type Server struct {
	runner *runner.Runner
	router *mux.Router
}

// Option configures the Server.
type Option func(*Server)

// New wires the HTTP surface around the runner.
func New(rn *runner.Runner, opts ...Option) *Server {
	s := &Server{
		runner: rn,
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	s.router.HandleFunc("/run_sse", s.handleRunSSE).Methods(http.MethodPost)
	s.router.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/resume_sse", s.handleResumeSSE).Methods(http.MethodPost)

	s.router.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{threadId}", s.handleGetThread).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{threadId}/cancel", s.handleCancel).Methods(http.MethodPost)

	s.router.Handle("/metrics", metric.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.HandleFunc("/run", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/run_sse", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/resume", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/resume_sse", preflight).Methods(http.MethodOptions)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	threadID, ch, err := s.runner.Submit(r.Context(), req.ThreadID, req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, RunResponse{ThreadID: threadID, Events: collect(ch)})
}

func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	threadID, ch, err := s.runner.Submit(r.Context(), req.ThreadID, req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Debugf("streaming thread %s", threadID)
	s.streamSSE(w, ch)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeResume(w, r)
	if !ok {
		return
	}
	ch, err := s.runner.Resume(r.Context(), req.ThreadID, req.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, RunResponse{ThreadID: req.ThreadID, Events: collect(ch)})
}

func (s *Server) handleResumeSSE(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeResume(w, r)
	if !ok {
		return
	}
	ch, err := s.runner.Resume(r.Context(), req.ThreadID, req.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streamSSE(w, ch)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.runner.Sessions())
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	sess, ok := s.runner.Session(threadID)
	if !ok {
		s.writeStatus(w, http.StatusNotFound, "thread not found")
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	if err := s.runner.Cancel(threadID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (*SubmitRequest, bool) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func decodeResume(w http.ResponseWriter, r *http.Request) (*ResumeRequest, bool) {
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()
	if req.ThreadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// collect drains the advance's event stream for non-streaming callers.
func collect(ch <-chan *event.Event) []*event.Event {
	events := make([]*event.Event, 0, 16)
	for evt := range ch {
		events = append(events, evt)
	}
	return events
}

// streamSSE writes each event as a server-sent event and flushes after
// every write so callers see progress as it happens.
func (s *Server) streamSSE(w http.ResponseWriter, ch <-chan *event.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for evt := range ch {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Errorf("marshal sse event: %v", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
		flusher.Flush()
	}
}

// writeError maps runner errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var stale *graph.StaleResumeError
	switch {
	case errors.Is(err, runner.ErrUnknownThread):
		s.writeStatus(w, http.StatusNotFound, err.Error())
	case errors.As(err, &stale),
		errors.Is(err, runner.ErrThreadBusy),
		errors.Is(err, runner.ErrThreadSuspended),
		errors.Is(err, runner.ErrNotSuspended),
		errors.Is(err, runner.ErrNotRunning):
		s.writeStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrClosed):
		s.writeStatus(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeStatus(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
