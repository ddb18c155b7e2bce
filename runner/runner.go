//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package runner drives agent threads: it owns the session registry,
// dispatches thread advances onto a worker pool, and enforces the
// submit/resume lifecycle around the graph executor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/taskpilot-ai/taskpilot/agent"
	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/event"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/metric"
)

// Status is a thread's lifecycle state as the runner sees it.
type Status string

// Thread statuses.
const (
	// StatusRunning means an advance is in flight on the worker pool.
	StatusRunning Status = "running"
	// StatusSuspended means the thread is parked on a pending approval.
	StatusSuspended Status = "suspended"
	// StatusTerminated means the thread reached a terminal state.
	StatusTerminated Status = "terminated"
)

// Runner errors.
var (
	// ErrThreadBusy reports a Submit or Resume against a thread that is
	// already advancing.
	ErrThreadBusy = errors.New("runner: thread is already running")
	// ErrThreadSuspended reports a Submit against a suspended thread; the
	// pending approval must be resumed first.
	ErrThreadSuspended = errors.New("runner: thread is suspended pending approval")
	// ErrUnknownThread reports a Resume for a thread with no session and
	// no pending interrupt on record.
	ErrUnknownThread = errors.New("runner: unknown thread")
	// ErrNotSuspended reports a Resume against a thread that is not
	// waiting on a decision.
	ErrNotSuspended = errors.New("runner: thread has no pending approval")
	// ErrNotRunning reports a Cancel against a thread with no advance in
	// flight.
	ErrNotRunning = errors.New("runner: thread is not running")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("runner: closed")
)

const (
	defaultPoolSize   = 64
	defaultSessionTTL = 30 * time.Minute
	eventBufferSize   = 256
)

// Session is the externally visible view of a thread's lifecycle.
type Session struct {
	ThreadID   string                 `json:"thread_id"`
	Status     Status                 `json:"status"`
	Pending    *agent.ApprovalRequest `json:"pending,omitempty"`
	LastActive time.Time              `json:"last_active"`
}

type session struct {
	threadID   string
	status     Status
	pending    *agent.ApprovalRequest
	cancel     context.CancelFunc
	lastActive time.Time
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	poolSize   int
	sessionTTL time.Duration
	execOpts   []graph.ExecutorOption
}

// WithPoolSize bounds how many thread advances run concurrently.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithSessionTTL sets how long an idle session is retained. Terminated
// sessions older than the TTL are dropped; suspended sessions have their
// live resources released but remain resumable from their checkpoint.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.sessionTTL = ttl
		}
	}
}

// WithExecutorOptions forwards options to the underlying graph executor.
func WithExecutorOptions(opts ...graph.ExecutorOption) Option {
	return func(o *options) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// Runner owns thread sessions and advances them through the agent graph.
type Runner struct {
	exec *graph.Executor
	envs *environment.Manager
	pool *ants.Pool

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	sessionTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New builds a Runner around the agent's graph. The checkpoint saver is
// passed through executor options; without one, suspended threads cannot
// survive a restart.
func New(a *agent.Agent, envs *environment.Manager, opts ...Option) (*Runner, error) {
	o := &options{
		poolSize:   defaultPoolSize,
		sessionTTL: defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(o)
	}

	exec, err := graph.NewExecutor(a.Graph(), o.execOpts...)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	r := &Runner{
		exec:       exec,
		envs:       envs,
		pool:       pool,
		sessions:   make(map[string]*session),
		sessionTTL: o.sessionTTL,
		stop:       make(chan struct{}),
	}
	go r.evictLoop()
	return r, nil
}

// Submit starts a new task on the thread. A fresh thread ID is assigned
// when threadID is empty. The returned channel streams progress events and
// closes after the terminal done/error event or once the thread suspends.
func (r *Runner) Submit(ctx context.Context, threadID, task string) (string, <-chan *event.Event, error) {
	if threadID == "" {
		threadID = uuid.New().String()
	}

	runCtx, cancel, err := r.acquire(threadID, false)
	if err != nil {
		return "", nil, err
	}

	invocationID := uuid.New().String()
	inner := make(chan *event.Event, eventBufferSize)
	outer := make(chan *event.Event, eventBufferSize)
	go r.forward(inner, outer)

	submitErr := r.pool.Submit(func() {
		defer close(inner)
		defer cancel()

		env, err := r.envs.GetOrCreate(runCtx, threadID)
		if err != nil {
			r.finishError(threadID, invocationID, inner, fmt.Errorf("acquire environment: %w", err))
			return
		}
		inv := &graph.Invocation{
			ThreadID:     threadID,
			InvocationID: invocationID,
			Resources:    env,
			EventChan:    inner,
		}
		outcome, err := r.exec.Run(runCtx, graph.State{agent.StateKeyTask: task}, inv)
		r.finish(threadID, invocationID, inner, outcome, err)
	})
	if submitErr != nil {
		cancel()
		close(inner)
		r.release(threadID)
		return "", nil, fmt.Errorf("dispatch thread %s: %w", threadID, submitErr)
	}

	metric.RunsStarted.WithLabelValues("submit").Inc()
	return threadID, outer, nil
}

// Resume answers a suspended thread's pending approval. A decision that
// does not reference the pending tool call is rejected with a
// StaleResumeError and the thread stays suspended.
func (r *Runner) Resume(ctx context.Context, threadID string, decision agent.ApprovalDecision) (<-chan *event.Event, error) {
	if err := r.checkPending(ctx, threadID, decision); err != nil {
		return nil, err
	}

	runCtx, cancel, err := r.acquire(threadID, true)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.New().String()
	inner := make(chan *event.Event, eventBufferSize)
	outer := make(chan *event.Event, eventBufferSize)
	go r.forward(inner, outer)

	submitErr := r.pool.Submit(func() {
		defer close(inner)
		defer cancel()

		env, err := r.envs.GetOrCreate(runCtx, threadID)
		if err != nil {
			r.finishError(threadID, invocationID, inner, fmt.Errorf("acquire environment: %w", err))
			return
		}
		inv := &graph.Invocation{
			ThreadID:     threadID,
			InvocationID: invocationID,
			Resources:    env,
			EventChan:    inner,
		}
		outcome, err := r.exec.Resume(runCtx, &graph.ResumeCommand{Value: decision}, inv)
		r.finish(threadID, invocationID, inner, outcome, err)
	})
	if submitErr != nil {
		cancel()
		close(inner)
		r.suspendAgain(threadID)
		return nil, fmt.Errorf("dispatch thread %s: %w", threadID, submitErr)
	}

	metric.RunsStarted.WithLabelValues("resume").Inc()
	return outer, nil
}

// checkPending validates the decision against the thread's pending
// interrupt before any state changes. The session registry is consulted
// first; after a restart the registry is empty and the checkpoint store is
// the source of truth.
func (r *Runner) checkPending(ctx context.Context, threadID string, decision agent.ApprovalDecision) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	sess, ok := r.sessions[threadID]
	if ok {
		switch sess.status {
		case StatusRunning:
			r.mu.Unlock()
			return ErrThreadBusy
		case StatusTerminated:
			r.mu.Unlock()
			return ErrNotSuspended
		}
		pendingID := ""
		if sess.pending != nil {
			pendingID = sess.pending.ToolCall.ID
		}
		r.mu.Unlock()
		return staleCheck(threadID, pendingID, decision)
	}
	r.mu.Unlock()

	// No session on record; recover the pending interrupt from the
	// checkpoint store so suspended threads survive a process restart.
	interrupt, err := r.exec.PendingInterrupt(ctx, threadID)
	if err != nil {
		if errors.Is(err, graph.ErrCheckpointNotFound) {
			return ErrUnknownThread
		}
		return err
	}
	if interrupt == nil {
		return ErrNotSuspended
	}
	return staleCheck(threadID, pendingToolCallID(interrupt.Value), decision)
}

func staleCheck(threadID, pendingID string, decision agent.ApprovalDecision) error {
	if decision.ToolCallID == pendingID {
		return nil
	}
	metric.StaleResumes.Inc()
	return &graph.StaleResumeError{
		ThreadID: threadID,
		Reason:   fmt.Sprintf("decision targets tool call %q, pending approval is %q", decision.ToolCallID, pendingID),
	}
}

// acquire transitions the session to running, rejecting conflicting states.
func (r *Runner) acquire(threadID string, resume bool) (context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}
	sess, ok := r.sessions[threadID]
	if !ok {
		sess = &session{threadID: threadID}
		r.sessions[threadID] = sess
	}
	switch sess.status {
	case StatusRunning:
		return nil, nil, ErrThreadBusy
	case StatusSuspended:
		if !resume {
			return nil, nil, ErrThreadSuspended
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sess.status = StatusRunning
	sess.cancel = cancel
	sess.lastActive = time.Now()
	return runCtx, cancel, nil
}

// release drops a session that never started; used on dispatch failure.
func (r *Runner) release(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, threadID)
}

// suspendAgain puts a session back to suspended after a failed resume
// dispatch so the pending approval is not lost.
func (r *Runner) suspendAgain(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[threadID]; ok {
		sess.status = StatusSuspended
		sess.cancel = nil
		sess.lastActive = time.Now()
	}
}

// forward copies events from the executor's channel to the caller's,
// recording metrics along the way, and closes the caller's channel when
// the advance is over. Delivery is not tied to the run's context: a
// canceled or finished run still gets every buffered event, including the
// terminal one. Slow consumers delay the forwarder, they do not lose
// events.
func (r *Runner) forward(inner <-chan *event.Event, outer chan<- *event.Event) {
	defer close(outer)
	for evt := range inner {
		switch evt.Type {
		case event.TypeNodeStart:
			metric.NodeExecutions.WithLabelValues(evt.Node).Inc()
		case event.TypeInterrupt:
			metric.Interrupts.Inc()
		case event.TypeDone:
			metric.RunsCompleted.WithLabelValues("done").Inc()
		case event.TypeError:
			metric.RunsCompleted.WithLabelValues("error").Inc()
		}
		outer <- evt
	}
}

// finish folds an advance's outcome into the session registry and emits
// the terminal event. The inner channel is buffered and always drained by
// forward, so the sends here do not race cancellation.
func (r *Runner) finish(threadID, invocationID string, ch chan<- *event.Event, outcome *graph.Outcome, err error) {
	if err != nil {
		r.finishError(threadID, invocationID, ch, err)
		return
	}

	if outcome.Interrupt != nil {
		r.mu.Lock()
		if sess, ok := r.sessions[threadID]; ok {
			sess.status = StatusSuspended
			sess.cancel = nil
			sess.pending = approvalRequestFrom(outcome.Interrupt.Value)
			sess.lastActive = time.Now()
		}
		r.mu.Unlock()
		r.envs.Touch(threadID)
		return
	}

	r.terminateSession(threadID)
	if msg, ok := outcome.State[graph.StateKeyError].(string); ok && msg != "" {
		ch <- event.NewError(invocationID, threadID, msg, outcome.State)
	} else {
		ch <- event.NewDone(invocationID, threadID, outcome.State)
	}
	if err := r.envs.Release(threadID); err != nil {
		log.Warnf("release environment for thread %s: %v", threadID, err)
	}
}

// finishError handles failures outside the graph itself, such as a broken
// checkpoint store or environment bring-up.
func (r *Runner) finishError(threadID, invocationID string, ch chan<- *event.Event, err error) {
	r.terminateSession(threadID)
	ch <- event.NewError(invocationID, threadID, err.Error(), nil)
	if relErr := r.envs.Release(threadID); relErr != nil {
		log.Warnf("release environment for thread %s: %v", threadID, relErr)
	}
}

func (r *Runner) terminateSession(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[threadID]; ok {
		sess.status = StatusTerminated
		sess.cancel = nil
		sess.pending = nil
		sess.lastActive = time.Now()
	}
}

// Session returns the current view of a thread, if the runner knows it.
func (r *Runner) Session(threadID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[threadID]
	if !ok {
		return nil, false
	}
	return sess.view(), true
}

// Sessions lists all known threads.
func (r *Runner) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.view())
	}
	return out
}

func (s *session) view() *Session {
	v := &Session{
		ThreadID:   s.threadID,
		Status:     s.status,
		LastActive: s.lastActive,
	}
	if s.pending != nil {
		p := *s.pending
		v.Pending = &p
	}
	return v
}

// Cancel aborts a running advance. The executor folds the cancellation
// into the thread's state and terminates it cleanly.
func (r *Runner) Cancel(threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[threadID]
	if !ok {
		return ErrUnknownThread
	}
	if sess.status != StatusRunning || sess.cancel == nil {
		return ErrNotRunning
	}
	sess.cancel()
	return nil
}

func (r *Runner) evictLoop() {
	interval := r.sessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stop:
			return
		}
	}
}

// evictIdle drops sessions idle past the TTL. Suspended threads lose
// their live resources but keep their checkpoints, so a later Resume
// rebuilds the session from the store.
func (r *Runner) evictIdle() {
	cutoff := time.Now().Add(-r.sessionTTL)
	var evicted []string
	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.status == StatusRunning || sess.lastActive.After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if err := r.envs.Release(id); err != nil {
			log.Warnf("release environment for idle thread %s: %v", id, err)
		}
	}
}

// Close stops the eviction loop, cancels running advances, and releases
// the worker pool. In-flight goroutines observe cancellation and finish.
func (r *Runner) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, sess := range r.sessions {
		if sess.cancel != nil {
			sess.cancel()
		}
	}
	r.mu.Unlock()
	r.pool.Release()
	return nil
}

// approvalRequestFrom normalizes an interrupt payload to an
// ApprovalRequest. Payloads read back from a checkpoint store arrive as
// generic maps.
func approvalRequestFrom(v any) *agent.ApprovalRequest {
	switch req := v.(type) {
	case *agent.ApprovalRequest:
		return req
	case agent.ApprovalRequest:
		return &req
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	req := &agent.ApprovalRequest{}
	if msg, ok := m["message"].(string); ok {
		req.Message = msg
	}
	if tc, ok := m["tool_call"].(map[string]any); ok {
		if id, ok := tc["id"].(string); ok {
			req.ToolCall.ID = id
		}
		if fn, ok := tc["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				req.ToolCall.Function.Name = name
			}
		}
	}
	return req
}

func pendingToolCallID(v any) string {
	if req := approvalRequestFrom(v); req != nil {
		return req.ToolCall.ID
	}
	return ""
}
