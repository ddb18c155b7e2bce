//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local checkpoint saver. It is the
// default saver: threads survive as long as the process does.
package inmemory

import (
	"context"
	"sync"

	"github.com/taskpilot-ai/taskpilot/graph"
)

// Saver stores checkpoints in memory, keyed by thread ID. Each thread keeps
// at most maxPerThread checkpoints; older ones are evicted oldest-first.
type Saver struct {
	mu           sync.RWMutex
	threads      map[string][]*graph.CheckpointTuple
	maxPerThread int
}

// Option configures a Saver.
type Option func(*Saver)

// WithMaxPerThread overrides the per-thread checkpoint retention limit.
func WithMaxPerThread(n int) Option {
	return func(s *Saver) {
		if n > 0 {
			s.maxPerThread = n
		}
	}
}

// NewSaver creates an in-memory checkpoint saver.
func NewSaver(opts ...Option) *Saver {
	s := &Saver{
		threads:      make(map[string][]*graph.CheckpointTuple),
		maxPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put appends a checkpoint to the thread's history.
func (s *Saver) Put(_ context.Context, tuple *graph.CheckpointTuple) error {
	if tuple == nil || tuple.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	stored := &graph.CheckpointTuple{
		ThreadID:   tuple.ThreadID,
		Checkpoint: tuple.Checkpoint.Copy(),
		Metadata:   tuple.Metadata,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.threads[tuple.ThreadID], stored)
	if overflow := len(history) - s.maxPerThread; overflow > 0 {
		history = history[overflow:]
	}
	s.threads[tuple.ThreadID] = history
	return nil
}

// Latest returns the most recent checkpoint for a thread, or nil.
func (s *Saver) Latest(_ context.Context, threadID string) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.threads[threadID]
	if len(history) == 0 {
		return nil, nil
	}
	return copyTuple(history[len(history)-1]), nil
}

// Get returns the checkpoint with the given ID, or ErrCheckpointNotFound.
func (s *Saver) Get(_ context.Context, threadID, checkpointID string) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tuple := range s.threads[threadID] {
		if tuple.Checkpoint != nil && tuple.Checkpoint.ID == checkpointID {
			return copyTuple(tuple), nil
		}
	}
	return nil, graph.ErrCheckpointNotFound
}

// List returns a thread's checkpoints, newest first.
func (s *Saver) List(_ context.Context, threadID string, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.threads[threadID]
	limit := len(history)
	if filter != nil && filter.Limit > 0 && filter.Limit < limit {
		limit = filter.Limit
	}
	result := make([]*graph.CheckpointTuple, 0, limit)
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyTuple(history[i]))
	}
	return result, nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *Saver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close releases all stored checkpoints.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string][]*graph.CheckpointTuple)
	return nil
}

func copyTuple(tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	return &graph.CheckpointTuple{
		ThreadID:   tuple.ThreadID,
		Checkpoint: tuple.Checkpoint.Copy(),
		Metadata:   tuple.Metadata,
	}
}
