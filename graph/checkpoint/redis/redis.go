//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint saver so suspended
// threads survive process restarts. Each thread keeps its checkpoint history
// in a list plus a hash of checkpoint bodies keyed by checkpoint ID.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/taskpilot-ai/taskpilot/graph"
)

// Saver stores checkpoints in Redis.
type Saver struct {
	client       *backend.Client
	prefix       string
	ttl          time.Duration
	maxPerThread int
}

// Option configures a Saver.
type Option func(*Saver)

// WithPrefix sets the key prefix; the default is "taskpilot:checkpoint:".
func WithPrefix(prefix string) Option {
	return func(s *Saver) { s.prefix = prefix }
}

// WithTTL expires a thread's checkpoints after the given idle duration.
// Zero means no expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Saver) { s.ttl = ttl }
}

// WithMaxPerThread overrides the per-thread checkpoint retention limit.
func WithMaxPerThread(n int) Option {
	return func(s *Saver) {
		if n > 0 {
			s.maxPerThread = n
		}
	}
}

// New creates a Redis checkpoint saver against the given address.
func New(address, password string, db int, opts ...Option) *Saver {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a Saver from an existing Redis client.
func NewFromClient(client *backend.Client, opts ...Option) *Saver {
	s := &Saver{
		client:       client,
		prefix:       "taskpilot:checkpoint:",
		maxPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// storedTuple is the wire form of one checkpoint entry.
type storedTuple struct {
	Checkpoint *graph.Checkpoint         `json:"checkpoint"`
	Metadata   *graph.CheckpointMetadata `json:"metadata"`
}

func (s *Saver) listKey(threadID string) string {
	return s.prefix + threadID + ":ids"
}

func (s *Saver) dataKey(threadID string) string {
	return s.prefix + threadID + ":data"
}

// Put appends a checkpoint to the thread's history and trims to the
// retention limit.
func (s *Saver) Put(ctx context.Context, tuple *graph.CheckpointTuple) error {
	if tuple == nil || tuple.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	data, err := json.Marshal(storedTuple{
		Checkpoint: tuple.Checkpoint,
		Metadata:   tuple.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	listKey := s.listKey(tuple.ThreadID)
	dataKey := s.dataKey(tuple.ThreadID)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, listKey, tuple.Checkpoint.ID)
	pipe.HSet(ctx, dataKey, tuple.Checkpoint.ID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, listKey, s.ttl)
		pipe.Expire(ctx, dataKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return s.trim(ctx, tuple.ThreadID)
}

// trim evicts oldest checkpoints beyond the retention limit.
func (s *Saver) trim(ctx context.Context, threadID string) error {
	listKey := s.listKey(threadID)
	length, err := s.client.LLen(ctx, listKey).Result()
	if err != nil {
		return err
	}
	overflow := int(length) - s.maxPerThread
	if overflow <= 0 {
		return nil
	}
	evicted, err := s.client.LPopCount(ctx, listKey, overflow).Result()
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		return s.client.HDel(ctx, s.dataKey(threadID), evicted...).Err()
	}
	return nil
}

// Latest returns the most recent checkpoint for a thread, or nil.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.CheckpointTuple, error) {
	id, err := s.client.LIndex(ctx, s.listKey(threadID), -1).Result()
	if err == backend.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	return s.Get(ctx, threadID, id)
}

// Get returns the checkpoint with the given ID.
func (s *Saver) Get(ctx context.Context, threadID, checkpointID string) (*graph.CheckpointTuple, error) {
	data, err := s.client.HGet(ctx, s.dataKey(threadID), checkpointID).Result()
	if err == backend.Nil {
		return nil, graph.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeTuple(threadID, []byte(data))
}

// List returns a thread's checkpoints, newest first.
func (s *Saver) List(ctx context.Context, threadID string, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	ids, err := s.client.LRange(ctx, s.listKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	limit := len(ids)
	if filter != nil && filter.Limit > 0 && filter.Limit < limit {
		limit = filter.Limit
	}
	result := make([]*graph.CheckpointTuple, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		tuple, err := s.Get(ctx, threadID, ids[i])
		if err != nil {
			return nil, err
		}
		result = append(result, tuple)
	}
	return result, nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	return s.client.Del(ctx, s.listKey(threadID), s.dataKey(threadID)).Err()
}

// Close closes the underlying Redis client.
func (s *Saver) Close() error {
	return s.client.Close()
}

func decodeTuple(threadID string, data []byte) (*graph.CheckpointTuple, error) {
	var stored storedTuple
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if stored.Checkpoint != nil {
		stored.Checkpoint.Normalize()
	}
	return &graph.CheckpointTuple{
		ThreadID:   threadID,
		Checkpoint: stored.Checkpoint,
		Metadata:   stored.Metadata,
	}, nil
}
