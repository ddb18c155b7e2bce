//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package environment

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/plan"
)

// Manager hands out environments keyed by thread ID. Concurrent requests
// for the same thread share one creation; a thread never owns two browser
// tabs or two shells.
type Manager struct {
	factory Factory
	plans   *plan.Store
	ttl     time.Duration

	group singleflight.Group

	mu       sync.Mutex
	envs     map[string]*entry
	stopOnce sync.Once
	stop     chan struct{}
}

type entry struct {
	env      *Environment
	lastUsed time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTTL evicts environments idle for longer than ttl, releasing their
// live handles. Zero disables eviction.
func WithIdleTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager creates an environment manager.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		plans:   plan.NewStore(),
		envs:    make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl > 0 {
		go m.evictLoop()
	}
	return m
}

// GetOrCreate returns the thread's environment, creating it if needed.
// Concurrent calls for the same thread collapse into one creation.
func (m *Manager) GetOrCreate(ctx context.Context, threadID string) (*Environment, error) {
	m.mu.Lock()
	if e, ok := m.envs[threadID]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.env, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(threadID, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.envs[threadID]; ok {
			e.lastUsed = time.Now()
			m.mu.Unlock()
			return e.env, nil
		}
		m.mu.Unlock()

		env := newEnvironment(threadID, m.factory, m.plans)
		m.mu.Lock()
		m.envs[threadID] = &entry{env: env, lastUsed: time.Now()}
		m.mu.Unlock()
		return env, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Environment), nil
}

// Get returns the thread's environment without creating one.
func (m *Manager) Get(threadID string) (*Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[threadID]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.env, true
}

// Touch refreshes the thread's idle timer without handing out the
// environment. Suspended threads stay alive while a human decides.
func (m *Manager) Touch(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.envs[threadID]; ok {
		e.lastUsed = time.Now()
	}
}

// Release tears down the thread's environment. Cleanup is best-effort: all
// handles are closed regardless of individual failures.
func (m *Manager) Release(threadID string) error {
	m.mu.Lock()
	e, ok := m.envs[threadID]
	delete(m.envs, threadID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.env.Close(); err != nil {
		log.Warnf("cleanup for thread %s finished with errors: %v", threadID, err)
		return err
	}
	return nil
}

// Threads returns the IDs of all live environments.
func (m *Manager) Threads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.envs))
	for id := range m.envs {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) evictLoop() {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	var expired []string
	for id, e := range m.envs {
		if e.lastUsed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		log.Infof("evicting idle environment for thread %s", id)
		_ = m.Release(id)
	}
}

// Close releases every environment and stops the evictor.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	for _, id := range m.Threads() {
		_ = m.Release(id)
	}
	return nil
}
