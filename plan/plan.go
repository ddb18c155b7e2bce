//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package plan holds the working plan a thread builds and revises while it
// executes a task. Plans are live per-thread scratch space, not part of the
// checkpointed state; nodes that want a durable plan copy it into state.
package plan

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepStatus tracks a step through its lifecycle.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// Step is one entry of a plan.
type Step struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    StepStatus `json:"status"`
	Note      string     `json:"note,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Plan is an ordered list of steps for one task.
type Plan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps one current plan per thread.
type Store struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewStore creates an empty plan store.
func NewStore() *Store {
	return &Store{plans: make(map[string]*Plan)}
}

// Create replaces the thread's plan with a fresh one built from step titles.
func (s *Store) Create(threadID, goal string, stepTitles []string) *Plan {
	now := time.Now().UTC()
	p := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		CreatedAt: now,
		Steps:     make([]Step, 0, len(stepTitles)),
	}
	for _, title := range stepTitles {
		p.Steps = append(p.Steps, Step{
			ID:        uuid.NewString(),
			Title:     title,
			Status:    StepPending,
			UpdatedAt: now,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[threadID] = p
	return p.clone()
}

// Get returns the thread's current plan, or nil.
func (s *Store) Get(threadID string) *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plans[threadID].clone()
}

// UpdateStep changes a step's status and note.
func (s *Store) UpdateStep(threadID, stepID string, status StepStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.plans[threadID]
	if p == nil {
		return fmt.Errorf("thread %s has no plan", threadID)
	}
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			p.Steps[i].Status = status
			p.Steps[i].Note = note
			p.Steps[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("step %s not found in plan for thread %s", stepID, threadID)
}

// AddStep appends a step to the thread's plan.
func (s *Store) AddStep(threadID, title string) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.plans[threadID]
	if p == nil {
		return nil, fmt.Errorf("thread %s has no plan", threadID)
	}
	step := Step{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StepPending,
		UpdatedAt: time.Now().UTC(),
	}
	p.Steps = append(p.Steps, step)
	return &step, nil
}

// Delete removes the thread's plan.
func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, threadID)
}

// NextPending returns the first step that is still pending, or nil.
func (s *Store) NextPending(threadID string) *Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.plans[threadID]
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			step := p.Steps[i]
			return &step
		}
	}
	return nil
}

// Render formats the plan as a numbered checklist for model prompts.
func (p *Plan) Render() string {
	if p == nil {
		return "(no plan)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for i, step := range p.Steps {
		marker := " "
		switch step.Status {
		case StepDone:
			marker = "x"
		case StepInProgress:
			marker = ">"
		case StepSkipped:
			marker = "-"
		case StepFailed:
			marker = "!"
		}
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, marker, step.Title)
		if step.Note != "" {
			fmt.Fprintf(&b, " (%s)", step.Note)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Steps = make([]Step, len(p.Steps))
	copy(clone.Steps, p.Steps)
	return &clone
}
