//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package environment owns the live resources of a thread: the model client,
// a browser tab, a shell session, and the working plan. These handles exist
// only in process memory, keyed by thread ID. Checkpoints never contain
// them; after a restart a resumed thread gets fresh handles from its
// manager.
package environment

import (
	"context"
	"errors"
	"sync"

	"github.com/taskpilot-ai/taskpilot/model"
	"github.com/taskpilot-ai/taskpilot/plan"
)

// Browser is the page-driving surface agent tools need.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) (string, error)
	Close() error
}

// Terminal is the command-running surface agent tools need.
type Terminal interface {
	Execute(ctx context.Context, command string) (*TerminalResult, error)
	Close() error
}

// TerminalResult mirrors the outcome of one shell command.
type TerminalResult struct {
	Output    string
	ExitCode  int
	Truncated bool
}

// Factory builds live resources on first use. Nil fields disable the
// corresponding resource; tools that need it fail with a clear error.
type Factory struct {
	Model       model.Model
	NewBrowser  func(ctx context.Context) (Browser, error)
	NewTerminal func(ctx context.Context) (Terminal, error)
}

// Environment is the resource bundle for one thread. Handles are created
// lazily: a thread that never touches the browser never opens a tab.
type Environment struct {
	ThreadID string
	Model    model.Model
	Plans    *plan.Store

	factory Factory

	mu       sync.Mutex
	browser  Browser
	terminal Terminal
	closed   bool
}

func newEnvironment(threadID string, factory Factory, plans *plan.Store) *Environment {
	return &Environment{
		ThreadID: threadID,
		Model:    factory.Model,
		Plans:    plans,
		factory:  factory,
	}
}

var errEnvironmentClosed = errors.New("environment is closed")

// Browser returns the thread's browser session, creating it on first use.
func (e *Environment) Browser(ctx context.Context) (Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEnvironmentClosed
	}
	if e.browser != nil {
		return e.browser, nil
	}
	if e.factory.NewBrowser == nil {
		return nil, errors.New("no browser configured for this deployment")
	}
	b, err := e.factory.NewBrowser(ctx)
	if err != nil {
		return nil, err
	}
	e.browser = b
	return b, nil
}

// Terminal returns the thread's shell session, creating it on first use.
func (e *Environment) Terminal(ctx context.Context) (Terminal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEnvironmentClosed
	}
	if e.terminal != nil {
		return e.terminal, nil
	}
	if e.factory.NewTerminal == nil {
		return nil, errors.New("no terminal configured for this deployment")
	}
	term, err := e.factory.NewTerminal(ctx)
	if err != nil {
		return nil, err
	}
	e.terminal = term
	return term, nil
}

// Close releases every live handle the thread acquired. Each handle is
// closed even when an earlier one fails; the errors are joined.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		e.browser = nil
	}
	if e.terminal != nil {
		if err := e.terminal.Close(); err != nil {
			errs = append(errs, err)
		}
		e.terminal = nil
	}
	if e.Plans != nil {
		e.Plans.Delete(e.ThreadID)
	}
	return errors.Join(errs...)
}
