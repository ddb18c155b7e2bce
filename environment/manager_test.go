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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	closed   atomic.Bool
	closeErr error
}

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error       { return nil }
func (f *fakeBrowser) Click(ctx context.Context, selector string) error     { return nil }
func (f *fakeBrowser) Type(ctx context.Context, sel, text string) error     { return nil }
func (f *fakeBrowser) Text(ctx context.Context, sel string) (string, error) { return "", nil }
func (f *fakeBrowser) URL(ctx context.Context) (string, error)              { return "", nil }
func (f *fakeBrowser) Screenshot(ctx context.Context) (string, error)       { return "", nil }
func (f *fakeBrowser) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

type fakeTerminal struct {
	closed   atomic.Bool
	closeErr error
}

func (f *fakeTerminal) Execute(ctx context.Context, cmd string) (*TerminalResult, error) {
	return &TerminalResult{Output: "ok"}, nil
}
func (f *fakeTerminal) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

func TestManagerSharesEnvironmentPerThread(t *testing.T) {
	var creations atomic.Int64
	m := NewManager(Factory{
		NewBrowser: func(ctx context.Context) (Browser, error) {
			creations.Add(1)
			return &fakeBrowser{}, nil
		},
	})
	defer m.Close()

	ctx := context.Background()
	env1, err := m.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	env2, err := m.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	assert.Same(t, env1, env2)

	other, err := m.GetOrCreate(ctx, "t2")
	require.NoError(t, err)
	assert.NotSame(t, env1, other)
}

func TestManagerConcurrentCreateIsIdempotent(t *testing.T) {
	var browserCount atomic.Int64
	m := NewManager(Factory{
		NewBrowser: func(ctx context.Context) (Browser, error) {
			browserCount.Add(1)
			return &fakeBrowser{}, nil
		},
	})
	defer m.Close()

	const goroutines = 32
	envs := make([]*Environment, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := m.GetOrCreate(context.Background(), "t1")
			if !assert.NoError(t, err) {
				return
			}
			// Touch the lazy browser too, from every goroutine.
			_, err = env.Browser(context.Background())
			assert.NoError(t, err)
			envs[i] = env
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, envs[0], envs[i])
	}
	assert.Equal(t, int64(1), browserCount.Load(), "exactly one browser per thread")
}

func TestEnvironmentLazyCreation(t *testing.T) {
	var created atomic.Int64
	m := NewManager(Factory{
		NewTerminal: func(ctx context.Context) (Terminal, error) {
			created.Add(1)
			return &fakeTerminal{}, nil
		},
	})
	defer m.Close()

	env, err := m.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Load(), "no terminal until first use")

	_, err = env.Terminal(context.Background())
	require.NoError(t, err)
	_, err = env.Terminal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Load())

	// No browser factory configured.
	_, err = env.Browser(context.Background())
	assert.Error(t, err)
}

func TestManagerReleaseClosesAllHandles(t *testing.T) {
	browser := &fakeBrowser{closeErr: errors.New("tab already gone")}
	terminal := &fakeTerminal{}
	m := NewManager(Factory{
		NewBrowser:  func(ctx context.Context) (Browser, error) { return browser, nil },
		NewTerminal: func(ctx context.Context) (Terminal, error) { return terminal, nil },
	})
	defer m.Close()

	env, err := m.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)
	_, err = env.Browser(context.Background())
	require.NoError(t, err)
	_, err = env.Terminal(context.Background())
	require.NoError(t, err)

	err = m.Release("t1")
	require.Error(t, err, "browser close failure must surface")
	assert.True(t, browser.closed.Load())
	assert.True(t, terminal.closed.Load(), "terminal must close even when browser close fails")

	_, ok := m.Get("t1")
	assert.False(t, ok)

	// Releasing an unknown thread is a no-op.
	assert.NoError(t, m.Release("t1"))
}

func TestEnvironmentClosedRejectsUse(t *testing.T) {
	m := NewManager(Factory{
		NewTerminal: func(ctx context.Context) (Terminal, error) { return &fakeTerminal{}, nil },
	})
	defer m.Close()

	env, err := m.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)
	require.NoError(t, m.Release("t1"))

	_, err = env.Terminal(context.Background())
	assert.ErrorIs(t, err, errEnvironmentClosed)
}

func TestManagerIdleEviction(t *testing.T) {
	terminal := &fakeTerminal{}
	m := NewManager(Factory{
		NewTerminal: func(ctx context.Context) (Terminal, error) { return terminal, nil },
	}, WithIdleTTL(30*time.Millisecond))
	defer m.Close()

	env, err := m.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)
	_, err = env.Terminal(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return terminal.closed.Load()
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := m.Get("t1")
	assert.False(t, ok)
}
