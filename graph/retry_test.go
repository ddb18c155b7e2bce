//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSimpleRetry(t *testing.T) {
	p := WithSimpleRetry(4)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.True(t, p.Jitter)
	require.Len(t, p.RetryOn, 1)
	assert.True(t, p.ShouldRetry(context.DeadlineExceeded))
	assert.False(t, p.ShouldRetry(errors.New("schema mismatch")))

	// A degenerate attempt count still means one try.
	assert.Equal(t, 1, WithSimpleRetry(0).MaxAttempts)
}

func TestRetryOnErrors(t *testing.T) {
	errConnReset := errors.New("connection reset")
	cond := RetryOnErrors(nil, errConnReset)

	assert.True(t, cond.Match(errConnReset))
	assert.True(t, cond.Match(fmt.Errorf("dial: %w", errConnReset)))
	assert.False(t, cond.Match(errors.New("permission denied")))
}

func TestNextDelayBacksOffAndCaps(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     25 * time.Millisecond,
	}
	assert.Equal(t, 10*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 20*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 25*time.Millisecond, p.NextDelay(3), "delay must cap at MaxInterval")
}

func TestShouldRetryNeverRetriesInterrupts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	assert.True(t, p.ShouldRetry(errors.New("anything")), "empty RetryOn retries every failure")
	assert.False(t, p.ShouldRetry(NewInterruptError("approval", "ok?")))
}

// A policy scoped to specific errors must not retry anything else.
func TestExecutorRetrySkipsNonMatchingErrors(t *testing.T) {
	errTransient := errors.New("transient")
	attempts := 0
	g := NewStateGraph(countingSchema()).
		AddNode("fragile", func(ctx context.Context, state State, res Resources) (State, error) {
			attempts++
			return nil, errors.New("config invalid")
		}, WithNodeRetry(RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			RetryOn:         []RetryCondition{RetryOnErrors(errTransient)},
		})).
		AddEdge("fragile", End).
		SetEntryPoint("fragile").
		MustCompile()

	exec, err := NewExecutor(g)
	require.NoError(t, err)

	outcome, err := exec.Run(context.Background(), State{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "non-matching errors must fail on the first attempt")
	assert.Contains(t, outcome.State[StateKeyError], "config invalid")
}
