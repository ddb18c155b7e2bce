//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"reflect"
	"testing"
)

func TestStateClone(t *testing.T) {
	original := State{"a": 1, "b": "two"}
	clone := original.Clone()
	clone["a"] = 99
	if original["a"] != 1 {
		t.Errorf("Clone should not share top-level entries, got %v", original["a"])
	}
}

func TestApplyUpdateLastWriteWins(t *testing.T) {
	schema := NewStateSchema().
		AddField("task", StateField{Type: reflect.TypeOf(""), Reducer: DefaultReducer})

	state := State{"task": "old"}
	state = schema.ApplyUpdate(state, State{"task": "new"})
	if state["task"] != "new" {
		t.Errorf("Expected last write to win, got %v", state["task"])
	}
}

func TestApplyUpdateUnknownFieldOverwrites(t *testing.T) {
	schema := NewStateSchema()
	state := schema.ApplyUpdate(State{"x": 1}, State{"x": 2})
	if state["x"] != 2 {
		t.Errorf("Expected overwrite for undeclared field, got %v", state["x"])
	}
}

func TestMergeReducer(t *testing.T) {
	existing := map[string]any{"goal": "book flight", "step": 1}
	update := map[string]any{"step": 2, "note": "approved"}
	merged, ok := MergeReducer(existing, update).(map[string]any)
	if !ok {
		t.Fatalf("Expected map result, got %T", merged)
	}
	if merged["goal"] != "book flight" || merged["step"] != 2 || merged["note"] != "approved" {
		t.Errorf("Unexpected merge result: %v", merged)
	}
	// The inputs must not be mutated.
	if existing["step"] != 1 {
		t.Errorf("MergeReducer mutated its input: %v", existing)
	}
}

func TestAppendReducer(t *testing.T) {
	result := AppendReducer([]any{"a"}, []any{"b", "c"})
	got, ok := result.([]any)
	if !ok || len(got) != 3 {
		t.Fatalf("Expected 3 elements, got %v", result)
	}
	if got[0] != "a" || got[2] != "c" {
		t.Errorf("Unexpected order: %v", got)
	}
}

func TestAppendUniqueReducer(t *testing.T) {
	result := AppendUniqueReducer([]any{"a", "b"}, []any{"b", "c", "a"})
	got, ok := result.([]any)
	if !ok {
		t.Fatalf("Expected slice, got %T", result)
	}
	if !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Errorf("Expected deduplicated append, got %v", got)
	}
}

func TestStringSliceReducer(t *testing.T) {
	result := StringSliceReducer([]string{"a"}, []string{"b"})
	if !reflect.DeepEqual(result, []string{"a", "b"}) {
		t.Errorf("Expected concatenation, got %v", result)
	}

	// Nil existing starts from an empty slice.
	result = StringSliceReducer(nil, []string{"x"})
	if !reflect.DeepEqual(result, []string{"x"}) {
		t.Errorf("Expected [x], got %v", result)
	}

	// Mismatched types fall back to the update.
	if StringSliceReducer(3, "y") != "y" {
		t.Error("Expected raw update for non-slice values")
	}
}

func TestReducerAssociativity(t *testing.T) {
	// Applying updates one at a time must equal applying their combination.
	a := []any{"x"}
	b := []any{"y"}
	c := []any{"y", "z"}

	stepwise := AppendUniqueReducer(AppendUniqueReducer(a, b), c)
	combined := AppendUniqueReducer(a, AppendUniqueReducer(b, c))
	if !reflect.DeepEqual(stepwise, combined) {
		t.Errorf("AppendUniqueReducer not associative: %v vs %v", stepwise, combined)
	}
}

func TestApplyDefaults(t *testing.T) {
	schema := NewStateSchema().
		AddField("messages", StateField{
			Type:    reflect.TypeOf([]any{}),
			Reducer: AppendReducer,
			Default: func() any { return []any{} },
		})

	state := schema.ApplyDefaults(State{})
	if _, ok := state["messages"].([]any); !ok {
		t.Errorf("Expected default slice for messages, got %v", state["messages"])
	}
}

func TestValidateRequiredField(t *testing.T) {
	schema := NewStateSchema().
		AddField("task", StateField{Type: reflect.TypeOf(""), Required: true})

	if err := schema.Validate(State{}); err == nil {
		t.Error("Expected validation error for missing required field")
	}
	if err := schema.Validate(State{"task": "do it"}); err != nil {
		t.Errorf("Unexpected validation error: %v", err)
	}
}
