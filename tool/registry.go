//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Collection is an immutable name-to-tool registry. It validates arguments
// against each tool's declared input schema before dispatching a call.
//
// A Collection holds no mutable state and is safe for concurrent use by any
// number of goroutines.
type Collection struct {
	tools map[string]CallableTool
}

// NewCollection builds a collection from the given tools. Duplicate names
// are rejected.
func NewCollection(tools ...CallableTool) (*Collection, error) {
	m := make(map[string]CallableTool, len(tools))
	for _, t := range tools {
		decl := t.Declaration()
		if decl == nil || decl.Name == "" {
			return nil, fmt.Errorf("tool has no declared name: %T", t)
		}
		if _, exists := m[decl.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", decl.Name)
		}
		m[decl.Name] = t
	}
	return &Collection{tools: m}, nil
}

// Get returns the tool registered under name.
func (c *Collection) Get(name string) (CallableTool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Has reports whether a tool with the given name is registered.
func (c *Collection) Has(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order.
func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the declarations of all registered tools keyed by name.
func (c *Collection) Declarations() map[string]Tool {
	decls := make(map[string]Tool, len(c.tools))
	for name, t := range c.tools {
		decls[name] = t
	}
	return decls
}

// Call validates jsonArgs against the named tool's input schema and invokes
// it. All failures, including unknown tool names and invalid arguments,
// surface in Result.Error; Call never returns a raised error to the caller.
func (c *Collection) Call(ctx context.Context, name string, jsonArgs []byte) Result {
	t, ok := c.tools[name]
	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if err := validateArgs(t.Declaration().InputSchema, jsonArgs); err != nil {
		return Result{Error: fmt.Sprintf("invalid arguments for %q: %v", name, err)}
	}
	out, err := t.Call(ctx, jsonArgs)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return toResult(out)
}

// validateArgs checks the json-encoded arguments against the schema's
// required properties. A nil schema accepts anything.
func validateArgs(schema *Schema, jsonArgs []byte) error {
	if schema == nil || len(schema.Required) == 0 {
		return nil
	}
	var args map[string]json.RawMessage
	if len(jsonArgs) == 0 {
		jsonArgs = []byte("{}")
	}
	if err := json.Unmarshal(jsonArgs, &args); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("missing required argument %q", required)
		}
	}
	return nil
}

// toResult normalizes an arbitrary tool return value into a Result.
func toResult(out any) Result {
	switch v := out.(type) {
	case Result:
		return v
	case *Result:
		if v != nil {
			return *v
		}
		return Result{}
	case string:
		return Result{Output: v}
	case nil:
		return Result{}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Result{Error: fmt.Sprintf("unencodable tool output: %v", err)}
		}
		return Result{Output: string(data)}
	}
}
