//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package function wraps plain Go functions as callable tools.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/taskpilot-ai/taskpilot/tool"
)

// Tool implements tool.CallableTool for a typed function. Input arguments
// are decoded from JSON into I; the function's O return value becomes the
// tool output.
type Tool[I, O any] struct {
	name             string
	description      string
	requiresApproval bool
	inputSchema      *tool.Schema
	fn               func(ctx context.Context, in I) (O, error)
}

// Option configures a Tool.
type Option func(*options)

type options struct {
	name             string
	description      string
	requiresApproval bool
}

// WithName sets the name of the function tool.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDescription sets the description of the function tool.
func WithDescription(description string) Option {
	return func(o *options) { o.description = description }
}

// WithRequiresApproval marks the tool as needing human confirmation before
// each invocation.
func WithRequiresApproval(requiresApproval bool) Option {
	return func(o *options) { o.requiresApproval = requiresApproval }
}

// New creates a function tool from fn. The input schema is derived from I's
// exported fields and json tags.
func New[I, O any](fn func(ctx context.Context, in I) (O, error), opts ...Option) *Tool[I, O] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &Tool[I, O]{
		name:             o.name,
		description:      o.description,
		requiresApproval: o.requiresApproval,
		inputSchema:      schemaOf(reflect.TypeOf((*I)(nil)).Elem()),
		fn:               fn,
	}
}

// Declaration implements tool.Tool.
func (t *Tool[I, O]) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:             t.name,
		Description:      t.description,
		InputSchema:      t.inputSchema,
		RequiresApproval: t.requiresApproval,
	}
}

// Call implements tool.CallableTool.
func (t *Tool[I, O]) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	var in I
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &in); err != nil {
			return nil, fmt.Errorf("failed to decode arguments for %s: %w", t.name, err)
		}
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// schemaOf derives a JSON schema from a struct type. Non-struct inputs
// produce a permissive object schema.
func schemaOf(t reflect.Type) *tool.Schema {
	if t.Kind() != reflect.Struct {
		return &tool.Schema{Type: "object"}
	}
	schema := &tool.Schema{
		Type:       "object",
		Properties: make(map[string]*tool.Schema),
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, optional := jsonName(field)
		if name == "" {
			continue
		}
		schema.Properties[name] = fieldSchema(field.Type)
		if !optional {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func jsonName(field reflect.StructField) (name string, optional bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = field.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			optional = true
		}
	}
	return name, optional
}

func fieldSchema(t reflect.Type) *tool.Schema {
	switch t.Kind() {
	case reflect.Pointer:
		return fieldSchema(t.Elem())
	case reflect.String:
		return &tool.Schema{Type: "string"}
	case reflect.Bool:
		return &tool.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &tool.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &tool.Schema{Type: "number"}
	case reflect.Slice, reflect.Array:
		return &tool.Schema{Type: "array", Items: fieldSchema(t.Elem())}
	case reflect.Struct:
		return schemaOf(t)
	default:
		return &tool.Schema{Type: "object"}
	}
}
