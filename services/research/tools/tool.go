// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the capability interface the section agent calls,
// the registry that resolves tool names, and the terminal final_answer tool.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Input types a tool may declare. "any" is advertised to the model as
// "string".
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeAny     = "any"
)

var (
	// ErrUnknownTool is wrapped by UnknownToolError.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidDefinition is returned for a tool without a name.
	ErrInvalidDefinition = errors.New("invalid tool definition")

	// ErrMissingArgument is returned when a required named argument is absent.
	ErrMissingArgument = errors.New("missing required argument")
)

// UnknownToolError names the tool that was requested and what exists.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q, should be one of [%s]", e.Name, strings.Join(e.Available, ", "))
}

func (e *UnknownToolError) Unwrap() error { return ErrUnknownTool }

// Input describes one declared argument.
type Input struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Nullable    bool   `json:"nullable,omitempty"`
}

// Definition is a tool's declared surface.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Inputs      map[string]Input `json:"inputs"`
	OutputType  string           `json:"output_type"`
}

// Required returns the non-nullable inputs, sorted.
func (d Definition) Required() []string {
	var required []string
	for name, in := range d.Inputs {
		if !in.Nullable {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// Check verifies named arguments carry every required input. Positional
// arguments are passed through; the tool decides what a bare string means.
func (d Definition) Check(args Args) error {
	if args.IsText() {
		return nil
	}
	for _, name := range d.Required() {
		if v, ok := args.Get(name); !ok || v == nil {
			return fmt.Errorf("%w: %s.%s", ErrMissingArgument, d.Name, name)
		}
	}
	return nil
}

// Tool is one named capability.
//
// Invoke must be safe for concurrent use: an action step may run several
// calls to the same tool at once.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, args Args) (string, error)
}

// Func adapts a function to Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args Args) (string, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Invoke(ctx context.Context, args Args) (string, error) {
	return f.Fn(ctx, args)
}

// schema is the model-facing catalog entry.
type schema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  struct {
		Properties map[string]Input `json:"properties"`
		Required   []string         `json:"required"`
	} `json:"parameters"`
}

func catalogEntry(d Definition) schema {
	var s schema
	s.Name = d.Name
	s.Description = d.Description
	s.Parameters.Properties = make(map[string]Input, len(d.Inputs))
	for name, in := range d.Inputs {
		if in.Type == TypeAny {
			in.Type = TypeString
		}
		s.Parameters.Properties[name] = in
	}
	s.Parameters.Required = d.Required()
	if s.Parameters.Required == nil {
		s.Parameters.Required = []string{}
	}
	return s
}

// MarshalCatalog renders definitions as the indented JSON list sent to the
// model with every action call.
func MarshalCatalog(defs []Definition) (string, error) {
	entries := make([]schema, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, catalogEntry(d))
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
