// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"sync"
)

// Registry resolves tool names for one agent.
//
// Description:
//
//	Registry keeps tools in registration order so the catalog the model sees
//	is stable. Lookups of an unregistered name fail with UnknownToolError
//	rather than being skipped.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry builds a registry holding tools.
//
// Outputs:
//
//	*Registry - The registry.
//	error - ErrDuplicateTool or ErrInvalidDefinition for a bad tool.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidDefinition)
	}
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Catalog renders the JSON tool catalog.
func (r *Registry) Catalog() (string, error) {
	return MarshalCatalog(r.Definitions())
}

// Invoke resolves name, substitutes variables, checks required arguments
// and calls the tool.
//
// Outputs:
//
//	string - The tool output.
//	error - *UnknownToolError, ErrMissingArgument, or the tool's own error.
func (r *Registry) Invoke(ctx context.Context, name string, args Args, vars Variables) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", &UnknownToolError{Name: name, Available: r.Names()}
	}
	resolved := args.Resolve(vars)
	if err := t.Definition().Check(resolved); err != nil {
		return "", err
	}
	return t.Invoke(ctx, resolved)
}
