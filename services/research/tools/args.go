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
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Args holds a tool call's arguments in one of the two legal shapes: a
// single positional string, or a mapping of named arguments.
//
// The zero value is an empty mapping.
type Args struct {
	text       string
	named      map[string]any
	positional bool
}

// Text returns positional arguments.
func Text(s string) Args {
	return Args{text: s, positional: true}
}

// Named returns named arguments. m is copied.
func Named(m map[string]any) Args {
	return Args{named: maps.Clone(m)}
}

// IsText reports whether the call used the positional string shape.
func (a Args) IsText() bool { return a.positional }

// Text returns the positional string, or "" for named arguments.
func (a Args) Text() string { return a.text }

// Map returns a copy of the named arguments. Nil for positional arguments.
func (a Args) Map() map[string]any {
	if a.positional {
		return nil
	}
	if a.named == nil {
		return map[string]any{}
	}
	return maps.Clone(a.named)
}

// Get returns one named argument.
func (a Args) Get(key string) (any, bool) {
	if a.positional {
		return nil, false
	}
	v, ok := a.named[key]
	return v, ok
}

// String returns a named argument as a string. Non-string values are
// rendered with fmt.
func (a Args) String(key string) (string, bool) {
	v, ok := a.Get(key)
	if !ok || v == nil {
		return "", false
	}
	if s, isString := v.(string); isString {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Render is the form used in observation labels and logs: the raw string
// for positional arguments, compact JSON for named ones.
func (a Args) Render() string {
	if a.positional {
		return a.text
	}
	data, err := json.Marshal(a.named)
	if err != nil || a.named == nil {
		return "{}"
	}
	return string(data)
}

// Resolve replaces string values that name an entry in vars with the stored
// value. Positional arguments are replaced only by string values. The
// receiver is left untouched.
func (a Args) Resolve(vars Variables) Args {
	if len(vars) == 0 {
		return a
	}
	if a.positional {
		if v, ok := vars[a.text]; ok {
			if s, isString := v.(string); isString {
				return Text(s)
			}
		}
		return a
	}
	out := Args{named: make(map[string]any, len(a.named))}
	for k, v := range a.named {
		if s, isString := v.(string); isString {
			if stored, ok := vars[s]; ok {
				out.named[k] = stored
				continue
			}
		}
		out.named[k] = v
	}
	return out
}

// MarshalJSON encodes positional arguments as a JSON string and named
// arguments as an object.
func (a Args) MarshalJSON() ([]byte, error) {
	if a.positional {
		return json.Marshal(a.text)
	}
	if a.named == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.named)
}

// UnmarshalJSON accepts a string, an object or null. Any other JSON value
// becomes a positional argument holding its raw text.
func (a *Args) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*a = Args{}
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*a = Text(s)
	case trimmed[0] == '{':
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return err
		}
		*a = Args{named: m}
	default:
		*a = Text(string(trimmed))
	}
	return nil
}

// Variables is the run-scoped value store one section invocation threads
// through tool dispatch. Tools only read it.
type Variables map[string]any
