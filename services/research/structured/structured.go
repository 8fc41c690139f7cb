// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package structured is the single boundary where free-form model output
// becomes typed data.
//
// Model replies are cleaned (thinking blocks, markdown fences and prose
// around the JSON are dropped), repaired when they are not valid JSON, then
// decoded strictly and validated. Callers either get a validated value or an
// error wrapping ErrUnparseable or ErrInvalid; nothing half-parsed leaks out.
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"
)

var (
	// ErrUnparseable means no JSON value could be recovered from the text.
	ErrUnparseable = errors.New("structured: unparseable model output")

	// ErrInvalid means the JSON decoded but failed validation.
	ErrInvalid = errors.New("structured: invalid model output")
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fenced     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Clean strips thinking blocks, unwraps the first fenced block and trims
// the prose around the JSON value.
//
// Each top-level bracketed span is tried in turn, so bracketed prose such as
// "[draft 2]" ahead of the JSON is skipped. The first span that is valid
// JSON wins; when none is, the first span is returned for repair.
func Clean(raw string) string {
	s := strip(raw)
	found := spans(s)
	if len(found) == 0 {
		return s
	}
	for _, sp := range found {
		if json.Valid([]byte(sp)) {
			return sp
		}
	}
	return found[0]
}

// Repair returns valid JSON text recovered from raw. Spans are checked as
// they are first, then each is repaired in order until one yields JSON.
func Repair(raw string) (string, error) {
	s := strip(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty output", ErrUnparseable)
	}
	found := spans(s)
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no JSON object or array", ErrUnparseable)
	}
	for _, sp := range found {
		if json.Valid([]byte(sp)) {
			return sp, nil
		}
	}
	// Bracketed words like "[draft]" repair into valid arrays, so they are
	// tried after every other span.
	var values, words []string
	for _, sp := range found {
		if wordList(sp) {
			words = append(words, sp)
		} else {
			values = append(values, sp)
		}
	}
	var last error
	for _, sp := range append(values, words...) {
		text, err := repair(sp)
		if err == nil {
			return text, nil
		}
		last = err
	}
	return "", last
}

func strip(raw string) string {
	s := thinkBlock.ReplaceAllString(raw, "")
	if i := strings.Index(s, "</think>"); i >= 0 {
		s = s[i+len("</think>"):]
	}
	if m := fenced.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.TrimSpace(s)
}

// spans returns every top-level run of s that opens with '{' or '[' and
// ends at its balancing bracket. Brackets inside double-quoted strings do
// not count. An unbalanced span runs to the end of s.
func spans(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end := balance(s, i)
		out = append(out, s[i:end])
		i = end - 1
	}
	return out
}

// wordList reports whether sp reads like prose: a list opening with a
// letter rather than a JSON value.
func wordList(sp string) bool {
	if len(sp) < 2 || sp[0] != '[' {
		return false
	}
	rest := strings.TrimSpace(sp[1:])
	if rest == "" {
		return false
	}
	return unicode.IsLetter(rune(rest[0]))
}

// balance returns the offset just past the bracket closing s[start].
func balance(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

func repair(text string) (string, error) {
	if json.Valid([]byte(text)) {
		return text, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if !json.Valid([]byte(repaired)) {
		return "", fmt.Errorf("%w: repair produced invalid JSON", ErrUnparseable)
	}
	return repaired, nil
}

// Decode repairs raw, unmarshals it into v and, when v points to a struct,
// runs validator struct tags on it.
func Decode(raw string, v any) error {
	text, err := Repair(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if isStructPtr(v) {
		if err := validate.Struct(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// DecodeValue repairs raw and decodes it without a target schema. The
// result is a map[string]any or []any.
func DecodeValue(raw string) (any, error) {
	text, err := Repair(raw)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return v, nil
}

func isStructPtr(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
}
