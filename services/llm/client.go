// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the model backend shared by the orchestrator and the
// section agents.
//
// A Model turns an ordered list of role-tagged messages into one Response.
// Backends (OpenAI-compatible chat completions, any langchaingo llms.Model)
// are wrapped with rate limiting, per-call timeouts and Prometheus
// instrumentation by New. Every Model returned from this package is safe
// for concurrent use by many sections at once.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse is returned when a backend answers without any choice.
	ErrEmptyResponse = errors.New("llm: backend returned no choices")

	// ErrUnknownBackend is returned by New for an unsupported backend name.
	ErrUnknownBackend = errors.New("llm: unknown backend")
)

// Role tags a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleToolCall and RoleToolResponse mark agent tool traffic. Backends
	// without native tool roles see them as assistant and user turns.
	RoleToolCall     Role = "tool-call"
	RoleToolResponse Role = "tool-response"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response is one model answer.
type Response struct {
	// Text is the answer with any <think> block removed.
	Text string `json:"text"`

	// Reasoning holds thinking text, when the backend exposes it.
	Reasoning string `json:"reasoning,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Model is the backend contract.
type Model interface {
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, messages []Message) (*Response, error)

// Chat calls f.
func (f ModelFunc) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return f(ctx, messages)
}

// GenerationParams are optional sampling controls. Nil means backend default.
type GenerationParams struct {
	Temperature *float32 `yaml:"temperature" json:"temperature,omitempty"`
	TopP        *float32 `yaml:"top_p" json:"top_p,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Stop        []string `yaml:"stop" json:"stop,omitempty"`
}

// NormalizeRoles maps tool roles onto assistant/user and merges
// consecutive turns of the same role, which several chat APIs reject.
func NormalizeRoles(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case RoleToolCall:
			role = RoleAssistant
		case RoleToolResponse:
			role = RoleUser
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}

// SplitReasoning separates a <think>...</think> block from the answer.
// An unterminated block is all reasoning; a stray closing tag marks
// everything before it as reasoning.
func SplitReasoning(text string) (answer, reasoning string) {
	const open, closing = "<think>", "</think>"

	start := strings.Index(text, open)
	end := strings.Index(text, closing)
	switch {
	case start >= 0 && end > start:
		reasoning = text[start+len(open) : end]
		answer = text[:start] + text[end+len(closing):]
	case start >= 0:
		reasoning = text[start+len(open):]
		answer = text[:start]
	case end >= 0:
		reasoning = text[:end]
		answer = text[end+len(closing):]
	default:
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(answer), strings.TrimSpace(reasoning)
}
