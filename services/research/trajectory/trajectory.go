// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trajectory holds the step log one section agent run produces.
//
// A Trajectory is the agent's conversation history while it runs and the
// audit trail the orchestrator stores on the section afterwards. Once handed
// over it is treated as immutable; Clone before modifying.
package trajectory

import (
	"time"

	"github.com/AleutianAI/AleutianReport/services/research/tools"
)

// Kind is a step type.
type Kind string

const (
	KindTask    Kind = "task"
	KindPlan    Kind = "plan"
	KindSummary Kind = "summary"
	KindAction  Kind = "action"
)

// ToolCall is one requested tool invocation and its outcome.
type ToolCall struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Arguments tools.Args `json:"arguments"`

	// Goal and Path are free-text tags for traceability only.
	Goal string `json:"goal,omitempty"`
	Path string `json:"path,omitempty"`

	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Duration is how long the call ran.
func (c ToolCall) Duration() time.Duration {
	if c.StartedAt.IsZero() || c.FinishedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// Step is one entry of a Trajectory.
type Step struct {
	Kind   Kind `json:"kind"`
	Number int  `json:"step"`

	// Content is the task text, plan or summary.
	Content string `json:"content,omitempty"`

	// Think is the model's stated rationale for an action.
	Think string `json:"think,omitempty"`

	// Reasoning is backend thinking text, when exposed.
	Reasoning string `json:"reasoning,omitempty"`

	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Observations string     `json:"observations,omitempty"`

	// Output is set on the step that produced the loop's answer.
	Output string `json:"output,omitempty"`

	// Error flags a failed or terminal step. The max-steps fallback step
	// always carries one.
	Error string `json:"error,omitempty"`

	StartedAt     time.Time `json:"started_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
	LLMStartedAt  time.Time `json:"llm_started_at,omitzero"`
	LLMFinishedAt time.Time `json:"llm_finished_at,omitzero"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Duration is the wall time of the step.
func (s Step) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// LLMDuration is the time spent waiting on the model.
func (s Step) LLMDuration() time.Duration {
	if s.LLMStartedAt.IsZero() || s.LLMFinishedAt.IsZero() {
		return 0
	}
	return s.LLMFinishedAt.Sub(s.LLMStartedAt)
}

// Trajectory is an ordered, append-only step log.
type Trajectory []Step

// Tokens sums input and output tokens across steps.
func (t Trajectory) Tokens() (input, output int) {
	for _, s := range t {
		input += s.InputTokens
		output += s.OutputTokens
	}
	return input, output
}

// Count returns how many steps have kind k.
func (t Trajectory) Count(k Kind) int {
	n := 0
	for _, s := range t {
		if s.Kind == k {
			n++
		}
	}
	return n
}

// Last returns the final step.
func (t Trajectory) Last() (Step, bool) {
	if len(t) == 0 {
		return Step{}, false
	}
	return t[len(t)-1], true
}

// Clone deep-copies the step and tool call slices.
func (t Trajectory) Clone() Trajectory {
	if t == nil {
		return nil
	}
	out := make(Trajectory, len(t))
	for i, s := range t {
		if s.ToolCalls != nil {
			s.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
		}
		out[i] = s
	}
	return out
}
