// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outline

import (
	"time"

	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
)

// Status is a section's position in the scheduling state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed lists legal moves. IN_PROGRESS -> PENDING is the retry path;
// PENDING/READY -> FAILED is the deadlock pass.
var allowed = map[Status][]Status{
	StatusPending:    {StatusReady, StatusFailed},
	StatusReady:      {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Section is one schedulable unit of research.
//
// Sections are owned by an Outline. Values returned from Outline methods
// are copies; mutate through the Outline.
type Section struct {
	ID            string   `json:"section_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ResearchQuery string   `json:"research_query"`
	DependsOn     []string `json:"depends_on"`

	Status         Status                `json:"status"`
	ResearchResult string                `json:"research_result,omitempty"`
	Trajectory     trajectory.Trajectory `json:"trajectory,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	RetryCount     int                   `json:"retry_count"`

	// CompressedResult is the shortened result used for synthesis when the
	// report exceeds the context budget.
	CompressedResult string `json:"compressed_result,omitempty"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// SynthesisText is the result the synthesizer should see.
func (s Section) SynthesisText() string {
	if s.CompressedResult != "" {
		return s.CompressedResult
	}
	return s.ResearchResult
}

func (s *Section) clone() Section {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Trajectory = s.Trajectory.Clone()
	return c
}

// Transition is one recorded status change.
type Transition struct {
	SectionID string    `json:"section_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`

	// Attempt is the 1-based invocation the transition belongs to.
	Attempt int `json:"attempt"`
}
