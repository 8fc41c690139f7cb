// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package outline is the report DAG: sections, dependency edges, the
// section status state machine, and the validation and readiness queries
// the orchestrator schedules from.
//
// The package does no I/O. One Outline exists per run; it is created once
// from the plan and mutated only by the orchestrator's scheduling loop.
package outline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
)

const (
	// DefaultContextLimit caps each dependency result handed to a dependent.
	DefaultContextLimit = 2000

	// TruncationMarker is appended to a clipped dependency result.
	TruncationMarker = "... [truncated]"

	// DeadlockMessage prefixes the error of a section whose dependency
	// never completed.
	DeadlockMessage = "deadlock: dependency never completed"
)

// Builder assembles and validates an Outline.
//
// Thread Safety: Builder is NOT safe for concurrent use.
//
// Example:
//
//	o, err := outline.NewBuilder(topic, title).
//	    AddSection(outline.Section{ID: "a", Title: "Background"}).
//	    AddSection(outline.Section{ID: "b", Title: "Impact", DependsOn: []string{"a"}}).
//	    Build()
type Builder struct {
	topic    string
	title    string
	sections []*Section
	seen     map[string]bool
	errs     []error
}

// NewBuilder starts an outline. An empty title falls back to the topic.
func NewBuilder(topic, title string) *Builder {
	if strings.TrimSpace(title) == "" {
		title = topic
	}
	return &Builder{topic: topic, title: title, seen: make(map[string]bool)}
}

// AddSection appends a section. Status and result fields are reset to a
// fresh PENDING section; duplicate dependency ids are collapsed.
func (b *Builder) AddSection(s Section) *Builder {
	id := strings.TrimSpace(s.ID)
	switch {
	case id == "":
		b.errs = append(b.errs, fmt.Errorf("%w: missing section_id (title %q)", ErrInvalidSection, s.Title))
		return b
	case strings.TrimSpace(s.Title) == "":
		b.errs = append(b.errs, &SectionError{SectionID: id, Err: fmt.Errorf("%w: missing title", ErrInvalidSection)})
		return b
	case b.seen[id]:
		b.errs = append(b.errs, &SectionError{SectionID: id, Err: ErrDuplicateSection})
		return b
	}

	deps := make([]string, 0, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == id {
			b.errs = append(b.errs, &SectionError{SectionID: id, Err: ErrSelfDependency})
			return b
		}
		if dep != "" && !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	b.seen[id] = true
	b.sections = append(b.sections, &Section{
		ID:            id,
		Title:         s.Title,
		Description:   s.Description,
		ResearchQuery: s.ResearchQuery,
		DependsOn:     deps,
		Status:        StatusPending,
	})
	return b
}

// Build returns the outline, or the first recorded error, ErrEmptyOutline,
// or a validation error.
func (b *Builder) Build() (*Outline, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.sections) == 0 {
		return nil, ErrEmptyOutline
	}

	o := &Outline{
		topic:    b.topic,
		title:    b.title,
		sections: b.sections,
		index:    make(map[string]*Section, len(b.sections)),
		now:      time.Now,
	}
	for _, s := range b.sections {
		o.index[s.ID] = s
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Outline is the DAG for one report run.
//
// Thread Safety: all methods are safe for concurrent use. Status changes
// are still expected to come from a single scheduling goroutine.
type Outline struct {
	mu       sync.RWMutex
	topic    string
	title    string
	sections []*Section
	index    map[string]*Section
	history  []Transition
	now      func() time.Time
}

func (o *Outline) Topic() string { return o.topic }
func (o *Outline) Title() string { return o.title }

// Len returns the number of sections.
func (o *Outline) Len() int { return len(o.sections) }

// Validate checks that every dependency resolves and that the
// dependency -> dependent graph is acyclic. nil means valid.
//
// Description:
//
//	Cycle detection is a three-color depth-first traversal: white nodes are
//	unvisited, gray nodes are on the current path, black nodes are fully
//	explored. Reaching a gray node again closes a cycle. Sections are
//	visited in outline order so the reported cycle is deterministic.
//
// Outputs:
//
//	error - *DanglingDependencyError, *CycleError, or nil.
func (o *Outline) Validate() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, s := range o.sections {
		for _, dep := range s.DependsOn {
			if _, ok := o.index[dep]; !ok {
				return &DanglingDependencyError{SectionID: s.ID, DependsOn: dep}
			}
		}
	}

	dependents := make(map[string][]string, len(o.sections))
	for _, s := range o.sections {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(o.sections))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, next := range dependents[id] {
			switch color[next] {
			case gray:
				start := slices.Index(path, next)
				cycle := append(slices.Clone(path[start:]), next)
				return &CycleError{Path: cycle}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, s := range o.sections {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySections moves every PENDING section whose dependencies are all
// COMPLETED to READY and returns copies of them in outline order.
//
// Only sections transitioned by this call are returned, so a second call
// with no status change in between returns nothing.
func (o *Outline) ReadySections() []Section {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ready []Section
	for _, s := range o.sections {
		if s.Status != StatusPending || !o.depsCompletedLocked(s) {
			continue
		}
		o.transitionLocked(s, StatusReady)
		ready = append(ready, s.clone())
	}
	return ready
}

func (o *Outline) depsCompletedLocked(s *Section) bool {
	for _, dep := range s.DependsOn {
		if d, ok := o.index[dep]; !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// IsFullyResolved reports whether every section is COMPLETED or FAILED.
func (o *Outline) IsFullyResolved() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.sections {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// DependencyContext joins the COMPLETED results of ids as
// "### {title}\n{result}" blocks separated by blank lines, in outline order.
// Each result is cut to limit characters (DefaultContextLimit when
// limit <= 0) and marked with TruncationMarker.
func (o *Outline) DependencyContext(ids []string, limit int) string {
	if len(ids) == 0 {
		return ""
	}
	if limit <= 0 {
		limit = DefaultContextLimit
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var parts []string
	for _, s := range o.sections {
		if !slices.Contains(ids, s.ID) || s.Status != StatusCompleted || s.ResearchResult == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", s.Title, truncate(s.ResearchResult, limit)))
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationMarker
}

// Start moves a READY section to IN_PROGRESS.
func (o *Outline) Start(id string) (Section, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.moveLocked(id, StatusInProgress)
	if err != nil {
		return Section{}, err
	}
	s.StartedAt = o.history[len(o.history)-1].At
	s.FinishedAt = time.Time{}
	return s.clone(), nil
}

// Complete records a successful invocation.
func (o *Outline) Complete(id, result string, traj trajectory.Trajectory) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.moveLocked(id, StatusCompleted)
	if err != nil {
		return err
	}
	s.ResearchResult = result
	s.Trajectory = traj.Clone()
	s.FinishedAt = o.history[len(o.history)-1].At
	return nil
}

// Fail records a failed invocation of an IN_PROGRESS section.
//
// Description:
//
//	RetryCount is incremented. While it is still <= maxRetries the section
//	returns to PENDING for another invocation; otherwise it becomes FAILED.
//	ErrorMessage always reflects this failure.
//
// Outputs:
//
//	Status - PENDING (will retry) or FAILED.
//	error - ErrSectionNotFound or a *TransitionError.
func (o *Outline) Fail(id string, cause error, traj trajectory.Trajectory, maxRetries int) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.index[id]
	if !ok {
		return "", &SectionError{SectionID: id, Err: ErrSectionNotFound}
	}
	if s.Status != StatusInProgress {
		return "", &TransitionError{SectionID: id, From: s.Status, To: StatusFailed}
	}

	s.RetryCount++
	s.Trajectory = traj.Clone()
	s.FinishedAt = o.now()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if s.RetryCount <= maxRetries {
		s.ErrorMessage = msg
		o.transitionLocked(s, StatusPending)
		return StatusPending, nil
	}
	s.ErrorMessage = fmt.Sprintf("failed after %d retries: %s", maxRetries, msg)
	o.transitionLocked(s, StatusFailed)
	return StatusFailed, nil
}

// Abort fails an unfinished section without a retry, e.g. on shutdown.
func (o *Outline) Abort(id, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.moveLocked(id, StatusFailed)
	if err != nil {
		return err
	}
	s.ErrorMessage = reason
	s.FinishedAt = o.history[len(o.history)-1].At
	return nil
}

// FailUnresolved forces every PENDING or READY section to FAILED with a
// deadlock error naming the dependencies that never completed. It returns
// the affected ids in outline order.
func (o *Outline) FailUnresolved() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var failed []string
	for _, s := range o.sections {
		if s.Status != StatusPending && s.Status != StatusReady {
			continue
		}
		var blocking []string
		for _, dep := range s.DependsOn {
			if d := o.index[dep]; d == nil || d.Status != StatusCompleted {
				blocking = append(blocking, dep)
			}
		}
		s.ErrorMessage = DeadlockMessage
		if len(blocking) > 0 {
			s.ErrorMessage += " (" + strings.Join(blocking, ", ") + ")"
		}
		o.transitionLocked(s, StatusFailed)
		failed = append(failed, s.ID)
	}
	return failed
}

// SetCompressed stores the synthesis-sized version of a section's result.
func (o *Outline) SetCompressed(id, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.index[id]
	if !ok {
		return &SectionError{SectionID: id, Err: ErrSectionNotFound}
	}
	s.CompressedResult = text
	return nil
}

func (o *Outline) moveLocked(id string, to Status) (*Section, error) {
	s, ok := o.index[id]
	if !ok {
		return nil, &SectionError{SectionID: id, Err: ErrSectionNotFound}
	}
	if !CanTransition(s.Status, to) {
		return nil, &TransitionError{SectionID: id, From: s.Status, To: to}
	}
	o.transitionLocked(s, to)
	return s, nil
}

func (o *Outline) transitionLocked(s *Section, to Status) {
	o.history = append(o.history, Transition{
		SectionID: s.ID,
		From:      s.Status,
		To:        to,
		At:        o.now(),
		Attempt:   s.RetryCount + 1,
	})
	s.Status = to
}

// Section returns a copy of one section.
func (o *Outline) Section(id string) (Section, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.index[id]
	if !ok {
		return Section{}, false
	}
	return s.clone(), true
}

// Sections returns copies of all sections in outline order.
func (o *Outline) Sections() []Section {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Section, len(o.sections))
	for i, s := range o.sections {
		out[i] = s.clone()
	}
	return out
}

// History returns every recorded status transition in order.
func (o *Outline) History() []Transition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.history)
}

// Counts tallies sections by status.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Counts returns the current tally.
func (o *Outline) Counts() Counts {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c := Counts{Total: len(o.sections)}
	for _, s := range o.sections {
		switch s.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// ResultChars sums the research result length, in characters, of
// COMPLETED sections.
func (o *Outline) ResultChars() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.sections {
		if s.Status == StatusCompleted {
			n += utf8.RuneCountInString(s.ResearchResult)
		}
	}
	return n
}

// Snapshot is the serializable state of an Outline.
type Snapshot struct {
	Topic    string       `json:"topic"`
	Title    string       `json:"title"`
	Sections []Section    `json:"sections"`
	History  []Transition `json:"history,omitempty"`
}

// Snapshot copies the outline's current state.
func (o *Outline) Snapshot() Snapshot {
	return Snapshot{
		Topic:    o.topic,
		Title:    o.title,
		Sections: o.Sections(),
		History:  o.History(),
	}
}

// MarshalJSON encodes the current Snapshot.
func (o *Outline) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Snapshot())
}
