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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyOutline is returned when building an outline with no sections.
	ErrEmptyOutline = errors.New("outline has no sections")

	// ErrInvalidSection is returned for a section without an id or title.
	ErrInvalidSection = errors.New("invalid section")

	// ErrDuplicateSection is returned when two sections share an id.
	ErrDuplicateSection = errors.New("duplicate section id")

	// ErrSelfDependency is returned when a section depends on itself.
	ErrSelfDependency = errors.New("section depends on itself")

	// ErrDanglingDependency is wrapped by DanglingDependencyError.
	ErrDanglingDependency = errors.New("dependency references unknown section")

	// ErrCycleDetected is wrapped by CycleError.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrSectionNotFound is returned for an unknown section id.
	ErrSectionNotFound = errors.New("section not found")

	// ErrInvalidTransition is returned for a status move the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SectionError attaches a section id to an error.
type SectionError struct {
	SectionID string
	Err       error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %q: %v", e.SectionID, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }

// DanglingDependencyError names the unresolved reference.
type DanglingDependencyError struct {
	SectionID string
	DependsOn string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("section %q depends on unknown section %q", e.SectionID, e.DependsOn)
}

func (e *DanglingDependencyError) Unwrap() error { return ErrDanglingDependency }

// CycleError carries the cycle as a path that starts and ends on the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// TransitionError describes a refused status move.
type TransitionError struct {
	SectionID string
	From, To  Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("section %q: %v: %s -> %s", e.SectionID, ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
