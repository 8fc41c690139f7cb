// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianReport/services/research/agent"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config bounds one report run.
type Config struct {
	// MaxSectionSteps is the step budget of each section's loop. Default: 20
	MaxSectionSteps int `yaml:"max_section_steps" validate:"min=1"`

	// SummaryInterval is the loop's summary cadence; 0 disables. Default: 6
	SummaryInterval int `yaml:"summary_interval" validate:"min=0"`

	// SectionConcurrency caps in-flight section invocations. Default: 5
	SectionConcurrency int `yaml:"section_concurrency" validate:"min=1"`

	// MaxSectionRetries is how many times a failed section is re-run.
	// Default: 2
	MaxSectionRetries int `yaml:"max_section_retries" validate:"min=0"`

	// ToolConcurrency caps concurrent tool calls per action step. Default: 5
	ToolConcurrency int `yaml:"tool_concurrency" validate:"min=1"`

	// AgentAttempts is how many fresh loops one invocation may run before
	// reporting failure. Default: 1
	AgentAttempts int `yaml:"agent_attempts" validate:"min=1"`

	// ContextThreshold is the total result size, in characters, above
	// which sections are compressed before synthesis. Default: 60000
	ContextThreshold int `yaml:"context_threshold" validate:"min=1"`

	// CompressThreshold is the per-section size above which a section is
	// compressed. Default: 3000
	CompressThreshold int `yaml:"compress_threshold" validate:"min=0"`

	// DependencyContextLimit caps each dependency result handed to a
	// dependent section. Default: 2000
	DependencyContextLimit int `yaml:"dependency_context_limit" validate:"min=1"`

	// FallbackSectionLimit caps each section in the fallback report.
	// Default: 8000
	FallbackSectionLimit int `yaml:"fallback_section_limit" validate:"min=1"`

	// PlanAttempts bounds plan-and-validate attempts. Default: 3
	PlanAttempts int `yaml:"plan_attempts" validate:"min=1"`

	// SynthesisAttempts bounds synthesis calls before the fallback.
	// Default: 3
	SynthesisAttempts int `yaml:"synthesis_attempts" validate:"min=1"`

	// CompressConcurrency caps concurrent compression calls. Default: 4
	CompressConcurrency int `yaml:"compress_concurrency" validate:"min=1"`
}

// DefaultConfig returns the library defaults.
func DefaultConfig() Config {
	return Config{
		MaxSectionSteps:        20,
		SummaryInterval:        6,
		SectionConcurrency:     5,
		MaxSectionRetries:      2,
		ToolConcurrency:        5,
		AgentAttempts:          1,
		ContextThreshold:       60000,
		CompressThreshold:      3000,
		DependencyContextLimit: 2000,
		FallbackSectionLimit:   8000,
		PlanAttempts:           3,
		SynthesisAttempts:      3,
		CompressConcurrency:    4,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// AgentConfig is the per-section loop configuration.
func (c Config) AgentConfig() agent.Config {
	return agent.Config{
		MaxSteps:        c.MaxSectionSteps,
		SummaryInterval: c.SummaryInterval,
		ToolConcurrency: c.ToolConcurrency,
	}
}
