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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/agent"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
)

// ErrEmptyAnswer is returned by AgentRunner when a loop finished without
// any answer text.
var ErrEmptyAnswer = errors.New("orchestrator: section produced an empty answer")

// SectionTask is one section invocation.
type SectionTask struct {
	Topic   string
	Section outline.Section

	// Goal is the rendered research task handed to the loop.
	Goal string

	// DependencyContext is the truncated results of the section's
	// dependencies, already embedded in Goal.
	DependencyContext string

	// Attempt is 1 for the first invocation of the section.
	Attempt int
}

// SectionOutcome is what an invocation produced. Trajectory is set even
// when the invocation failed.
type SectionOutcome struct {
	Result     string
	Trajectory trajectory.Trajectory
	Exhausted  bool

	// DiscardedInputTokens and DiscardedOutputTokens count tokens of
	// earlier attempts within this invocation whose trajectories were
	// dropped in favour of the last one.
	DiscardedInputTokens  int
	DiscardedOutputTokens int
}

// Tokens returns every token the invocation spent.
func (s SectionOutcome) Tokens() (input, output int) {
	input, output = s.Trajectory.Tokens()
	return input + s.DiscardedInputTokens, output + s.DiscardedOutputTokens
}

// SectionRunner executes one section invocation.
//
// Implementations must be safe for concurrent use: the scheduler runs up
// to SectionConcurrency invocations at once.
type SectionRunner interface {
	RunSection(ctx context.Context, task SectionTask) (SectionOutcome, error)
}

// SectionRunnerFunc adapts a function to SectionRunner.
type SectionRunnerFunc func(ctx context.Context, task SectionTask) (SectionOutcome, error)

// RunSection implements SectionRunner.
func (f SectionRunnerFunc) RunSection(ctx context.Context, task SectionTask) (SectionOutcome, error) {
	return f(ctx, task)
}

// Toolset is the tools and run-scoped variables of one invocation.
type Toolset struct {
	Tools     []tools.Tool
	Variables tools.Variables
}

// ToolFactory builds a fresh Toolset for each invocation so no tool state
// or variable leaks between sections.
type ToolFactory func(ctx context.Context, section outline.Section) (Toolset, error)

// AgentRunner runs each section through a fresh agent.Loop.
//
// Thread Safety: Safe for concurrent use if the model and the tools built
// by the factory are.
type AgentRunner struct {
	model    llm.Model
	factory  ToolFactory
	config   agent.Config
	attempts int
	options  []agent.Option
	logger   *slog.Logger
}

// NewAgentRunner returns a runner that builds one registry and loop per
// attempt. attempts below 1 are treated as 1; a nil factory yields a
// loop with only final_answer.
func NewAgentRunner(model llm.Model, factory ToolFactory, cfg agent.Config, attempts int, logger *slog.Logger, opts ...agent.Option) *AgentRunner {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = func(context.Context, outline.Section) (Toolset, error) { return Toolset{}, nil }
	}
	return &AgentRunner{
		model:    model,
		factory:  factory,
		config:   cfg,
		attempts: attempts,
		options:  append([]agent.Option{agent.WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

// RunSection implements SectionRunner.
func (r *AgentRunner) RunSection(ctx context.Context, task SectionTask) (SectionOutcome, error) {
	var (
		outcome           SectionOutcome
		lastErr           error
		spentIn, spentOut int
	)
	for attempt := 1; attempt <= r.attempts; attempt++ {
		// Tokens includes the discarded counts carried so far.
		spentIn, spentOut = outcome.Tokens()
		outcome, lastErr = r.runOnce(ctx, task)
		outcome.DiscardedInputTokens, outcome.DiscardedOutputTokens = spentIn, spentOut
		if lastErr == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < r.attempts {
			r.logger.Warn("section agent attempt failed",
				slog.String("section_id", task.Section.ID),
				slog.Int("agent_attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
		}
	}
	return outcome, lastErr
}

func (r *AgentRunner) runOnce(ctx context.Context, task SectionTask) (SectionOutcome, error) {
	set, err := r.factory(ctx, task.Section)
	if err != nil {
		return SectionOutcome{}, fmt.Errorf("build tools: %w", err)
	}
	registry, err := tools.NewRegistry(set.Tools...)
	if err != nil {
		return SectionOutcome{}, fmt.Errorf("build tools: %w", err)
	}
	loop, err := agent.New(r.model, registry, r.config, r.options...)
	if err != nil {
		return SectionOutcome{}, err
	}

	vars := set.Variables
	if vars == nil {
		vars = tools.Variables{}
	}
	res, err := loop.Run(ctx, task.Goal, vars)
	outcome := SectionOutcome{Result: res.Answer, Trajectory: res.Trajectory, Exhausted: res.Exhausted}
	if err != nil {
		return outcome, err
	}
	if strings.TrimSpace(res.Answer) == "" {
		return outcome, ErrEmptyAnswer
	}
	return outcome, nil
}
