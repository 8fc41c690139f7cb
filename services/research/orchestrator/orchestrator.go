// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator schedules a report run over an outline DAG.
//
// Plan asks the model for sections and dependency edges and retries until
// the outline validates. Execute dispatches ready sections to a persistent
// bounded worker pool, reacts to each completion as it arrives (retrying
// or failing the section and unlocking its dependents) and force-fails
// whatever is left once nothing is in flight. Synthesize compresses
// oversized section results and merges them into one report, falling back
// to a deterministic concatenation so a run always produces output.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
	"github.com/AleutianAI/AleutianReport/services/research/prompts"
	"github.com/AleutianAI/AleutianReport/services/research/structured"
	"github.com/AleutianAI/AleutianReport/services/research/workers"
)

var tracer = otel.Tracer("deepreport.orchestrator")

var (
	// ErrPlanningFailed is wrapped by PlanError.
	ErrPlanningFailed = errors.New("orchestrator: planning failed")

	// ErrInvalidConfig is returned by New and Config.Validate.
	ErrInvalidConfig = errors.New("orchestrator: invalid config")

	// ErrNilOutline is returned when an operation is given no outline.
	ErrNilOutline = errors.New("orchestrator: nil outline")
)

// PlanError reports exhausted planning attempts. It matches both
// ErrPlanningFailed and the last attempt's error.
type PlanError struct {
	Attempts int
	Last     error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("failed to plan report after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PlanError) Unwrap() []error { return []error{ErrPlanningFailed, e.Last} }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPrompts replaces the embedded prompt set.
func WithPrompts(p *prompts.Set) Option {
	return func(o *Orchestrator) { o.prompts = p }
}

// Orchestrator runs reports.
//
// Thread Safety: Safe for concurrent runs; each run owns its Outline.
type Orchestrator struct {
	model   llm.Model
	runner  SectionRunner
	prompts *prompts.Set
	config  Config
	logger  *slog.Logger
}

// New builds an Orchestrator.
//
// Inputs:
//   - model: Backend for planning, compression and synthesis calls.
//   - runner: Executes section invocations, normally an *AgentRunner.
//   - cfg: Run bounds; see DefaultConfig.
//
// Outputs:
//   - *Orchestrator: Ready to Run.
//   - error: ErrInvalidConfig, or a prompt loading error.
func New(model llm.Model, runner SectionRunner, cfg Config, opts ...Option) (*Orchestrator, error) {
	if model == nil || runner == nil {
		return nil, fmt.Errorf("%w: model and runner are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{model: model, runner: runner, config: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.prompts == nil {
		p, err := prompts.Default()
		if err != nil {
			return nil, err
		}
		o.prompts = p
	}
	return o, nil
}

// Config returns the run bounds.
func (o *Orchestrator) Config() Config { return o.config }

// Prompts returns the template set in use.
func (o *Orchestrator) Prompts() *prompts.Set { return o.prompts }

// call is one system+user model call with token accounting.
func (o *Orchestrator) call(ctx context.Context, u *usage, system, user string) (string, error) {
	resp, err := o.model.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	u.add(resp.InputTokens, resp.OutputTokens)
	return resp.Text, nil
}

// =============================================================================
// Planning
// =============================================================================

// sectionIDs accepts a JSON list of ids, a single id string, or null.
type sectionIDs []string

func (s *sectionIDs) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("depends_on: expected a list of section ids")
	}
	if strings.TrimSpace(one) == "" {
		*s = nil
	} else {
		*s = sectionIDs{one}
	}
	return nil
}

type planSection struct {
	SectionID     string     `json:"section_id" validate:"required"`
	Title         string     `json:"title" validate:"required"`
	Description   string     `json:"description"`
	ResearchQuery string     `json:"research_query"`
	DependsOn     sectionIDs `json:"depends_on"`
}

type planResponse struct {
	ReportTitle string        `json:"report_title"`
	Sections    []planSection `json:"sections" validate:"required,min=1,dive"`
}

// Plan asks the model for an outline of topic.
//
// Description:
//
//	Each attempt sends the planning prompt, decodes the reply through the
//	structured-parse boundary, builds the outline and validates the DAG.
//	Any failure (backend error, unparseable reply, missing fields,
//	duplicate ids, dangling reference, cycle) consumes one attempt.
//
// Outputs:
//   - *outline.Outline: Validated, every section PENDING.
//   - error: *PlanError after PlanAttempts failures, or ctx.Err().
func (o *Orchestrator) Plan(ctx context.Context, topic string) (*outline.Outline, error) {
	return o.plan(ctx, topic, &usage{})
}

func (o *Orchestrator) plan(ctx context.Context, topic string, u *usage) (*outline.Outline, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Plan",
		trace.WithAttributes(attribute.String("report.topic", topic)),
	)
	defer span.End()

	system, err := o.prompts.PlanningSystem()
	if err != nil {
		return nil, err
	}
	user, err := o.prompts.PlanningTask(prompts.PlanData{Topic: topic})
	if err != nil {
		return nil, err
	}

	var last error
	for attempt := 1; attempt <= o.config.PlanAttempts; attempt++ {
		out, err := o.planOnce(ctx, topic, system, user, u)
		if err == nil {
			attemptsTotal.WithLabelValues("plan", "ok").Inc()
			span.SetAttributes(
				attribute.Int("report.plan_attempts", attempt),
				attribute.Int("report.sections", out.Len()),
			)
			telemetry.SetSpanOK(span)
			o.logger.Info("report outline planned",
				slog.String("title", out.Title()),
				slog.Int("sections", out.Len()),
				slog.Int("attempt", attempt),
			)
			return out, nil
		}
		attemptsTotal.WithLabelValues("plan", "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			telemetry.RecordError(span, ctxErr)
			return nil, ctxErr
		}
		last = err
		o.logger.Warn("plan attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	perr := &PlanError{Attempts: o.config.PlanAttempts, Last: last}
	telemetry.RecordError(span, perr)
	return nil, perr
}

func (o *Orchestrator) planOnce(ctx context.Context, topic, system, user string, u *usage) (*outline.Outline, error) {
	raw, err := o.call(ctx, u, system, user)
	if err != nil {
		return nil, err
	}
	var resp planResponse
	if err := structured.Decode(raw, &resp); err != nil {
		return nil, err
	}

	b := outline.NewBuilder(topic, strings.TrimSpace(resp.ReportTitle))
	for _, s := range resp.Sections {
		query := s.ResearchQuery
		if strings.TrimSpace(query) == "" {
			query = s.Title
		}
		b.AddSection(outline.Section{
			ID:            s.SectionID,
			Title:         s.Title,
			Description:   s.Description,
			ResearchQuery: query,
			DependsOn:     s.DependsOn,
		})
	}
	return b.Build()
}

// =============================================================================
// Scheduling
// =============================================================================

// Execute runs every section of out to a terminal status.
//
// Description:
//
//	Ready sections wait in a FIFO queue and are moved to IN_PROGRESS only
//	when a worker slot is free, so IN_PROGRESS sections always equal
//	in-flight invocations. After each single completion the section is
//	completed, rescheduled or failed, readiness is recomputed, and the free
//	slot is refilled. When nothing is in flight and nothing is ready, every
//	section still PENDING or READY is failed as deadlocked.
//
//	Section failures never escape Execute. If ctx ends, in-flight and
//	queued READY sections are aborted with the context error. The deadlock
//	pass then fails whatever is still PENDING, and ctx.Err() is returned
//	alongside the fully resolved outline.
//
// Outputs:
//   - *outline.Outline: out, mutated in place; IsFullyResolved() is true.
//   - error: ErrNilOutline or ctx.Err().
func (o *Orchestrator) Execute(ctx context.Context, out *outline.Outline) (*outline.Outline, error) {
	if out == nil {
		return nil, ErrNilOutline
	}
	return o.execute(ctx, out, &usage{})
}

// execute runs Execute, adding the tokens of every section invocation,
// including failed attempts, to u.
func (o *Orchestrator) execute(ctx context.Context, out *outline.Outline, u *usage) (*outline.Outline, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute",
		trace.WithAttributes(
			attribute.String("report.topic", out.Topic()),
			attribute.Int("report.sections", out.Len()),
			attribute.Int("report.section_concurrency", o.config.SectionConcurrency),
		),
	)
	defer span.End()

	pool := workers.NewPool[string, SectionOutcome](ctx, o.config.SectionConcurrency)
	defer pool.Close()

	var (
		queue    []string
		inFlight = make(map[string]bool)
		runErr   error
	)
	enqueue := func() {
		for _, s := range out.ReadySections() {
			queue = append(queue, s.ID)
		}
	}
	enqueue()

	for {
		for len(inFlight) < pool.Size() && len(queue) > 0 && ctx.Err() == nil {
			id := queue[0]
			queue = queue[1:]
			if err := o.dispatch(ctx, pool, out, id); err != nil {
				o.logger.Error("section dispatch failed",
					slog.String("section_id", id),
					slog.String("error", err.Error()),
				)
				if abortErr := out.Abort(id, "dispatch failed: "+err.Error()); abortErr == nil {
					sectionsTotal.WithLabelValues("aborted").Inc()
				}
				continue
			}
			inFlight[id] = true
			sectionsInFlight.Inc()
		}
		if len(inFlight) == 0 {
			break
		}

		res, err := pool.Next(ctx)
		if err != nil {
			runErr = err
			break
		}
		delete(inFlight, res.Key)
		sectionsInFlight.Dec()
		o.settle(out, res, u)
		enqueue()
	}

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		reason := "aborted: " + runErr.Error()
		for id := range inFlight {
			if err := out.Abort(id, reason); err == nil {
				sectionsTotal.WithLabelValues("aborted").Inc()
			}
			sectionsInFlight.Dec()
		}
		// Queued sections never started; they are aborted too rather than
		// left for the deadlock pass.
		for _, id := range queue {
			if err := out.Abort(id, reason); err == nil {
				sectionsTotal.WithLabelValues("aborted").Inc()
			}
		}
		telemetry.RecordError(span, runErr)
	} else {
		telemetry.SetSpanOK(span)
	}

	for _, id := range out.FailUnresolved() {
		sectionsTotal.WithLabelValues("deadlocked").Inc()
		s, _ := out.Section(id)
		o.logger.Error("section deadlocked",
			slog.String("section_id", id),
			slog.String("title", s.Title),
			slog.String("error", s.ErrorMessage),
		)
	}

	counts := out.Counts()
	span.SetAttributes(
		attribute.Int("report.completed", counts.Completed),
		attribute.Int("report.failed", counts.Failed),
	)
	return out, runErr
}

// dispatch starts section id and submits its invocation.
func (o *Orchestrator) dispatch(ctx context.Context, pool *workers.Pool[string, SectionOutcome], out *outline.Outline, id string) error {
	sec, err := out.Start(id)
	if err != nil {
		return err
	}
	depContext := out.DependencyContext(sec.DependsOn, o.config.DependencyContextLimit)
	task := SectionTask{
		Topic:             out.Topic(),
		Section:           sec,
		DependencyContext: depContext,
		Attempt:           sec.RetryCount + 1,
	}

	o.logger.Info("section started",
		slog.String("section_id", sec.ID),
		slog.String("title", sec.Title),
		slog.Int("attempt", task.Attempt),
	)
	return pool.Submit(ctx, workers.Task[string, SectionOutcome]{
		Key: id,
		Run: func(ctx context.Context) (SectionOutcome, error) {
			return o.runSection(ctx, task)
		},
	})
}

func (o *Orchestrator) runSection(ctx context.Context, task SectionTask) (SectionOutcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Section",
		trace.WithAttributes(
			attribute.String("section.id", task.Section.ID),
			attribute.String("section.title", task.Section.Title),
			attribute.Int("section.attempt", task.Attempt),
		),
	)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, o.logger.With(slog.String("section_id", task.Section.ID)))

	start := time.Now()
	goal, err := o.prompts.SectionResearch(prompts.SectionData{
		Topic:             task.Topic,
		Title:             task.Section.Title,
		Description:       task.Section.Description,
		ResearchQuery:     task.Section.ResearchQuery,
		DependencyContext: task.DependencyContext,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("section prompt render failed", slog.String("error", err.Error()))
		return SectionOutcome{}, err
	}
	task.Goal = goal

	outcome, err := o.runner.RunSection(ctx, task)
	status := "ok"
	if err != nil {
		status = "error"
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	elapsed := time.Since(start)
	sectionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int("section.steps", len(outcome.Trajectory)))
	logger.Debug("section invocation finished",
		slog.String("status", status),
		slog.Int("attempt", task.Attempt),
		slog.Int("steps", len(outcome.Trajectory)),
		slog.Duration("duration", elapsed),
	)
	return outcome, err
}

// settle applies one finished invocation to the outline.
func (o *Orchestrator) settle(out *outline.Outline, res workers.Result[string, SectionOutcome], u *usage) {
	id := res.Key
	sec, _ := out.Section(id)
	u.add(res.Value.Tokens())

	if res.Err == nil {
		if err := out.Complete(id, res.Value.Result, res.Value.Trajectory); err != nil {
			o.logger.Error("section completion rejected",
				slog.String("section_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		sectionsTotal.WithLabelValues("completed").Inc()
		o.logger.Info("section completed",
			slog.String("section_id", id),
			slog.String("title", sec.Title),
			slog.Duration("duration", res.Duration()),
			slog.Bool("exhausted", res.Value.Exhausted),
		)
		return
	}

	status, err := out.Fail(id, res.Err, res.Value.Trajectory, o.config.MaxSectionRetries)
	if err != nil {
		o.logger.Error("section failure rejected",
			slog.String("section_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	after, _ := out.Section(id)
	if status == outline.StatusPending {
		sectionRetries.Inc()
		o.logger.Warn("section failed, will retry",
			slog.String("section_id", id),
			slog.String("title", sec.Title),
			slog.Int("attempt", after.RetryCount),
			slog.String("error", res.Err.Error()),
		)
		return
	}
	sectionsTotal.WithLabelValues("failed").Inc()
	o.logger.Error("section permanently failed",
		slog.String("section_id", id),
		slog.String("title", sec.Title),
		slog.String("error", after.ErrorMessage),
	)
}
