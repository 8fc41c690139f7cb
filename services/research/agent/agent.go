// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent implements the per-section task-execution loop.
//
// A Loop turns one goal into a bounded sequence of plan, summary and action
// steps against a model backend. Action steps fan tool calls out over a
// persistent bounded worker pool and fold the observations back into the
// conversation in submission order. A final_answer call ends the loop; if
// the step budget runs out first, one extra model call produces a
// best-effort answer recorded as an error-flagged terminal step.
//
// Each Run owns its trajectory and worker pool. A Loop holds no per-run
// state and may serve concurrent Runs.
package agent

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
	"github.com/AleutianAI/AleutianReport/services/research/prompts"
	"github.com/AleutianAI/AleutianReport/services/research/structured"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
	"github.com/AleutianAI/AleutianReport/services/research/workers"
)

var tracer = otel.Tracer("deepreport.agent")

var (
	// ErrMaxStepsExhausted is returned when the step budget ran out and the
	// fallback answer call failed as well.
	ErrMaxStepsExhausted = errors.New("agent: max steps exhausted without an answer")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("agent: invalid config")
)

// Config bounds one loop.
type Config struct {
	// MaxSteps is the step budget. Default: 20
	MaxSteps int `yaml:"max_steps" validate:"min=1"`

	// SummaryInterval inserts a summary step whenever the step counter is a
	// positive multiple of it. Zero disables summaries. Default: 6
	SummaryInterval int `yaml:"summary_interval" validate:"min=0"`

	// ToolConcurrency caps concurrent tool calls within one action step.
	// Default: 5
	ToolConcurrency int `yaml:"tool_concurrency" validate:"min=1"`
}

// DefaultConfig returns the library defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        20,
		SummaryInterval: 6,
		ToolConcurrency: 5,
	}
}

// Result is the outcome of one Run.
type Result struct {
	Answer     string                `json:"answer"`
	Trajectory trajectory.Trajectory `json:"trajectory"`

	// Exhausted is true when Answer came from the max-steps fallback.
	Exhausted bool `json:"exhausted"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithPrompts replaces the embedded prompt set.
func WithPrompts(p *prompts.Set) Option {
	return func(l *Loop) { l.prompts = p }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop is a configured task-execution loop.
//
// Thread Safety: Safe for concurrent Runs if the model and tools are.
type Loop struct {
	model    llm.Model
	registry *tools.Registry
	prompts  *prompts.Set
	config   Config
	logger   *slog.Logger
}

// New builds a Loop over model and registry. final_answer is registered on
// registry when absent.
//
// Outputs:
//   - *Loop: Ready to Run.
//   - error: ErrInvalidConfig, or a prompt or registry error.
func New(model llm.Model, registry *tools.Registry, cfg Config, opts ...Option) (*Loop, error) {
	if model == nil || registry == nil {
		return nil, fmt.Errorf("%w: model and registry are required", ErrInvalidConfig)
	}
	if cfg.MaxSteps < 1 || cfg.SummaryInterval < 0 || cfg.ToolConcurrency < 1 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidConfig, cfg)
	}
	if !registry.Has(tools.FinalAnswerName) {
		if err := registry.Register(tools.FinalAnswer{}); err != nil {
			return nil, err
		}
	}

	l := &Loop{model: model, registry: registry, config: cfg}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.prompts == nil {
		p, err := prompts.Default()
		if err != nil {
			return nil, err
		}
		l.prompts = p
	}
	return l, nil
}

// Config returns the loop bounds.
func (l *Loop) Config() Config { return l.config }

// run is the state of one Run.
type run struct {
	task string
	vars tools.Variables
	data prompts.AgentData
	traj trajectory.Trajectory
	pool *workers.Pool[int, string]
}

// Run drives the loop for task until final_answer or the step budget.
//
// Description:
//
//	Step 0 is a planning call. Whenever the counter is a positive multiple
//	of SummaryInterval a summary call precedes the action call. Each action
//	call sees the whole trajectory and the tool catalog. Unparseable action
//	replies are recorded as error steps and the loop continues; model
//	backend errors end the loop.
//
// Inputs:
//   - ctx: Cancels model and tool calls.
//   - task: The goal.
//   - vars: Run-scoped variables substituted into tool arguments. Read only.
//
// Outputs:
//   - *Result: Always non-nil; carries the trajectory even on error.
//   - error: Model backend error, ErrMaxStepsExhausted, or ctx.Err().
func (l *Loop) Run(ctx context.Context, task string, vars tools.Variables) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.Run",
		trace.WithAttributes(
			attribute.Int("agent.max_steps", l.config.MaxSteps),
			attribute.Int("agent.summary_interval", l.config.SummaryInterval),
		),
	)
	defer span.End()

	catalog, err := l.registry.Catalog()
	if err != nil {
		return &Result{}, fmt.Errorf("agent: tool catalog: %w", err)
	}

	r := &run{
		task: task,
		vars: vars,
		data: prompts.AgentData{Tools: catalog, Task: task},
		pool: workers.NewPool[int, string](ctx, l.config.ToolConcurrency),
	}
	defer r.pool.Close()

	now := time.Now()
	r.traj = append(r.traj, trajectory.Step{
		Kind:       trajectory.KindTask,
		Content:    task,
		StartedAt:  now,
		FinishedAt: now,
	})

	res, err := l.loop(ctx, r)
	span.SetAttributes(attribute.Int("agent.steps", len(res.Trajectory)))
	switch {
	case err != nil:
		runsTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
	case res.Exhausted:
		runsTotal.WithLabelValues("exhausted").Inc()
	default:
		runsTotal.WithLabelValues("answered").Inc()
		telemetry.SetSpanOK(span)
	}
	return res, err
}

func (l *Loop) loop(ctx context.Context, r *run) (*Result, error) {
	step := 0
	for step <= l.config.MaxSteps {
		if err := ctx.Err(); err != nil {
			return l.result(r, "", false), err
		}

		if step == 0 {
			s, err := l.planStep(ctx, r, step)
			if err != nil {
				return l.abort(r, s, err)
			}
			r.traj = append(r.traj, s)
			step++
		} else if l.config.SummaryInterval > 0 && step%l.config.SummaryInterval == 0 {
			s, err := l.summaryStep(ctx, r, step)
			if err != nil {
				return l.abort(r, s, err)
			}
			r.traj = append(r.traj, s)
			step++
		}

		s, done, err := l.actionStep(ctx, r, step)
		if err != nil {
			return l.abort(r, s, err)
		}
		r.traj = append(r.traj, s)
		if done {
			return l.result(r, s.Output, false), nil
		}
		step++
	}
	return l.fallback(ctx, r, step)
}

// abort records the failed step and ends the run with err.
func (l *Loop) abort(r *run, s trajectory.Step, err error) (*Result, error) {
	s.Error = err.Error()
	r.traj = append(r.traj, s)
	return l.result(r, "", false), err
}

func (l *Loop) result(r *run, answer string, exhausted bool) *Result {
	return &Result{Answer: answer, Trajectory: r.traj.Clone(), Exhausted: exhausted}
}

// chat performs one model call and stamps timing and token counts on s.
func (l *Loop) chat(ctx context.Context, s *trajectory.Step, msgs []llm.Message) (*llm.Response, error) {
	s.LLMStartedAt = time.Now()
	resp, err := l.model.Chat(ctx, msgs)
	s.LLMFinishedAt = time.Now()
	if err != nil {
		return nil, err
	}
	s.InputTokens, s.OutputTokens = resp.InputTokens, resp.OutputTokens
	s.Reasoning = resp.Reasoning
	return resp, nil
}

func (l *Loop) startStep(ctx context.Context, kind trajectory.Kind, number int) (context.Context, trace.Span, trajectory.Step) {
	ctx, span := tracer.Start(ctx, "agent.Step",
		trace.WithAttributes(
			attribute.String("agent.step_kind", string(kind)),
			attribute.Int("agent.step", number),
		),
	)
	return ctx, span, trajectory.Step{Kind: kind, Number: number, StartedAt: time.Now()}
}

func (l *Loop) finishStep(span trace.Span, s *trajectory.Step, err error) {
	s.FinishedAt = time.Now()
	status := "ok"
	if err != nil || s.Error != "" {
		status = "error"
	}
	if err != nil {
		telemetry.RecordError(span, err)
	} else if status == "ok" {
		telemetry.SetSpanOK(span)
	}
	stepsTotal.WithLabelValues(string(s.Kind), status).Inc()
	stepDuration.WithLabelValues(string(s.Kind)).Observe(s.Duration().Seconds())
	span.End()

	l.logger.Debug("agent step",
		slog.String("kind", string(s.Kind)),
		slog.Int("step", s.Number),
		slog.Int("tool_calls", len(s.ToolCalls)),
		slog.Duration("duration", s.Duration()),
		slog.String("status", status),
	)
}

func (l *Loop) planStep(ctx context.Context, r *run, number int) (s trajectory.Step, err error) {
	ctx, span, s := l.startStep(ctx, trajectory.KindPlan, number)
	defer func() { l.finishStep(span, &s, err) }()

	system, err := l.prompts.InitialPlan(r.data)
	if err != nil {
		return s, err
	}
	user, err := l.prompts.TaskInput(r.data)
	if err != nil {
		return s, err
	}
	resp, err := l.chat(ctx, &s, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return s, fmt.Errorf("agent: plan step: %w", err)
	}
	s.Content = resp.Text
	return s, nil
}

func (l *Loop) summaryStep(ctx context.Context, r *run, number int) (s trajectory.Step, err error) {
	ctx, span, s := l.startStep(ctx, trajectory.KindSummary, number)
	defer func() { l.finishStep(span, &s, err) }()

	pre, err := l.prompts.UpdatePre(r.data)
	if err != nil {
		return s, err
	}
	post, err := l.prompts.UpdatePost(r.data)
	if err != nil {
		return s, err
	}
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: pre}}, memory(r.traj)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: post})

	resp, err := l.chat(ctx, &s, msgs)
	if err != nil {
		return s, fmt.Errorf("agent: summary step %d: %w", number, err)
	}
	s.Content = resp.Text
	return s, nil
}

// actionStep runs one action call. done reports a final_answer.
func (l *Loop) actionStep(ctx context.Context, r *run, number int) (s trajectory.Step, done bool, err error) {
	ctx, span, s := l.startStep(ctx, trajectory.KindAction, number)
	defer func() { l.finishStep(span, &s, err) }()

	system, err := l.prompts.SystemPrompt(r.data)
	if err != nil {
		return s, false, err
	}
	instruction, err := l.prompts.StepInstruction(r.data)
	if err != nil {
		return s, false, err
	}
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, memory(r.traj)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: instruction})

	resp, err := l.chat(ctx, &s, msgs)
	if err != nil {
		return s, false, fmt.Errorf("agent: action step %d: %w", number, err)
	}

	act, perr := parseAction(resp.Text)
	if perr != nil {
		s.Error = fmt.Sprintf("could not parse tool calls from model output: %v\nModel output was:\n%s", perr, strings.TrimSpace(resp.Text))
		return s, false, nil
	}
	s.Think = act.Think

	if call, ok := finalAnswer(act.Calls); ok {
		answer := tools.AnswerText(call.Arguments)
		now := time.Now()
		call.Output, call.StartedAt, call.FinishedAt = answer, now, now
		s.ToolCalls = []trajectory.ToolCall{call}
		s.Observations = answer
		s.Output = answer
		toolCalls.WithLabelValues(tools.FinalAnswerName, "ok").Inc()
		return s, true, nil
	}

	calls, observations, err := l.dispatch(ctx, r.pool, act.Calls, r.vars)
	if err != nil {
		return s, false, err
	}
	s.ToolCalls = calls
	s.Observations = observations
	return s, false, nil
}

// fallbackAnswer is the reply shape of the max-steps fallback call.
type fallbackAnswer struct {
	Think  string `json:"think"`
	Answer any    `json:"answer"`
}

// fallback asks for a best-effort answer after the budget ran out.
func (l *Loop) fallback(ctx context.Context, r *run, number int) (res *Result, err error) {
	ctx, span, s := l.startStep(ctx, trajectory.KindAction, number)
	s.Error = maxStepsError
	defer func() {
		l.finishStep(span, &s, err)
		r.traj = append(r.traj, s)
		res = l.result(r, s.Output, err == nil)
	}()

	pre, err := l.prompts.FinalAnswerPre(r.data)
	if err != nil {
		return nil, err
	}
	post, err := l.prompts.FinalAnswerPost(r.data)
	if err != nil {
		return nil, err
	}
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: pre}}, memory(r.traj)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: post})

	resp, err := l.chat(ctx, &s, msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxStepsExhausted, err)
	}

	var fa fallbackAnswer
	if derr := structured.Decode(resp.Text, &fa); derr == nil && fa.Answer != nil {
		s.Think = fa.Think
		s.Output = answerString(fa.Answer)
	} else {
		s.Output = strings.TrimSpace(resp.Text)
	}
	l.logger.Warn("agent reached max steps",
		slog.Int("max_steps", l.config.MaxSteps),
		slog.Int("answer_chars", len(s.Output)),
	)
	return nil, nil
}

func answerString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
