// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/research/structured"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
	"github.com/AleutianAI/AleutianReport/services/research/workers"
)

// ErrNoToolCalls is returned by parseAction when the reply has neither a
// tools list nor a single call object.
var ErrNoToolCalls = errors.New("agent: action response has no tool calls")

// action is a parsed action reply.
type action struct {
	Think string
	Calls []trajectory.ToolCall
}

// parseAction accepts the shapes models produce for an action reply:
//
//	{"think": "...", "tools": [{"name": ..., "arguments": ...}]}
//	[{"think": "...", "tools": [...]}]
//	[{"name": ..., "arguments": ...}, ...]
//	{"name": ..., "arguments": ...}
func parseAction(text string) (action, error) {
	v, err := structured.DecodeValue(text)
	if err != nil {
		return action{}, err
	}

	var (
		think string
		raw   []any
	)
	switch val := v.(type) {
	case []any:
		raw = val
		if len(val) > 0 {
			if first, ok := val[0].(map[string]any); ok {
				if list, has := first["tools"]; has {
					think, _ = first["think"].(string)
					if raw, ok = list.([]any); !ok && list != nil {
						return action{}, fmt.Errorf("%w: \"tools\" is not a list", structured.ErrInvalid)
					}
				}
			}
		}
	case map[string]any:
		think, _ = val["think"].(string)
		if list, has := val["tools"]; has {
			var ok bool
			if raw, ok = list.([]any); !ok && list != nil {
				return action{}, fmt.Errorf("%w: \"tools\" is not a list", structured.ErrInvalid)
			}
		} else if _, named := val["name"]; named {
			raw = []any{val}
		} else {
			return action{}, ErrNoToolCalls
		}
	}

	if strings.TrimSpace(think) == "" {
		think = missingThink
	}
	calls := make([]trajectory.ToolCall, 0, len(raw))
	for i, item := range raw {
		call, err := toToolCall(item)
		if err != nil {
			return action{}, fmt.Errorf("tool call %d: %w", i, err)
		}
		calls = append(calls, call)
	}
	return action{Think: think, Calls: calls}, nil
}

func toToolCall(item any) (trajectory.ToolCall, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return trajectory.ToolCall{}, fmt.Errorf("%w: tool call is not an object", structured.ErrInvalid)
	}
	name, _ := m["name"].(string)
	if strings.TrimSpace(name) == "" {
		return trajectory.ToolCall{}, fmt.Errorf("%w: tool call has no name", structured.ErrInvalid)
	}

	var args tools.Args
	data, err := json.Marshal(m["arguments"])
	if err != nil {
		return trajectory.ToolCall{}, fmt.Errorf("%w: %v", structured.ErrInvalid, err)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return trajectory.ToolCall{}, fmt.Errorf("%w: %v", structured.ErrInvalid, err)
	}

	id, _ := m["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	goal, _ := m["goal"].(string)
	path, _ := m["path"].(string)
	return trajectory.ToolCall{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Arguments: args,
		Goal:      goal,
		Path:      path,
	}, nil
}

// finalAnswer returns the first final_answer call, if any.
func finalAnswer(calls []trajectory.ToolCall) (trajectory.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == tools.FinalAnswerName {
			return c, true
		}
	}
	return trajectory.ToolCall{}, false
}

// dispatch runs calls on the pool and returns them, in submission order,
// with outputs, errors and timings filled in, plus the aggregated
// observation text.
func (l *Loop) dispatch(ctx context.Context, pool *workers.Pool[int, string], calls []trajectory.ToolCall, vars tools.Variables) ([]trajectory.ToolCall, string, error) {
	if len(calls) == 0 {
		return nil, noObservations, nil
	}

	fns := make([]func(context.Context) (string, error), len(calls))
	for i, call := range calls {
		fns[i] = func(_ context.Context) (string, error) {
			return l.invoke(ctx, call, vars)
		}
	}
	results, err := workers.Gather(ctx, pool, fns)
	if err != nil {
		return nil, "", err
	}

	out := make([]trajectory.ToolCall, len(calls))
	blocks := make([]string, len(calls))
	for i, r := range results {
		call := calls[i]
		call.StartedAt, call.FinishedAt = r.StartedAt, r.FinishedAt
		observation := r.Value
		if r.Err != nil {
			call.Error = r.Err.Error()
			observation = l.toolErrorText(call, r.Err)
		} else {
			call.Output = r.Value
		}
		out[i] = call
		blocks[i] = fmt.Sprintf("Results for tool call '%s' with arguments '%s':\n%s", call.Name, call.Arguments.Render(), observation)
	}
	return out, strings.Join(blocks, "\n\n"), nil
}

func (l *Loop) invoke(ctx context.Context, call trajectory.ToolCall, vars tools.Variables) (string, error) {
	ctx, span := tracer.Start(ctx, "tools.Invoke",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer span.End()

	out, err := l.registry.Invoke(ctx, call.Name, call.Arguments, vars)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		toolCalls.WithLabelValues(call.Name, "unknown").Inc()
	case err != nil:
		toolCalls.WithLabelValues(call.Name, "error").Inc()
	default:
		toolCalls.WithLabelValues(call.Name, "ok").Inc()
	}
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, l.logger).Warn("tool call failed",
			slog.String("tool", call.Name),
			slog.String("arguments", call.Arguments.Render()),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	span.SetAttributes(attribute.Int("tool.output_chars", len(out)))
	telemetry.SetSpanOK(span)
	return out, nil
}

// toolErrorText is the observation substituted for a failed call. It
// restates the tool's contract so the model can correct the next call.
func (l *Loop) toolErrorText(call trajectory.ToolCall, err error) string {
	if errors.Is(err, tools.ErrUnknownTool) {
		return "Error: " + err.Error()
	}
	t, ok := l.registry.Get(call.Name)
	if !ok {
		return "Error: " + err.Error()
	}
	def := t.Definition()
	inputs, jerr := json.Marshal(def.Inputs)
	if jerr != nil {
		inputs = []byte("{}")
	}
	return fmt.Sprintf("Error when executing tool %s with arguments %s: %v\n"+
		"You should only use this tool with a correct input.\n"+
		"As a reminder, this tool's description is the following: '%s'.\n"+
		"It takes inputs: %s and returns output type %s",
		call.Name, call.Arguments.Render(), err, def.Description, inputs, def.OutputType)
}
