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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
)

// Metadata summarizes one run.
type Metadata struct {
	RunID              string    `json:"run_id"`
	Topic              string    `json:"topic"`
	Title              string    `json:"title"`
	TotalSections      int       `json:"total_sections"`
	CompletedSections  int       `json:"completed_sections"`
	FailedSections     int       `json:"failed_sections"`
	RetriedSections    int       `json:"retried_sections"`
	CompressedSections int       `json:"compressed_sections"`
	SynthesisFallback  bool      `json:"synthesis_fallback"`
	InputTokens        int       `json:"input_tokens"`
	OutputTokens       int       `json:"output_tokens"`
	StartedAt          time.Time `json:"started_at"`
	ElapsedSeconds     float64   `json:"elapsed_seconds"`
}

// Result is a finished run.
type Result struct {
	Topic    string           `json:"topic"`
	Outline  *outline.Outline `json:"outline"`
	Report   string           `json:"report"`
	Metadata Metadata         `json:"metadata"`
}

// Run plans, executes and synthesizes a report on topic.
//
// Outputs:
//   - *Result: Non-nil whenever planning succeeded, including when ctx
//     ended during execution.
//   - error: *PlanError (the only fatal failure), or ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, topic string) (*Result, error) {
	runID := uuid.NewString()
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("report.run_id", runID),
			attribute.String("report.topic", topic),
		),
	)
	defer span.End()

	logger := o.logger.With(slog.String("run_id", runID))
	logger.Info("report run started", slog.String("topic", topic))

	u := &usage{}
	out, err := o.plan(ctx, topic, u)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("report planning failed", slog.String("error", err.Error()))
		return nil, err
	}

	_, execErr := o.execute(ctx, out, u)
	syn := o.synthesize(ctx, out, u)

	meta := o.metadata(out, syn, u)
	meta.RunID = runID
	meta.StartedAt = start
	meta.ElapsedSeconds = time.Since(start).Seconds()

	span.SetAttributes(
		attribute.Int("report.completed", meta.CompletedSections),
		attribute.Int("report.failed", meta.FailedSections),
		attribute.Bool("report.synthesis_fallback", meta.SynthesisFallback),
	)
	if execErr != nil {
		telemetry.RecordError(span, execErr)
	} else {
		telemetry.SetSpanOK(span)
	}
	logger.Info("report run finished",
		slog.Int("completed_sections", meta.CompletedSections),
		slog.Int("failed_sections", meta.FailedSections),
		slog.Float64("elapsed_seconds", meta.ElapsedSeconds),
	)

	return &Result{
		Topic:    topic,
		Outline:  out,
		Report:   syn.Report,
		Metadata: meta,
	}, execErr
}

func (o *Orchestrator) metadata(out *outline.Outline, syn *Synthesis, u *usage) Metadata {
	counts := out.Counts()
	meta := Metadata{
		Topic:              out.Topic(),
		Title:              out.Title(),
		TotalSections:      counts.Total,
		CompletedSections:  counts.Completed,
		FailedSections:     counts.Failed,
		CompressedSections: syn.Compressed,
		SynthesisFallback:  syn.Fallback,
		InputTokens:        int(u.input.Load()),
		OutputTokens:       int(u.output.Load()),
	}
	for _, s := range out.Sections() {
		if s.RetryCount > 0 {
			meta.RetriedSections++
		}
	}
	return meta
}
