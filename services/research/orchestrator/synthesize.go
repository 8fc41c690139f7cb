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
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
	"github.com/AleutianAI/AleutianReport/services/research/prompts"
)

// usage accumulates the tokens of a run: orchestrator calls and every
// section invocation.
type usage struct {
	input  atomic.Int64
	output atomic.Int64
}

func (u *usage) add(in, out int) {
	u.input.Add(int64(in))
	u.output.Add(int64(out))
}

// Synthesis describes how a report was produced.
type Synthesis struct {
	Report string `json:"-"`

	// Compressed is the number of sections rewritten before synthesis.
	Compressed int `json:"compressed_sections"`

	// Attempts is the number of synthesis calls made.
	Attempts int `json:"synthesis_attempts"`

	// Fallback is true when every synthesis call failed and the report was
	// assembled deterministically.
	Fallback bool `json:"synthesis_fallback"`
}

// Synthesize merges the section results of out into one report.
//
// Description:
//
//	If the COMPLETED results together exceed ContextThreshold characters,
//	every result longer than CompressThreshold is first rewritten by a
//	compression call (CompressConcurrency at a time). A failed compression
//	keeps the original text. The synthesis call is then tried up to
//	SynthesisAttempts times; if none succeeds the report is assembled by
//	Fallback. The returned report is never empty.
//
// Outputs:
//   - *Synthesis: The report and how it was produced.
//   - error: ErrNilOutline only.
func (o *Orchestrator) Synthesize(ctx context.Context, out *outline.Outline) (*Synthesis, error) {
	if out == nil {
		return nil, ErrNilOutline
	}
	return o.synthesize(ctx, out, &usage{}), nil
}

func (o *Orchestrator) synthesize(ctx context.Context, out *outline.Outline, u *usage) *Synthesis {
	ctx, span := tracer.Start(ctx, "orchestrator.Synthesize",
		trace.WithAttributes(attribute.Int("report.result_chars", out.ResultChars())),
	)
	defer span.End()

	syn := &Synthesis{}
	if total := out.ResultChars(); total > o.config.ContextThreshold {
		o.logger.Info("research exceeds context threshold, compressing sections",
			slog.Int("total_chars", total),
			slog.Int("threshold", o.config.ContextThreshold),
		)
		syn.Compressed = o.compress(ctx, out, u)
	}

	system, serr := o.prompts.SynthesisSystem()
	user, uerr := o.prompts.SynthesisTask(synthesisData(out))
	if serr == nil && uerr == nil {
		for attempt := 1; attempt <= o.config.SynthesisAttempts; attempt++ {
			syn.Attempts = attempt
			text, err := o.call(ctx, u, system, user)
			if err == nil && strings.TrimSpace(text) != "" {
				attemptsTotal.WithLabelValues("synthesis", "ok").Inc()
				syn.Report = strings.TrimSpace(text)
				span.SetAttributes(attribute.Int("report.synthesis_attempts", attempt))
				telemetry.SetSpanOK(span)
				return syn
			}
			if err == nil {
				err = fmt.Errorf("empty synthesis response")
			}
			attemptsTotal.WithLabelValues("synthesis", "error").Inc()
			o.logger.Warn("synthesis attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				break
			}
		}
	} else {
		o.logger.Error("synthesis prompt failed", slog.Any("system_error", serr), slog.Any("task_error", uerr))
	}

	synthesisFallbacks.Inc()
	telemetry.RecordError(span, fmt.Errorf("synthesis fell back to concatenation after %d attempts", syn.Attempts))
	o.logger.Warn("synthesis failed, assembling fallback report",
		slog.Int("attempts", syn.Attempts),
	)
	syn.Fallback = true
	syn.Report = Fallback(out, o.config.FallbackSectionLimit)
	return syn
}

// compress rewrites long COMPLETED results and returns how many succeeded.
func (o *Orchestrator) compress(ctx context.Context, out *outline.Outline, u *usage) int {
	system, err := o.prompts.CompressSystem()
	if err != nil {
		o.logger.Error("compression prompt failed", slog.String("error", err.Error()))
		return 0
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.CompressConcurrency)
	for _, s := range out.Sections() {
		if s.Status != outline.StatusCompleted || utf8.RuneCountInString(s.ResearchResult) <= o.config.CompressThreshold {
			continue
		}
		g.Go(func() error {
			user, err := o.prompts.CompressSection(prompts.CompressData{Title: s.Title, Result: s.ResearchResult})
			if err == nil {
				var text string
				text, err = o.call(gctx, u, system, user)
				if err == nil && strings.TrimSpace(text) != "" {
					if err = out.SetCompressed(s.ID, strings.TrimSpace(text)); err == nil {
						compressions.WithLabelValues("ok").Inc()
						done.Add(1)
						return nil
					}
				}
			}
			compressions.WithLabelValues("error").Inc()
			o.logger.Warn("section compression failed, keeping original",
				slog.String("section_id", s.ID),
				slog.Any("error", err),
			)
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load())
}

func synthesisData(out *outline.Outline) prompts.SynthesisData {
	d := prompts.SynthesisData{Topic: out.Topic(), Title: out.Title()}
	for _, s := range out.Sections() {
		d.Sections = append(d.Sections, prompts.SynthesisSection{
			Title:       s.Title,
			Description: s.Description,
			Status:      string(s.Status),
			Result:      s.SynthesisText(),
			Error:       s.ErrorMessage,
		})
	}
	return d
}

// Fallback assembles a report without the model: the title, then every
// section numbered in outline order with its (compressed, if available)
// result cut to limit characters, its error, or a placeholder.
func Fallback(out *outline.Outline, limit int) string {
	parts := []string{"# " + out.Title() + "\n"}
	for i, s := range out.Sections() {
		var body string
		switch {
		case s.Status == outline.StatusCompleted && s.SynthesisText() != "":
			body = clip(s.SynthesisText(), limit)
		case s.Status == outline.StatusFailed && s.ErrorMessage != "":
			body = "*Research failed: " + s.ErrorMessage + "*"
		default:
			body = "*No research results available.*"
		}
		parts = append(parts, fmt.Sprintf("## %d. %s\n%s", i+1, s.Title, body))
	}
	return strings.Join(parts, "\n\n")
}

func clip(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + outline.TruncationMarker
}
