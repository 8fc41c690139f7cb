// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
)

var (
	tracer = otel.Tracer("deepreport.llm")
	meter  = otel.Meter("deepreport.llm")
)

// OTel instruments follow the gen_ai client conventions so collectors that
// understand them need no mapping.
var (
	otelDuration metric.Float64Histogram
	otelTokens   metric.Int64Histogram
	otelErr      error
)

var (
	metricsOnce sync.Once

	modelRequests *prometheus.CounterVec
	modelTokens   *prometheus.CounterVec
	modelLatency  *prometheus.HistogramVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		modelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepreport",
			Subsystem: "model",
			Name:      "requests_total",
			Help:      "Model backend calls by model and outcome",
		}, []string{"model", "status"})

		modelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepreport",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens reported by the model backend",
		}, []string{"model", "direction"})

		modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepreport",
			Subsystem: "model",
			Name:      "request_duration_seconds",
			Help:      "Model backend call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model"})

		otelDuration, otelErr = meter.Float64Histogram(
			"gen_ai.client.operation.duration",
			metric.WithDescription("Duration of model chat calls"),
			metric.WithUnit("s"),
		)
		if otelErr != nil {
			return
		}
		otelTokens, otelErr = meter.Int64Histogram(
			"gen_ai.client.token.usage",
			metric.WithDescription("Tokens used per model chat call"),
			metric.WithUnit("{token}"),
		)
	})
}

// Instrumented records request counts, latency and token usage for next
// under the given model label, and wraps each call in an "llm.Chat" span.
func Instrumented(next Model, label string) Model {
	initMetrics()
	model := attribute.String("gen_ai.request.model", label)
	return ModelFunc(func(ctx context.Context, messages []Message) (*Response, error) {
		ctx, span := tracer.Start(ctx, "llm.Chat",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(model, attribute.Int("gen_ai.request.messages", len(messages))),
		)
		defer span.End()

		start := time.Now()
		resp, err := next.Chat(ctx, messages)
		elapsed := time.Since(start).Seconds()
		modelLatency.WithLabelValues(label).Observe(elapsed)
		if otelErr == nil {
			otelDuration.Record(ctx, elapsed, metric.WithAttributes(model, attribute.Bool("error", err != nil)))
		}
		if err != nil {
			modelRequests.WithLabelValues(label, "error").Inc()
			telemetry.RecordError(span, err)
			return nil, err
		}
		modelRequests.WithLabelValues(label, "ok").Inc()
		modelTokens.WithLabelValues(label, "input").Add(float64(resp.InputTokens))
		modelTokens.WithLabelValues(label, "output").Add(float64(resp.OutputTokens))
		if otelErr == nil {
			otelTokens.Record(ctx, int64(resp.InputTokens), metric.WithAttributes(model, attribute.String("gen_ai.token.type", "input")))
			otelTokens.Record(ctx, int64(resp.OutputTokens), metric.WithAttributes(model, attribute.String("gen_ai.token.type", "output")))
		}
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", resp.InputTokens),
			attribute.Int("gen_ai.usage.output_tokens", resp.OutputTokens),
		)
		telemetry.SetSpanOK(span)
		return resp, nil
	})
}
