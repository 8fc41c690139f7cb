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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stepsTotal counts appended steps.
	// Labels: kind (plan, summary, action), status (ok, error)
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Task-execution loop steps by kind and status",
	}, []string{"kind", "status"})

	// stepDuration measures step wall time including tool fan-out.
	// Labels: kind
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deepreport",
		Subsystem: "agent",
		Name:      "step_duration_seconds",
		Help:      "Task-execution loop step duration",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	// toolCalls counts dispatched tool calls.
	// Labels: tool, status (ok, error, unknown)
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "agent",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome",
	}, []string{"tool", "status"})

	// runsTotal counts finished loops.
	// Labels: outcome (answered, exhausted, error)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Task-execution loop runs by outcome",
	}, []string{"outcome"})
)
