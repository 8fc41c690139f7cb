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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sectionsTotal counts sections reaching a terminal status.
	// Labels: status (completed, failed, deadlocked, aborted)
	sectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "sections_total",
		Help:      "Sections by terminal status",
	}, []string{"status"})

	// sectionRetries counts failed invocations sent back to PENDING.
	sectionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "section_retries_total",
		Help:      "Section invocations that failed and were rescheduled",
	})

	// sectionDuration measures one section invocation.
	// Labels: outcome (ok, error)
	sectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "section_duration_seconds",
		Help:      "Section invocation duration",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"outcome"})

	// sectionsInFlight tracks running section invocations.
	sectionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "sections_in_flight",
		Help:      "Section invocations currently running",
	})

	// attemptsTotal counts plan and synthesis attempts.
	// Labels: phase (plan, synthesis), result (ok, error)
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "attempts_total",
		Help:      "Plan and synthesis model attempts by result",
	}, []string{"phase", "result"})

	// compressions counts section compression calls.
	// Labels: result (ok, error)
	compressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "compressions_total",
		Help:      "Section compression calls by result",
	}, []string{"result"})

	// synthesisFallbacks counts reports produced by the deterministic fallback.
	synthesisFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deepreport",
		Subsystem: "orchestrator",
		Name:      "synthesis_fallbacks_total",
		Help:      "Reports assembled without a successful synthesis call",
	})
)
