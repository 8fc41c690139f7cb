// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReport/pkg/ux"
	"github.com/AleutianAI/AleutianReport/services/research/orchestrator"
	"github.com/AleutianAI/AleutianReport/services/research/report"
)

// printer writes to the command's output. --ui auto picks rich output
// only when that output is a terminal.
func printer(cmd *cobra.Command) *ux.Printer {
	w := cmd.OutOrStdout()
	mode := ux.ModePlain
	if f, ok := w.(*os.File); ok {
		mode = ux.DetectMode(f)
	}
	return ux.NewPrinter(w, ux.ParseMode(uiMode, mode))
}

// runReport plans, researches and synthesizes one report, writes the
// markdown and metadata files, and prints the summary. A run interrupted
// after planning still writes what it has.
func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	topic, err := readTopic(topicText, topicFile)
	if err != nil {
		return err
	}

	rt, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}

	out := printer(cmd)
	out.Title("deepreport " + version)
	out.Info(fmt.Sprintf("Topic: %s", topic))
	out.Info(fmt.Sprintf("Model: %s (%s)", cfg.Model.Name, cfg.Model.Backend))

	spin := out.NewSpinner("Researching")
	spin.Start()
	res, runErr := orch.Run(ctx, topic)
	spin.Stop()

	if res == nil {
		var planErr *orchestrator.PlanError
		if errors.As(runErr, &planErr) {
			out.Error(fmt.Sprintf("Planning failed after %d attempts", planErr.Attempts))
		}
		return runErr
	}
	if runErr != nil {
		out.Warning(fmt.Sprintf("Run interrupted: %v", runErr))
	}

	paths, writeErr := report.Write(outputReport, res)
	if writeErr != nil {
		rt.logger.Error("writing report failed", slog.String("error", writeErr.Error()))
		out.Error(writeErr.Error())
	}

	meta := res.Metadata
	warnings, errs := rt.logCounts()
	out.Summary(ux.RunSummary{
		Title:        meta.Title,
		RunID:        meta.RunID,
		Total:        meta.TotalSections,
		Completed:    meta.CompletedSections,
		Failed:       meta.FailedSections,
		Retried:      meta.RetriedSections,
		Compressed:   meta.CompressedSections,
		Fallback:     meta.SynthesisFallback,
		Elapsed:      time.Duration(meta.ElapsedSeconds * float64(time.Second)),
		InputTokens:  meta.InputTokens,
		OutputTokens: meta.OutputTokens,
		Warnings:     warnings,
		Errors:       errs,
		ReportPath:   paths.Report,
		MetaPath:     paths.Meta,
	})
	return errors.Join(runErr, writeErr)
}
