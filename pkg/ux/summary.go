// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// RunSummary is the end-of-run report card.
type RunSummary struct {
	Title      string
	RunID      string
	Total      int
	Completed  int
	Failed     int
	Retried    int
	Compressed int
	Fallback   bool
	Elapsed    time.Duration

	InputTokens  int
	OutputTokens int

	// Warnings and Errors count the log records emitted during the run.
	Warnings int
	Errors   int

	ReportPath string
	MetaPath   string
}

// Summary prints s as a box, or as key=value lines in plain mode.
func (p *Printer) Summary(s RunSummary) {
	if p.plain() {
		fmt.Fprintf(p.w, "SUMMARY: run_id=%s sections=%d completed=%d failed=%d retried=%d compressed=%d fallback=%t elapsed=%s input_tokens=%d output_tokens=%d warnings=%d errors=%d\n",
			s.RunID, s.Total, s.Completed, s.Failed, s.Retried, s.Compressed, s.Fallback,
			s.Elapsed.Round(time.Millisecond), s.InputTokens, s.OutputTokens, s.Warnings, s.Errors)
		if s.ReportPath != "" {
			fmt.Fprintf(p.w, "REPORT: %s\n", s.ReportPath)
		}
		if s.MetaPath != "" {
			fmt.Fprintf(p.w, "META: %s\n", s.MetaPath)
		}
		return
	}

	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", Styles.Muted.Render(fmt.Sprintf("%-10s", label)), value)
	}

	sections := fmt.Sprintf("%s %s  %s %s",
		Styles.Success.Render(fmt.Sprintf("%d", s.Completed)), Styles.Muted.Render("completed"),
		failedStyle(s.Failed).Render(fmt.Sprintf("%d", s.Failed)), Styles.Muted.Render("failed"))
	row("Sections", fmt.Sprintf("%s  %s", p.ProgressBar(s.Completed, s.Total, 20), sections))
	if s.Retried > 0 || s.Compressed > 0 {
		row("", Styles.Muted.Render(fmt.Sprintf("%d retried, %d compressed", s.Retried, s.Compressed)))
	}
	row("Elapsed", s.Elapsed.Round(time.Second).String())
	row("Tokens", fmt.Sprintf("%d in / %d out", s.InputTokens, s.OutputTokens))
	if s.Warnings > 0 || s.Errors > 0 {
		row("Log", fmt.Sprintf("%s %d warnings, %d errors", IconWarning, s.Warnings, s.Errors))
	}
	if s.ReportPath != "" {
		row("Report", fmt.Sprintf("%s %s", IconArrow, s.ReportPath))
	}
	if s.MetaPath != "" {
		row("Metadata", fmt.Sprintf("%s %s", IconArrow, s.MetaPath))
	}
	body := strings.TrimRight(b.String(), "\n")

	title := s.Title
	if title == "" {
		title = "Report"
	}
	if s.Fallback || s.Failed > 0 {
		note := "Some sections failed."
		if s.Fallback {
			note = "Synthesis fell back to concatenated sections."
		}
		p.WarningBox(title, body+"\n"+Styles.Warning.Render(note))
		return
	}
	p.Box(title, body)
}

func failedStyle(n int) lipgloss.Style {
	if n > 0 {
		return Styles.Error
	}
	return Styles.Muted
}
