// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_WritesTextToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "svc", Output: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("section completed", "section_id", "s1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "section completed")
	assert.Contains(t, out, "section_id=s1")
	assert.Contains(t, out, "service=svc")
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Output: &buf})
	defer logger.Close()

	logger.Warn("retrying", "attempt", 2)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"service":"deepreport"`)
}

func TestNew_QuietWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Error("boom")
	assert.Empty(t, buf.String())
}

func TestNew_WithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "report", Quiet: true})
	logger.Info("to file", "k", "v")
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "report_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestNew_UnwritableLogDirIsSkipped(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	logger := New(Config{LogDir: filepath.Join(file, "sub"), Quiet: true})
	defer logger.Close()
	assert.Nil(t, logger.file)
	logger.Info("still works")
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter, Service: "svc"})
	defer logger.Close()

	logger.Debug("filtered")
	logger.Info("kept", "section_id", "a", slog.Int("retry", 1))
	logger.Error("failed")

	entries := exporter.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "a", entries[0].Attrs["section_id"])
	assert.Equal(t, int64(1), entries[0].Attrs["retry"])
	assert.Equal(t, "svc", entries[0].Service)
	assert.Equal(t, 1, exporter.Count(LevelError))
}

func TestLogger_WithAddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	defer logger.Close()

	child := logger.With("run_id", "r-1")
	child.Info("hello")
	assert.Contains(t, buf.String(), "run_id=r-1")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("concurrent", "i", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, exporter.Entries(), 20)
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("x", "1")}))

	logger.Info("info line")
	logger.Error("error line")

	assert.Contains(t, a.String(), "info line")
	assert.Contains(t, a.String(), "x=1")
	assert.NotContains(t, b.String(), "info line")
	assert.Contains(t, b.String(), "error line")
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestLogger_SlogRecordsReachExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelWarn, Quiet: true, Exporter: exporter, Service: "svc"})
	defer logger.Close()

	lib := logger.Slog().With(slog.String("run_id", "r-1"))
	lib.Info("below level")
	lib.Warn("section failed, will retry", slog.String("section_id", "s1"))
	lib.WithGroup("tool").Error("call failed", slog.String("name", "web_search"))

	entries := exporter.Entries()
	require.Len(t, entries, 2)

	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "section failed, will retry", entries[0].Message)
	assert.Equal(t, "svc", entries[0].Service)
	assert.Equal(t, "r-1", entries[0].Attrs["run_id"])
	assert.Equal(t, "s1", entries[0].Attrs["section_id"])
	assert.Equal(t, "svc", entries[0].Attrs["service"])

	assert.Equal(t, LevelError, entries[1].Level)
	assert.Equal(t, "web_search", entries[1].Attrs["tool.name"])
	assert.Equal(t, 1, exporter.Count(LevelError))
	assert.Equal(t, 2, exporter.Count(LevelWarn))
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, LevelDebug, levelOf(slog.LevelDebug))
	assert.Equal(t, LevelInfo, levelOf(slog.LevelInfo+1))
	assert.Equal(t, LevelWarn, levelOf(slog.LevelWarn))
	assert.Equal(t, LevelError, levelOf(slog.LevelError+4))
}
