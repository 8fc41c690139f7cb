// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report persists a finished run: the report markdown and a
// metadata JSON file holding the outline snapshot and run metadata.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianReport/services/research/orchestrator"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
)

// DefaultOutput is the report path used when none is given.
const DefaultOutput = "./output/report.md"

// ErrNoResult is returned by Write for a nil result.
var ErrNoResult = errors.New("report: nil result")

// Paths are the files one run writes.
type Paths struct {
	Report string `json:"report"`
	Meta   string `json:"meta"`
}

// PathsFor derives the output files from the report path: "dir/name.md"
// yields "dir/name.md" and "dir/name_meta.json". A path without an
// extension gets ".md".
func PathsFor(output string) Paths {
	if strings.TrimSpace(output) == "" {
		output = DefaultOutput
	}
	ext := filepath.Ext(output)
	base := strings.TrimSuffix(output, ext)
	if ext == "" {
		ext = ".md"
	}
	return Paths{
		Report: base + ext,
		Meta:   base + "_meta.json",
	}
}

// Meta is the layout of the metadata file.
type Meta struct {
	Outline  outline.Snapshot      `json:"outline"`
	Metadata orchestrator.Metadata `json:"metadata"`
}

// Write stores res under the paths derived from output. Each file is
// written to a temporary sibling and renamed into place.
func Write(output string, res *orchestrator.Result) (Paths, error) {
	if res == nil || res.Outline == nil {
		return Paths{}, ErrNoResult
	}
	paths := PathsFor(output)
	if err := os.MkdirAll(filepath.Dir(paths.Report), 0o755); err != nil {
		return Paths{}, fmt.Errorf("report: create output dir: %w", err)
	}

	if err := writeFile(paths.Report, []byte(res.Report)); err != nil {
		return Paths{}, err
	}
	meta, err := json.MarshalIndent(Meta{Outline: res.Outline.Snapshot(), Metadata: res.Metadata}, "", "  ")
	if err != nil {
		return Paths{}, fmt.Errorf("report: encode metadata: %w", err)
	}
	if err := writeFile(paths.Meta, meta); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// ReadMeta loads a metadata file written by Write.
func ReadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("report: decode %s: %w", path, err)
	}
	return &m, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}
