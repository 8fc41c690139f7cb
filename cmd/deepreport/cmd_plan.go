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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// runPlan plans and validates an outline and prints it as JSON.
func runPlan(cmd *cobra.Command, _ []string) error {
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

	out, err := orch.Plan(ctx, topic)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outline: %w", err)
	}

	if planOutput == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	if err := os.MkdirAll(filepath.Dir(planOutput), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(planOutput, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write outline: %w", err)
	}
	printer(cmd).Success(fmt.Sprintf("Outline with %d sections written to %s", out.Len(), planOutput))
	return nil
}
