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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReport/cmd/deepreport/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath   string
	modelName    string
	logLevel     string
	uiMode       string
	metricsAddr  string
	topicText    string
	topicFile    string
	outputReport string
	planOutput   string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "deepreport",
		Short: "Plan, research and write long-form reports with a language model",
		Long: `deepreport breaks a topic into a dependency graph of sections, researches
each section with a tool-using agent loop, and synthesizes the findings
into a single markdown report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Plan, research and synthesize a report on a topic",
		Args:  cobra.NoArgs,
		RunE:  runReport, // Defined in cmd_run.go
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Plan and validate a report outline without researching it",
		Args:  cobra.NoArgs,
		RunE:  runPlan, // Defined in cmd_plan.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file, environment and flags",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to path (default deepreport.yaml)",
		Args:  cobra.MaximumNArgs(1),
		// Runs without loading a configuration that may not exist yet.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE:              runConfigInit,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the deepreport version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deepreport %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "Model name (overrides config and DEEPREPORT_MODEL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&uiMode, "ui", "auto", "Output style: auto, rich or plain")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")

	for _, c := range []*cobra.Command{runCmd, planCmd} {
		c.Flags().StringVar(&topicText, "topic", "", "The report topic")
		c.Flags().StringVar(&topicFile, "topic_file", "", "Read the report topic from a file")
		c.MarkFlagsMutuallyExclusive("topic", "topic_file")
		c.MarkFlagsOneRequired("topic", "topic_file")
	}
	runCmd.Flags().StringVar(&outputReport, "output_report", "", "Report path; metadata goes next to it as <name>_meta.json (default ./output/report.md)")
	runCmd.Flags().Int("section-concurrency", 0, "Sections researched in parallel (overrides config)")
	runCmd.Flags().Int("max-section-steps", 0, "Agent step budget per section (overrides config)")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "Write the outline JSON to this file instead of stdout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(versionCmd)
}

// applyFlagOverrides layers explicitly set flags over the loaded file and
// environment.
func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	if modelName != "" {
		c.Model.Name = modelName
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Telemetry.MetricsAddr = metricsAddr
	}
	flags := cmd.Flags()
	if f := flags.Lookup("section-concurrency"); f != nil && f.Changed {
		if n, err := flags.GetInt("section-concurrency"); err == nil {
			c.Research.SectionConcurrency = n
		}
	}
	if f := flags.Lookup("max-section-steps"); f != nil && f.Changed {
		if n, err := flags.GetInt("max-section-steps"); err == nil {
			c.Research.MaxSectionSteps = n
		}
	}
}
