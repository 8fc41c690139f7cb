// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/AleutianReport/pkg/logging"
	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/orchestrator"
)

// Config is the deepreport configuration file.
type Config struct {
	// Model: which chat backend drives planning, research and synthesis
	Model ModelConfig `yaml:"model"`

	// Research: per-section loop and scheduler bounds
	Research ResearchConfig `yaml:"research"`

	// Synthesis: planning, compression and final report settings
	Synthesis SynthesisConfig `yaml:"synthesis"`

	// Tools: web search and page reader credentials and limits
	Tools ToolsConfig `yaml:"tools"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ModelConfig struct {
	// Backend is "openai" (any OpenAI-compatible server) or "ollama".
	Backend string `yaml:"backend" validate:"required,oneof=openai ollama"`
	Name    string `yaml:"name" validate:"required"`
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	APIKeyEnv  string `yaml:"api_key_env"`
	APIKeyFile string `yaml:"api_key_file,omitempty"`

	// MaxCompletionTokens caps each response. Zero leaves it to the server.
	MaxCompletionTokens int      `yaml:"max_completion_tokens" validate:"gte=0"`
	Temperature         *float32 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`

	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
}

type ResearchConfig struct {
	MaxSectionSteps    int `yaml:"max_section_steps" validate:"min=1"`
	SummaryInterval    int `yaml:"summary_interval" validate:"min=0"`
	SectionConcurrency int `yaml:"section_concurrency" validate:"min=1"`
	MaxSectionRetries  int `yaml:"max_section_retries" validate:"min=0"`
	ToolConcurrency    int `yaml:"tool_concurrency" validate:"min=1"`
	AgentAttempts      int `yaml:"agent_attempts" validate:"min=1"`
}

type SynthesisConfig struct {
	ContextThreshold       int `yaml:"context_threshold" validate:"min=1"`
	CompressThreshold      int `yaml:"compress_threshold" validate:"min=0"`
	DependencyContextLimit int `yaml:"dependency_context_limit" validate:"min=1"`
	FallbackSectionLimit   int `yaml:"fallback_section_limit" validate:"min=1"`
	PlanAttempts           int `yaml:"plan_attempts" validate:"min=1"`
	SynthesisAttempts      int `yaml:"synthesis_attempts" validate:"min=1"`
	CompressConcurrency    int `yaml:"compress_concurrency" validate:"min=1"`
}

type ToolsConfig struct {
	SerperAPIKeyEnv string        `yaml:"serper_api_key_env"`
	JinaAPIKeyEnv   string        `yaml:"jina_api_key_env"`
	SearchResults   int           `yaml:"search_results" validate:"min=1,max=100"`
	CrawlMaxChars   int           `yaml:"crawl_max_chars" validate:"min=1"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`

	// MetricsAddr serves /metrics when set, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns the command-line defaults. Section concurrency and
// the summary interval are higher than the library defaults.
func DefaultConfig() Config {
	lib := orchestrator.DefaultConfig()
	otel := telemetry.DefaultConfig()
	return Config{
		Model: ModelConfig{
			Backend:    llm.BackendOpenAI,
			Name:       "gpt-4o-mini",
			APIKeyEnv:  "OPENAI_API_KEY",
			APIKeyFile: "/run/secrets/openai_api_key",
			Burst:      1,
			Timeout:    5 * time.Minute,
		},
		Research: ResearchConfig{
			MaxSectionSteps:    lib.MaxSectionSteps,
			SummaryInterval:    8,
			SectionConcurrency: 10,
			MaxSectionRetries:  lib.MaxSectionRetries,
			ToolConcurrency:    lib.ToolConcurrency,
			AgentAttempts:      lib.AgentAttempts,
		},
		Synthesis: SynthesisConfig{
			ContextThreshold:       lib.ContextThreshold,
			CompressThreshold:      lib.CompressThreshold,
			DependencyContextLimit: lib.DependencyContextLimit,
			FallbackSectionLimit:   lib.FallbackSectionLimit,
			PlanAttempts:           lib.PlanAttempts,
			SynthesisAttempts:      lib.SynthesisAttempts,
			CompressConcurrency:    lib.CompressConcurrency,
		},
		Tools: ToolsConfig{
			SerperAPIKeyEnv: "SERPER_API_KEY",
			JinaAPIKeyEnv:   "JINA_API_KEY",
			SearchResults:   10,
			CrawlMaxChars:   32000,
			Timeout:         30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  otel.TraceExporter,
			MetricExporter: otel.MetricExporter,
			OTLPEndpoint:   otel.OTLPEndpoint,
		},
	}
}

// Orchestrator maps the research and synthesis sections onto the
// scheduler configuration.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		MaxSectionSteps:        c.Research.MaxSectionSteps,
		SummaryInterval:        c.Research.SummaryInterval,
		SectionConcurrency:     c.Research.SectionConcurrency,
		MaxSectionRetries:      c.Research.MaxSectionRetries,
		ToolConcurrency:        c.Research.ToolConcurrency,
		AgentAttempts:          c.Research.AgentAttempts,
		ContextThreshold:       c.Synthesis.ContextThreshold,
		CompressThreshold:      c.Synthesis.CompressThreshold,
		DependencyContextLimit: c.Synthesis.DependencyContextLimit,
		FallbackSectionLimit:   c.Synthesis.FallbackSectionLimit,
		PlanAttempts:           c.Synthesis.PlanAttempts,
		SynthesisAttempts:      c.Synthesis.SynthesisAttempts,
		CompressConcurrency:    c.Synthesis.CompressConcurrency,
	}
}

// LLM maps the model section onto the backend configuration.
func (c Config) LLM() llm.Config {
	cfg := llm.Config{
		Backend:           c.Model.Backend,
		Name:              c.Model.Name,
		BaseURL:           c.Model.BaseURL,
		APIKeyEnv:         c.Model.APIKeyEnv,
		APIKeyFile:        c.Model.APIKeyFile,
		RequestsPerSecond: c.Model.RequestsPerSecond,
		Burst:             c.Model.Burst,
		Timeout:           c.Model.Timeout,
	}
	cfg.Params.Temperature = c.Model.Temperature
	if c.Model.MaxCompletionTokens > 0 {
		n := c.Model.MaxCompletionTokens
		cfg.Params.MaxTokens = &n
	}
	return cfg
}

// Logger builds the logging configuration. An unknown level has already
// been rejected by Validate.
func (c Config) Logger() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "deepreport",
		JSON:    c.Logging.JSON,
	}
}

// OTel overlays the telemetry section on the OTEL_* defaults.
func (c Config) OTel(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.TraceExporter = c.Telemetry.TraceExporter
	cfg.MetricExporter = c.Telemetry.MetricExporter
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	return cfg
}
