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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianReport/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "openai", cfg.Model.Backend)
	assert.Equal(t, 20, cfg.Research.MaxSectionSteps)
	assert.Equal(t, 8, cfg.Research.SummaryInterval)
	assert.Equal(t, 10, cfg.Research.SectionConcurrency)
	assert.Equal(t, 2, cfg.Research.MaxSectionRetries)
	assert.Equal(t, 60000, cfg.Synthesis.ContextThreshold)
	assert.Equal(t, 3000, cfg.Synthesis.CompressThreshold)
	assert.Equal(t, "SERPER_API_KEY", cfg.Tools.SerperAPIKeyEnv)
	assert.Equal(t, 32000, cfg.Tools.CrawlMaxChars)
}

func TestConfig_Orchestrator(t *testing.T) {
	cfg := DefaultConfig()
	oc := cfg.Orchestrator()
	require.NoError(t, oc.Validate())
	assert.Equal(t, 10, oc.SectionConcurrency)
	assert.Equal(t, 8, oc.SummaryInterval)
	assert.Equal(t, cfg.Synthesis.FallbackSectionLimit, oc.FallbackSectionLimit)

	ac := oc.AgentConfig()
	assert.Equal(t, 20, ac.MaxSteps)
	assert.Equal(t, 5, ac.ToolConcurrency)
}

func TestConfig_LLM(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.LLM().Params.MaxTokens)

	cfg.Model.MaxCompletionTokens = 4096
	lc := cfg.LLM()
	require.NotNil(t, lc.Params.MaxTokens)
	assert.Equal(t, 4096, *lc.Params.MaxTokens)
	assert.Equal(t, cfg.Model.Name, lc.Name)
	assert.Equal(t, 5*time.Minute, lc.Timeout)
}

func TestConfig_Logger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.JSON = true
	lc := cfg.Logger()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "deepreport", lc.Service)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg := DefaultConfig()
	data := []byte(`
model:
  name: deepseek-chat
  base_url: https://api.deepseek.com/v1
  timeout: 90s
research:
  section_concurrency: 3
`)
	require.NoError(t, Parse(data, &cfg))

	assert.Equal(t, "deepseek-chat", cfg.Model.Name)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.Model.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 3, cfg.Research.SectionConcurrency)
	// untouched keys keep their defaults
	assert.Equal(t, 8, cfg.Research.SummaryInterval)
	assert.Equal(t, "openai", cfg.Model.Backend)
}

func TestParse_Empty(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_UnknownKey(t *testing.T) {
	cfg := DefaultConfig()
	err := Parse([]byte("research:\n  max_steps: 3\n"), &cfg)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		model   string
		baseURL string
		backend string
	}{
		{
			name:    "none",
			env:     map[string]string{},
			model:   "gpt-4o-mini",
			backend: "openai",
		},
		{
			name:    "deepreport model wins over default model",
			env:     map[string]string{"DEEPREPORT_MODEL": "a", "DEFAULT_MODEL": "b"},
			model:   "a",
			backend: "openai",
		},
		{
			name:    "default model",
			env:     map[string]string{"DEFAULT_MODEL": "b"},
			model:   "b",
			backend: "openai",
		},
		{
			name:    "api base wins over base url",
			env:     map[string]string{"OPENAI_API_BASE": "http://a:8000/v1", "OPENAI_BASE_URL": "http://b/v1"},
			model:   "gpt-4o-mini",
			baseURL: "http://a:8000/v1",
			backend: "openai",
		},
		{
			name:    "backend lowercased",
			env:     map[string]string{"DEEPREPORT_BACKEND": "Ollama", "OPENAI_BASE_URL": "http://b/v1"},
			model:   "gpt-4o-mini",
			baseURL: "http://b/v1",
			backend: "ollama",
		},
		{
			name:    "blank values ignored",
			env:     map[string]string{"DEEPREPORT_MODEL": "  "},
			model:   "gpt-4o-mini",
			backend: "openai",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ApplyEnv(envMap(tt.env))
			assert.Equal(t, tt.model, cfg.Model.Name)
			assert.Equal(t, tt.baseURL, cfg.Model.BaseURL)
			assert.Equal(t, tt.backend, cfg.Model.Backend)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Model.Backend = "anthropic" }},
		{"missing model name", func(c *Config) { c.Model.Name = "" }},
		{"bad base url", func(c *Config) { c.Model.BaseURL = "not a url" }},
		{"zero steps", func(c *Config) { c.Research.MaxSectionSteps = 0 }},
		{"zero concurrency", func(c *Config) { c.Research.SectionConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.Research.MaxSectionRetries = -1 }},
		{"zero plan attempts", func(c *Config) { c.Synthesis.PlanAttempts = 0 }},
		{"too many search results", func(c *Config) { c.Tools.SearchResults = 500 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("DEEPREPORT_MODEL", "")
	t.Setenv("DEFAULT_MODEL", "")
	t.Setenv("OPENAI_API_BASE", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("DEEPREPORT_BACKEND", "")

	t.Run("no file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Research.SectionConcurrency)
	})

	t.Run("file then env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deepreport.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model:\n  name: from-file\nresearch:\n  max_section_retries: 0\n"), 0644))
		t.Setenv("DEFAULT_MODEL", "from-env")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Model.Name)
		assert.Equal(t, 0, cfg.Research.MaxSectionRetries)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("research:\n  section_concurrency: 0\n"), 0644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "big.yaml")
		big := "# " + strings.Repeat("x", MaxFileSize) + "\n"
		require.NoError(t, os.WriteFile(path, []byte(big), 0644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deepreport.yaml")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Model.Name = "changed"
	require.NoError(t, Parse(data, &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}
