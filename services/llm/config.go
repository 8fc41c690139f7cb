// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config selects and tunes a backend.
type Config struct {
	Backend string `yaml:"backend" validate:"required,oneof=openai ollama"`
	Name    string `yaml:"name" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv and APIKeyFile locate the credential for OpenAI-compatible
	// backends. A missing key is an error only when BaseURL is empty.
	APIKeyEnv  string `yaml:"api_key_env"`
	APIKeyFile string `yaml:"api_key_file"`

	Params GenerationParams `yaml:"params"`

	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DefaultConfig targets OpenAI's gpt-4o-mini with key from OPENAI_API_KEY.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendOpenAI,
		Name:       "gpt-4o-mini",
		APIKeyEnv:  "OPENAI_API_KEY",
		APIKeyFile: "/run/secrets/openai_api_key",
		Burst:      1,
		Timeout:    5 * time.Minute,
	}
}

// New builds the configured backend wrapped with timeout, rate limiting and
// metrics, outermost last.
func New(cfg Config) (Model, error) {
	var (
		base Model
		err  error
	)
	switch cfg.Backend {
	case BackendOpenAI, "":
		key, keyErr := LoadSecret(cfg.APIKeyEnv, cfg.APIKeyFile)
		if keyErr != nil && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai backend: %w", keyErr)
		}
		client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		base, err = NewOpenAIModel(cfg.Name, cfg.BaseURL, key, cfg.Params, client)
	case BackendOllama:
		base, err = NewOllamaModel(cfg.BaseURL, cfg.Name, cfg.Params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	model := WithTimeout(base, cfg.Timeout)
	model = NewRateLimited(model, cfg.RequestsPerSecond, cfg.Burst)
	return Instrumented(model, cfg.Name), nil
}
