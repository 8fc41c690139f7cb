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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/AleutianReport/cmd/deepreport/config"
	"github.com/AleutianAI/AleutianReport/pkg/logging"
	"github.com/AleutianAI/AleutianReport/pkg/telemetry"
	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/orchestrator"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
	"github.com/AleutianAI/AleutianReport/services/research/tools/web"
)

// maxTopicFileSize bounds --topic_file.
const maxTopicFileSize = 64 << 10

// ErrEmptyTopic is returned when neither flag yields a topic.
var ErrEmptyTopic = errors.New("topic is empty")

// session holds what a command needs for one invocation and releases it
// in close.
type session struct {
	config   *config.Config
	logger   *logging.Logger
	events   *logging.BufferedExporter
	shutdown func(context.Context) error
}

// newSession sets up logging, telemetry and the optional metrics endpoint.
func newSession(ctx context.Context, c *config.Config) (*session, error) {
	events := logging.NewBufferedExporter()
	lc := c.Logger()
	lc.Exporter = events
	logger := logging.New(lc)
	slog.SetDefault(logger.Slog())

	shutdown, err := telemetry.Init(ctx, c.OTel(version))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	rt := &session{config: c, logger: logger, events: events, shutdown: shutdown}

	if addr := c.Telemetry.MetricsAddr; addr != "" {
		if _, err := telemetry.ServeMetrics(ctx, addr, logger.Slog()); err != nil {
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

// logCounts returns how many warnings and errors were logged so far.
func (rt *session) logCounts() (warnings, errs int) {
	errs = rt.events.Count(logging.LevelError)
	return rt.events.Count(logging.LevelWarn) - errs, errs
}

func (rt *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	_ = rt.logger.Close()
}

// orchestrator builds the model backend, the web toolset and the
// scheduler from the configuration.
func (rt *session) orchestrator() (*orchestrator.Orchestrator, error) {
	model, err := llm.New(rt.config.LLM())
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", err)
	}
	factory, err := webToolFactory(rt.config.Tools, model, rt.logger.Slog())
	if err != nil {
		return nil, err
	}

	oc := rt.config.Orchestrator()
	runner := orchestrator.NewAgentRunner(model, factory, oc.AgentConfig(), oc.AgentAttempts, rt.logger.Slog())
	return orchestrator.New(model, runner, oc, orchestrator.WithLogger(rt.logger.Slog()))
}

// webToolFactory returns a factory that gives every section invocation its
// own web_search and crawl_page instances. Keys are read once and stay
// sealed until a tool is built.
func webToolFactory(c config.ToolsConfig, model llm.Model, logger *slog.Logger) (orchestrator.ToolFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serper, err := llm.LoadSecret(c.SerperAPIKeyEnv, "")
	if err != nil {
		logger.Warn("web_search has no API key; searches will fail",
			slog.String("env", c.SerperAPIKeyEnv))
	}
	jina, _ := llm.LoadSecret(c.JinaAPIKeyEnv, "")

	client := &http.Client{
		Timeout:   c.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	opts := []web.Option{
		web.WithHTTPClient(client),
		web.WithResultCount(c.SearchResults),
		web.WithMaxChars(c.CrawlMaxChars),
	}

	return func(_ context.Context, _ outline.Section) (orchestrator.Toolset, error) {
		serperKey, err := reveal(serper)
		if err != nil {
			return orchestrator.Toolset{}, err
		}
		jinaKey, err := reveal(jina)
		if err != nil {
			return orchestrator.Toolset{}, err
		}
		return orchestrator.Toolset{
			Tools: []tools.Tool{
				web.NewSearch(serperKey, opts...),
				web.NewCrawl(jinaKey, model, opts...),
			},
		}, nil
	}, nil
}

// reveal opens an optional key; a nil enclave is an empty key.
func reveal(e *memguard.Enclave) (string, error) {
	if e == nil {
		return "", nil
	}
	return llm.Reveal(e)
}

// readTopic returns the --topic value or the contents of --topic_file.
func readTopic(text, file string) (string, error) {
	topic := text
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return "", fmt.Errorf("read topic file: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxTopicFileSize+1))
		if err != nil {
			return "", fmt.Errorf("read topic file: %w", err)
		}
		if len(data) > maxTopicFileSize {
			return "", fmt.Errorf("topic file %s is larger than %d bytes", file, maxTopicFileSize)
		}
		topic = string(data)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", ErrEmptyTopic
	}
	return topic, nil
}
