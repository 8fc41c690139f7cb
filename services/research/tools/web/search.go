// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianReport/services/research/tools"
)

// SearchName is the registered name of the search tool.
const SearchName = "web_search"

// ErrMissingAPIKey is returned when a tool that needs a key has none.
var ErrMissingAPIKey = errors.New("web: API key is missing")

// Search queries Google through Serper.
type Search struct {
	apiKey string
	opts   options
}

// NewSearch builds the web_search tool.
func NewSearch(apiKey string, opts ...Option) *Search {
	return &Search{apiKey: apiKey, opts: buildOptions(defaultSerperEndpoint, opts)}
}

func (s *Search) Definition() tools.Definition {
	return tools.Definition{
		Name:        SearchName,
		Description: "Perform a web search query and return the search results.",
		Inputs: map[string]tools.Input{
			"query": {Type: tools.TypeString, Description: "The web search query to perform."},
		},
		OutputType: tools.TypeString,
	}
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
		Source  string `json:"source"`
	} `json:"organic"`
}

// Invoke accepts {"query": "..."} or a bare query string.
func (s *Search) Invoke(ctx context.Context, args tools.Args) (string, error) {
	query := args.Text()
	if !args.IsText() {
		query, _ = args.String("query")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "Query is empty. Please provide a valid search query.", nil
	}
	if strings.TrimSpace(s.apiKey) == "" {
		return "", ErrMissingAPIKey
	}

	payload, err := json.Marshal(map[string]any{
		"q":        query,
		"location": "United States",
		"num":      s.opts.results,
	})
	if err != nil {
		return "", err
	}

	var resp serperResponse
	err = withRetries(ctx, s.opts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("X-API-KEY", s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return doJSON(s.opts.client, req, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("search failed after %d attempts: %w", s.opts.maxRetries, err)
	}

	if len(resp.Organic) == 0 {
		return fmt.Sprintf("No results found for '%s'. Try a more general query.", query), nil
	}

	parts := make([]string, 0, len(resp.Organic))
	for i, page := range resp.Organic {
		title := page.Title
		if title == "" {
			title = "No title"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d. [%s](%s)", i+1, title, page.Link)
		if page.Date != "" {
			fmt.Fprintf(&b, "\nDate published: %s", page.Date)
		}
		if page.Source != "" {
			fmt.Fprintf(&b, "\nSource: %s", page.Source)
		}
		snippet := strings.TrimSpace(page.Snippet)
		if snippet == "" {
			snippet = "No snippet"
		}
		fmt.Fprintf(&b, "\n   %s", snippet)
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n"), nil
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	body, err := doRequest(client, req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &statusError{code: resp.StatusCode, body: snippet}
	}
	return body, nil
}

// withRetries runs fn up to opts.maxRetries times with a fixed delay.
// Client errors other than 429 are not retried.
func withRetries(ctx context.Context, opts options, fn func() error) error {
	var err error
	for attempt := 0; attempt < opts.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if attempt == opts.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.retryDelay):
		}
	}
	return err
}
