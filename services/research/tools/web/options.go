// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package web provides the network-backed research tools: web_search over
// the Serper Google API and crawl_page over the Jina reader.
package web

import (
	"net/http"
	"time"
)

const (
	defaultSerperEndpoint = "https://google.serper.dev/search"
	defaultReaderEndpoint = "https://r.jina.ai/"

	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

type options struct {
	client     *http.Client
	endpoint   string
	maxRetries int
	retryDelay time.Duration
	results    int
	maxChars   int
}

// Option configures a web tool.
type Option func(*options)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithEndpoint points the tool at a different base URL. Used by tests and
// self-hosted readers.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithRetries sets the attempt count and the fixed delay between attempts.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.maxRetries = attempts
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithResultCount sets how many organic results web_search requests.
func WithResultCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.results = n
		}
	}
}

// WithMaxChars bounds the page text crawl_page hands to the extractor model.
func WithMaxChars(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChars = n
		}
	}
}

func buildOptions(endpoint string, opts []Option) options {
	o := options{
		client:     &http.Client{Timeout: defaultTimeout},
		endpoint:   endpoint,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		results:    5,
		maxChars:   60000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
