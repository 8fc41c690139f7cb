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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
)

// CrawlName is the registered name of the crawl tool.
const CrawlName = "crawl_page"

const (
	crawlChunkSize = 4000
	extractSystem  = "You extract query-relevant facts from web pages."
)

// Crawl reads a page through the Jina reader and has the model extract
// what is relevant to the query.
type Crawl struct {
	apiKey   string
	model    llm.Model
	opts     options
	splitter textsplitter.TextSplitter
}

// NewCrawl builds the crawl_page tool. apiKey may be empty; the reader then
// applies its anonymous rate limits.
func NewCrawl(apiKey string, model llm.Model, opts ...Option) *Crawl {
	return &Crawl{
		apiKey: apiKey,
		model:  model,
		opts:   buildOptions(defaultReaderEndpoint, opts),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(crawlChunkSize),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
	}
}

func (c *Crawl) Definition() tools.Definition {
	return tools.Definition{
		Name: CrawlName,
		Description: "Access webpage using the provided URL and extract relevant content. " +
			"Please make full use of this tool to verify the accuracy of the searched content.",
		Inputs: map[string]tools.Input{
			"url":   {Type: tools.TypeString, Description: "The URL of the webpage to visit."},
			"query": {Type: tools.TypeString, Description: "The specific information to extract from the webpage."},
		},
		OutputType: tools.TypeString,
	}
}

// Invoke fetches url and extracts content matching query. A positional
// argument is taken as the URL with an empty query.
func (c *Crawl) Invoke(ctx context.Context, args tools.Args) (string, error) {
	var url, query string
	if args.IsText() {
		url = args.Text()
	} else {
		url, _ = args.String("url")
		query, _ = args.String("query")
	}
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "Invalid URL format. Must start with http:// or https://", nil
	}

	page, err := c.read(ctx, url)
	if err != nil {
		return "", fmt.Errorf("read page %s: %w", url, err)
	}
	page = c.clip(page)
	if c.model == nil || strings.TrimSpace(query) == "" {
		return page, nil
	}

	prompt := fmt.Sprintf("Task: Extract all content from the web page that matches the search query.\n"+
		"Search Query: %s\n\nWeb Page Content [url:%s]:\n%s\n\n"+
		"Instructions:\n"+
		"- Summarize all relevant content for the query (text, tables, lists) into concise points\n"+
		"- If no relevant information exists, please straightly output 'No relevant information'\n"+
		"- Keep the summary under 500 words", query, url, page)

	var lastErr error
	for attempt := 0; attempt < c.opts.maxRetries; attempt++ {
		resp, err := c.model.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: extractSystem},
			{Role: llm.RoleUser, Content: prompt},
		})
		if err == nil {
			return strings.TrimSpace(resp.Text), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("content extraction failed: %w", lastErr)
}

func (c *Crawl) read(ctx context.Context, url string) (string, error) {
	var body []byte
	err := withRetries(ctx, c.opts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.endpoint+url, nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		req.Header.Set("X-Return-Format", "markdown")
		req.Header.Set("X-Retain-Images", "none")
		req.Header.Set("X-Timeout", "10")
		body, err = doRequest(c.opts.client, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// clip keeps whole chunks up to maxChars so the cut lands on a paragraph or
// sentence boundary when one exists.
func (c *Crawl) clip(page string) string {
	if len(page) <= c.opts.maxChars {
		return page
	}
	chunks, err := c.splitter.SplitText(page)
	if err != nil || len(chunks) == 0 {
		return page[:c.opts.maxChars] + "...(truncated)"
	}

	var b strings.Builder
	for _, chunk := range chunks {
		if b.Len()+len(chunk)+2 > c.opts.maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(chunk)
	}
	if b.Len() == 0 {
		return page[:c.opts.maxChars] + "...(truncated)"
	}
	b.WriteString("...(truncated)")
	return b.String()
}
