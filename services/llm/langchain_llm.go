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
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangChainModel adapts any langchaingo llms.Model.
type LangChainModel struct {
	llm  llms.Model
	opts []llms.CallOption
}

// NewLangChainModel wraps model with the given generation params.
func NewLangChainModel(model llms.Model, params GenerationParams) *LangChainModel {
	var opts []llms.CallOption
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return &LangChainModel{llm: model, opts: opts}
}

// NewOllamaModel connects to an Ollama server. An empty serverURL uses the
// langchaingo default (OLLAMA_HOST or localhost:11434).
func NewOllamaModel(serverURL, model string, params GenerationParams) (*LangChainModel, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return NewLangChainModel(client, params), nil
}

// Chat calls GenerateContent with text-only parts.
func (m *LangChainModel) Chat(ctx context.Context, messages []Message) (*Response, error) {
	normalized := NormalizeRoles(messages)
	content := make([]llms.MessageContent, 0, len(normalized))
	for _, msg := range normalized {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	resp, err := m.llm.GenerateContent(ctx, content, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	text, reasoning := SplitReasoning(choice.Content)
	return &Response{
		Text:         text,
		Reasoning:    reasoning,
		InputTokens:  infoInt(choice.GenerationInfo, "PromptTokens", "prompt_tokens", "input_tokens"),
		OutputTokens: infoInt(choice.GenerationInfo, "CompletionTokens", "completion_tokens", "output_tokens"),
	}, nil
}

func chatMessageType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// infoInt reads the first numeric GenerationInfo entry among keys. Backends
// disagree on both key names and numeric types.
func infoInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		for k, v := range info {
			if !strings.EqualFold(k, key) {
				continue
			}
			switch n := v.(type) {
			case int:
				return n
			case int32:
				return int(n)
			case int64:
				return int(n)
			case float64:
				return int(n)
			case float32:
				return int(n)
			}
		}
	}
	return 0
}
