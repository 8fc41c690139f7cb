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
	"log/slog"
	"net/http"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// OpenAIModel talks to the OpenAI chat completions API or any server that
// implements it (vLLM, DeepSeek, LiteLLM) when BaseURL is set.
type OpenAIModel struct {
	client *openai.Client
	model  string
	params GenerationParams
	logger *slog.Logger
}

// NewOpenAIModel builds a client. apiKey may be nil for local servers that
// do not check credentials. The key leaves the enclave only long enough to
// configure the client.
func NewOpenAIModel(model, baseURL string, apiKey *memguard.Enclave, params GenerationParams, httpClient *http.Client) (*OpenAIModel, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model name is required")
	}

	key := ""
	if apiKey != nil {
		revealed, err := Reveal(apiKey)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		key = revealed
	}

	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	return &OpenAIModel{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		params: params,
		logger: slog.Default().With(slog.String("backend", "openai"), slog.String("model", model)),
	}, nil
}

// Chat sends one chat completion request.
func (o *OpenAIModel) Chat(ctx context.Context, messages []Message) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
	}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}
	if len(o.params.Stop) > 0 {
		req.Stop = o.params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	o.logger.Debug("chat completion",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	text, reasoning := SplitReasoning(resp.Choices[0].Message.Content)
	return &Response{
		Text:         text,
		Reasoning:    reasoning,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	normalized := NormalizeRoles(messages)
	out := make([]openai.ChatCompletionMessage, 0, len(normalized))
	for _, m := range normalized {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
