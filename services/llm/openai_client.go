// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible backend. DeepSeek and
// other compatible providers are reached via BaseURL.
type OpenAIConfig struct {
	// APIKey is the sealed provider key. The enclave is opened once at
	// construction; the plaintext never sits in an unguarded long-lived
	// allocation owned by this package.
	APIKey *memguard.Enclave

	// BaseURL overrides the provider endpoint, e.g.
	// "https://api.deepseek.com/v1". Empty means the OpenAI default.
	BaseURL string

	// Model is the chat model name, e.g. "deepseek-chat".
	Model string
}

// OpenAIClient implements Client over the go-openai SDK.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from config.
//
// Outputs:
//
//	*OpenAIClient - Ready-to-use client.
//	error - If the key enclave is nil/unopenable or model is empty.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("api key enclave must not be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	buf, err := cfg.APIKey.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()

	clientCfg := openai.DefaultConfig(buf.String())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("initializing completion client",
		"model", cfg.Model,
		"base_url", cfg.BaseURL,
	)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Complete implements the Client interface.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserContent},
		},
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyCompletion
	}

	slog.Debug("completion received",
		"model", c.model,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return &Response{Content: resp.Choices[0].Message.Content}, nil
}

// SealKey wraps a plaintext key into an enclave and wipes the input.
//
// Intended for use at process startup right after the key is read from
// the environment or a secrets file.
func SealKey(key []byte) *memguard.Enclave {
	return memguard.NewEnclave(key)
}

var _ Client = (*OpenAIClient)(nil)
