// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompletionServer returns an httptest server that speaks just enough
// of the chat completions wire format for the client under test.
func fakeCompletionServer(t *testing.T, content string, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				*capture = body
			}
		}
		resp := map[string]any{
			"id":     "cmpl-test",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": content,
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  SealKey([]byte("test-key")),
		BaseURL: baseURL,
		Model:   "test-model",
	})
	require.NoError(t, err)
	return client
}

func TestNewOpenAIClient_Validation(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{Model: "m"})
	assert.Error(t, err, "nil key enclave should be rejected")

	_, err = NewOpenAIClient(OpenAIConfig{APIKey: SealKey([]byte("k"))})
	assert.Error(t, err, "empty model should be rejected")
}

func TestOpenAIClient_Complete(t *testing.T) {
	var captured map[string]any
	srv := fakeCompletionServer(t, "hello there", &captured)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Complete(context.Background(), &Request{
		SystemPrompt: "You are a classifier.",
		UserContent:  "hi",
		Temperature:  0.1,
		JSONMode:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)

	// The request on the wire should carry the JSON response format and
	// both roles in order.
	rf, ok := captured["response_format"].(map[string]any)
	require.True(t, ok, "expected response_format in request body")
	assert.Equal(t, "json_object", rf["type"])

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestOpenAIClient_Complete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Complete(context.Background(), &Request{UserContent: "hi"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
