// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package perturb offers stateless LLM-backed rewriting primitives:
// masking identifying details in a query, reconciling a response with a
// rewritten persona, and rewriting a query/response pair atomically.
package perturb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
)

// ErrEmptyInput indicates the text to rewrite was empty.
var ErrEmptyInput = errors.New("nothing to perturb")

const personaPrompt = `You are the 'Confuser' privacy module.
Input: A user's personal query.
Task: Rewrite the query to protect privacy while maintaining semantic meaning.
Rules:
- Replace specific Locations with plausible alternatives (e.g., Seattle -> Austin).
- Replace specific Ages/Dates with plausible alternatives (e.g., 28 -> 31).
- Replace specific Professions with related roles (e.g., Engineer -> Developer).
- KEEP the core problem/emotion intact (e.g., "burnt out", "stress").
- OUTPUT ONLY THE TRANSFORMED TEXT. NO EXPLANATIONS.`

const reconcilePrompt = `You are a 'Response Sanitizer' for a privacy system.
Input:
1. An AI response (which might reference specific user details).
2. The 'Obfuscated Query' (the persona we WANT the AI to be talking to).

Task: Rewrite the AI response so it contextually aligns with the 'Obfuscated Query' persona.
Rules:
- If the original response mentions attributes (like "As a surgeon..."), CHANGE them to match the Obfuscated Query (e.g., "As a teacher...").
- KEEP the core advice and sentiment exactly the same.
- Do NOT add any preamble or "Here is the sanitized version".
- OUTPUT ONLY the sanitized response text.`

const pairPrompt = `You are a privacy masker.
Input: A Query and a Response.
Task: Identify sensitive entities in the Query (Name, Location, Age, Role). Replace them with consistent alternatives in BOTH the Query and the Response.
- Ensure the context remains consistent (e.g., if "London" -> "Manchester" in Query, "London" must also be "Manchester" in Response).
- Output ONLY valid JSON: {"query": "...", "response": "..."}.`

// Pair is a rewritten query/response couple with entity substitutions
// applied consistently on both sides.
type Pair struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Perturber runs the rewriting primitives.
//
// # Thread Safety
//
// Perturber is safe for concurrent use.
type Perturber struct {
	llm         llm.Client
	cfg         privacycfg.Source
	temperature *float32
}

// New creates a Perturber using the configured perturbation temperature.
func New(client llm.Client, cfg privacycfg.Source) *Perturber {
	return &Perturber{llm: client, cfg: cfg}
}

// WithTemperature returns a copy pinned to the given temperature. Zero
// makes rewrites deterministic for testing and replay.
func (p *Perturber) WithTemperature(t float32) *Perturber {
	clone := *p
	clone.temperature = &t
	return &clone
}

func (p *Perturber) temp() float32 {
	if p.temperature != nil {
		return *p.temperature
	}
	return p.cfg.Current().Temperatures.Perturbation
}

// RewritePersona rewrites a query so its identifying details change but
// its problem and emotion survive.
func (p *Perturber) RewritePersona(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	resp, err := p.llm.Complete(ctx, &llm.Request{
		SystemPrompt: personaPrompt,
		UserContent:  text,
		Temperature:  p.temp(),
		MaxTokens:    500,
	})
	if err != nil {
		return "", fmt.Errorf("persona rewrite: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// ReconcileResponse rewrites an answer so it addresses the persona of
// targetQuery instead of the original asker.
func (p *Perturber) ReconcileResponse(ctx context.Context, answer, targetQuery string) (string, error) {
	if strings.TrimSpace(answer) == "" || strings.TrimSpace(targetQuery) == "" {
		return "", ErrEmptyInput
	}

	userContent := fmt.Sprintf("Original Response: %q\nObfuscated Query: %q", answer, targetQuery)
	resp, err := p.llm.Complete(ctx, &llm.Request{
		SystemPrompt: reconcilePrompt,
		UserContent:  userContent,
		Temperature:  p.temp(),
		MaxTokens:    1000,
	})
	if err != nil {
		return "", fmt.Errorf("response reconcile: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// RewritePair rewrites a query and its response in one call so entity
// substitutions stay consistent across both.
func (p *Perturber) RewritePair(ctx context.Context, query, answer string) (*Pair, error) {
	if strings.TrimSpace(query) == "" || strings.TrimSpace(answer) == "" {
		return nil, ErrEmptyInput
	}

	resp, err := p.llm.Complete(ctx, &llm.Request{
		SystemPrompt: pairPrompt,
		UserContent:  fmt.Sprintf("Query: %s\nResponse: %s", query, answer),
		Temperature:  p.temp(),
		MaxTokens:    1000,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("pair rewrite: %w", err)
	}

	var pair Pair
	if err := json.Unmarshal([]byte(resp.Content), &pair); err != nil {
		return nil, fmt.Errorf("pair rewrite returned invalid JSON: %w", err)
	}
	if pair.Query == "" || pair.Response == "" {
		return nil, fmt.Errorf("pair rewrite returned incomplete result")
	}
	return &pair, nil
}
