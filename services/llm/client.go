// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the text-completion client used by the privacy
// pipeline. The backend is consumed as an opaque primitive: a system
// prompt, user content, a temperature, and optionally a JSON-object
// response mode.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the backend produced no content.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Request describes a single completion call.
type Request struct {
	// SystemPrompt sets the system role content.
	SystemPrompt string

	// UserContent is the user role content.
	UserContent string

	// Temperature controls sampling. The router and judge pin low
	// temperatures; decoy generation runs at 1.0.
	Temperature float32

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int

	// JSONMode requests a JSON-object response format. Callers are
	// still responsible for validating the decoded payload.
	JSONMode bool
}

// Response carries the completion content.
type Response struct {
	Content string
}

// Client is the standard interface for any completion backend.
//
// Implementations must be safe for concurrent use; every component of
// the pipeline shares one client.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
