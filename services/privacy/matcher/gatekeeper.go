// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dejavu-ai/dejavu/services/llm"
)

// Gatekeeper verdicts. The model judges each candidate on three axes:
// core focus, emotional intent, and core need.
const (
	verdictPerfect  = "PERFECT"
	verdictPartial  = "PARTIAL"
	verdictMismatch = "MISMATCH"
)

const gatekeeperPrompt = `Analyze the User Query based on 3 dimensions:
A. **Core Focus** (e.g., Academic Stress, Career Planning, Romance)
B. **Emotional Intent** (e.g., Seeking Comfort, Seeking Information, Venting, Boasting)
C. **Core Need** (e.g., "I need empathy", "I need a tutorial", "I need validation")

User Query: "%s"

Classify each candidate in the list below into one of three categories:
- **PERFECT**: Matches Focus (A), Intent (B), AND Need (C) closely.
- **PARTIAL**: Matches Intent (B) OR Need (C), but not both perfectly.
- **MISMATCH**: Does not match Intent (B) or Need (C) at all.

Candidate List:
%s

Return a JSON object mapping each candidate index to its category.
Example: { "0": "PERFECT", "1": "MISMATCH", "2": "PARTIAL", "3": "PERFECT" }`

// gate applies the consistency check to the candidate set in a single
// model call. MISMATCH candidates are discarded; PARTIAL candidates are
// capped at the low tier downstream. The gate fails open: on any model
// or parse error the untouched set is returned so retrieval still works
// when the judge is down.
func (m *Matcher) gate(ctx context.Context, query string, items []scored) []scored {
	if len(items) == 0 {
		return items
	}

	var list strings.Builder
	for i, it := range items {
		fmt.Fprintf(&list, "[%d] %s\n", i, it.Query)
	}

	cfg := m.cfg.Current()
	resp, err := m.llm.Complete(ctx, &llm.Request{
		UserContent: fmt.Sprintf(gatekeeperPrompt, query, list.String()),
		Temperature: cfg.Temperatures.Router,
		JSONMode:    true,
	})
	if err != nil {
		slog.Warn("gatekeeper call failed, passing candidates through", "error", err)
		return items
	}

	var verdicts map[string]string
	if err := json.Unmarshal([]byte(resp.Content), &verdicts); err != nil {
		slog.Warn("gatekeeper returned unparseable JSON, passing candidates through", "error", err)
		return items
	}

	kept := items[:0:0]
	for i, it := range items {
		verdict, ok := verdicts[strconv.Itoa(i)]
		if !ok {
			// Unjudged candidates are treated as mismatches: the judge
			// saw the list and chose not to vouch for them.
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(verdict)) {
		case verdictPerfect:
			kept = append(kept, it)
		case verdictPartial:
			it.forceLow = true
			kept = append(kept, it)
		case verdictMismatch:
		default:
		}
	}

	slog.Debug("gatekeeper filtered candidates", "before", len(items), "after", len(kept))
	return kept
}
