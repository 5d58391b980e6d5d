// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for
// security-critical operations.
//
// User-provided identifiers end up in store lookups and log lines; these
// validators reject anything that could smuggle a filter expression or
// control characters through.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sessionIDPattern matches valid session identifiers.
// Allows: letters, digits, underscores, hyphens. Max length 64, which
// comfortably covers UUIDs and human-picked names.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-]{0,63}$`)

// ValidateSessionID validates a session identifier before it is used as a
// registry key or query filter.
//
// Valid session ids:
//   - 1-64 characters
//   - Start with a letter or digit
//   - Letters, digits, underscores, hyphens
//
// Returns an error describing the first problem found.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if len(sessionID) > 64 {
		return fmt.Errorf("session id too long: %d characters (max 64)", len(sessionID))
	}
	if strings.ContainsAny(sessionID, " \t\n\r") {
		return fmt.Errorf("session id must not contain whitespace")
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("session id %q contains invalid characters", sessionID)
	}
	return nil
}
