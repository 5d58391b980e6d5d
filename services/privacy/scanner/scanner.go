// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scanner flags literal identifiers (credentials, card numbers,
// contact details) in query text. Semantic obfuscation downstream cannot
// hide a verbatim secret, so these are caught with plain regex before the
// text leaves the process boundary.
package scanner

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dejavu-ai/dejavu/services/privacy/scanner/rules"
)

// Scanner checks text against the embedded identifier rule set.
//
// # Thread Safety
//
// Scanner is immutable after construction and safe for concurrent use.
type Scanner struct {
	categories []Category
}

// New loads and compiles the embedded rule set.
func New() (*Scanner, error) {
	var file ruleFile
	if err := yaml.Unmarshal(rules.PIIPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rule file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a rule: %w", err)
	}
	file.sortByPriority()
	return &Scanner{categories: file.Categories}, nil
}

// Categorize returns the name of the highest priority category with a hit,
// or "none" when the text carries no literal identifier.
func (s *Scanner) Categorize(text string) string {
	for _, cat := range s.categories {
		for _, rule := range cat.Rules {
			if rule.compiled.MatchString(text) {
				return cat.Name
			}
		}
	}
	return "none"
}

// Scan audits text line by line and reports every identifier hit with its
// rule and location, for callers that need to show the user what leaked.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	for lineNum, line := range strings.Split(text, "\n") {
		for _, cat := range s.categories {
			for _, rule := range cat.Rules {
				match := rule.compiled.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, Finding{
					LineNumber:  lineNum + 1,
					Matched:     strings.TrimSpace(match),
					Category:    cat.Name,
					RuleID:      rule.ID,
					Description: rule.Description,
					Confidence:  rule.Confidence,
				})
			}
		}
	}
	return findings
}
