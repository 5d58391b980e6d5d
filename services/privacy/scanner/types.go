// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Confidence(s)
	switch incoming {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", incoming)
	}
}

// ruleFile mirrors the embedded YAML layout.
type ruleFile struct {
	Categories []Category `yaml:"classifications"`
}

// Category groups related identifier patterns, checked in priority order.
type Category struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
	Rules       []Rule `yaml:"patterns"`
}

// Rule is one identifier pattern.
type Rule struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	compiled *regexp.Regexp
}

// Finding records one identifier hit in scanned text.
type Finding struct {
	LineNumber  int        `json:"line_number"`
	Matched     string     `json:"matched"`
	Category    string     `json:"category"`
	RuleID      string     `json:"rule_id"`
	Description string     `json:"description"`
	Confidence  Confidence `json:"confidence"`
}

func (f *ruleFile) compile() error {
	for i := range f.Categories {
		for j := range f.Categories[i].Rules {
			rule := &f.Categories[i].Rules[j]
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return fmt.Errorf("compile rule %s: %w", rule.ID, err)
			}
			rule.compiled = re
		}
	}
	return nil
}

func (f *ruleFile) sortByPriority() {
	sort.SliceStable(f.Categories, func(i, j int) bool {
		return f.Categories[i].Priority > f.Categories[j].Priority
	})
}
