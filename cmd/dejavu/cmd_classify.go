// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dejavu-ai/dejavu/services/privacy/router"
)

func runClassify(cmd *cobra.Command, args []string) {
	query := strings.Join(args, " ")

	cfg, closeCfg, err := buildConfigSource()
	if err != nil {
		log.Fatalf("failed to load tunables: %v", err)
	}
	defer closeCfg()

	llmClient, err := buildLLMClient()
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	classification := router.New(llmClient, cfg).Classify(context.Background(), query)

	if classifyJSON {
		out, err := json.MarshalIndent(classification, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode classification: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Category:   %s\n", classification.Category)
	fmt.Printf("Risk:       %s\n", classification.PrivacyRisk)
	fmt.Printf("Confidence: %.2f\n", classification.Confidence)
	fmt.Printf("Protect:    %v\n", classification.ShouldProtect)
	if classification.Reasoning != "" {
		fmt.Printf("Reasoning:  %s\n", classification.Reasoning)
	}
	if prompt := router.FeedbackPrompt(classification); prompt != "" {
		fmt.Printf("\n%s\n", prompt)
	}
}
