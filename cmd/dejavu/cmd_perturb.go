// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dejavu-ai/dejavu/services/privacy/perturb"
)

func runPerturb(cmd *cobra.Command, args []string) {
	text := strings.Join(args, " ")

	cfg, closeCfg, err := buildConfigSource()
	if err != nil {
		log.Fatalf("failed to load tunables: %v", err)
	}
	defer closeCfg()

	llmClient, err := buildLLMClient()
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}
	perturber := perturb.New(llmClient, cfg)
	ctx := context.Background()

	switch perturbMode {
	case "persona":
		rewritten, err := perturber.RewritePersona(ctx, text)
		if err != nil {
			log.Fatalf("persona rewrite failed: %v", err)
		}
		fmt.Println(rewritten)
	case "pair":
		if perturbAnswer == "" {
			log.Fatalf("pair mode requires --response")
		}
		pair, err := perturber.RewritePair(ctx, text, perturbAnswer)
		if err != nil {
			log.Fatalf("pair perturbation failed: %v", err)
		}
		fmt.Printf("Query:    %s\n", pair.Query)
		fmt.Printf("Response: %s\n", pair.Response)
	default:
		log.Fatalf("unknown perturbation mode %q (want persona or pair)", perturbMode)
	}
}
