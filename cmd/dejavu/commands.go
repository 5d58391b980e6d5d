// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string // Tunables file, hot reloaded when set
	servePort     string
	classifyJSON  bool   // Output the raw classification as JSON
	perturbMode   string // persona | pair
	perturbAnswer string // Response text for pair mode

	rootCmd = &cobra.Command{
		Use:   "dejavu",
		Short: "A cli to run and exercise the Dejavu privacy gateway",
		Long: `Dejavu protects sensitive queries by classifying them, retrieving
				look-alike decoys from a pool, and synthesizing new decoys so an
				upstream model provider cannot tell the real query apart.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the privacy gateway HTTP service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	classifyCmd = &cobra.Command{
		Use:   "classify [query]",
		Short: "Classify a query's privacy sensitivity from the command line",
		Args:  cobra.MinimumNArgs(1),
		Run:   runClassify, // Defined in cmd_classify.go
	}

	perturbCmd = &cobra.Command{
		Use:   "perturb [text]",
		Short: "Rewrite a query (or query/response pair) so it no longer reads as yours",
		Args:  cobra.MinimumNArgs(1),
		Run:   runPerturb, // Defined in cmd_perturb.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the tunables YAML file (hot reloaded while serving)")

	serveCmd.Flags().StringVar(&servePort, "port", "",
		"Port to listen on (defaults to DEJAVU_PORT or 12310)")

	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false,
		"Print the raw classification JSON")

	perturbCmd.Flags().StringVar(&perturbMode, "mode", "persona",
		"Perturbation mode: persona or pair")
	perturbCmd.Flags().StringVar(&perturbAnswer, "response", "",
		"Response text, required for pair mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(perturbCmd)
}
