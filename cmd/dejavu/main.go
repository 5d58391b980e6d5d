// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/awnumar/memguard"

	"github.com/dejavu-ai/dejavu/pkg/logging"
)

func main() {
	// Wipe sensitive enclaves on interrupt before the process dies.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	logger := logging.New(logging.Config{
		Level:   logLevelFromEnv(),
		LogDir:  os.Getenv("DEJAVU_LOG_DIR"),
		Service: "dejavu",
		JSON:    os.Getenv("DEJAVU_LOG_FORMAT") == "json",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func logLevelFromEnv() logging.Level {
	switch os.Getenv("DEJAVU_LOG_LEVEL") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
