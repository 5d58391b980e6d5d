// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/dejavu-ai/dejavu/services/embedding"
	"github.com/dejavu-ai/dejavu/services/gateway"
	"github.com/dejavu-ai/dejavu/services/gateway/routes"
	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/pool"
	"github.com/dejavu-ai/dejavu/services/privacy/decoy"
	"github.com/dejavu-ai/dejavu/services/privacy/matcher"
	"github.com/dejavu-ai/dejavu/services/privacy/perturb"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
	"github.com/dejavu-ai/dejavu/services/privacy/router"
	"github.com/dejavu-ai/dejavu/services/privacy/scanner"
)

func runServe(cmd *cobra.Command, args []string) {
	port := servePort
	if port == "" {
		port = envOr("DEJAVU_PORT", "12310")
	}

	cleanup, err := gateway.InitTracer(context.Background(),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	cfg, closeCfg, err := buildConfigSource()
	if err != nil {
		log.Fatalf("failed to load tunables: %v", err)
	}
	defer closeCfg()

	llmClient, err := buildLLMClient()
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	embedder := embedding.NewClient(
		envOr("EMBEDDING_SERVICE_URL", "http://localhost:12320"))

	store := buildStore()

	scan, err := scanner.New()
	if err != nil {
		log.Fatalf("failed to load the identifier scanner: %v", err)
	}

	perturber := perturb.New(llmClient, cfg)
	engine := decoy.NewEngine(llmClient, embedder, store, cfg, decoy.EngineOptions{
		AttemptsPerSecond: envOrFloat("DEJAVU_ATTEMPTS_PER_SECOND", 0),
		Reconciler:        perturber,
	})
	registry := decoy.NewRegistry(engine)
	defer registry.StopAll()

	ginEngine := gin.Default()
	ginEngine.Use(otelgin.Middleware(gateway.ServiceName))

	routes.SetupRoutes(ginEngine, routes.Deps{
		Router:    router.New(llmClient, cfg),
		Matcher:   matcher.New(embedder, llmClient, cfg),
		Registry:  registry,
		Perturber: perturber,
		Scanner:   scan,
		Store:     store,
	})

	log.Println("Starting the dejavu gateway on port ", port)
	if err := ginEngine.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildConfigSource returns the tunables source: a hot-reloading watcher
// when --config was given, the compiled-in defaults otherwise.
func buildConfigSource() (privacycfg.Source, func(), error) {
	if configPath == "" {
		slog.Info("no tunables file given, using defaults")
		return privacycfg.Static(privacycfg.Default()), func() {}, nil
	}
	watcher, err := privacycfg.NewWatcher(configPath, privacycfg.WatcherOptions{})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("watching tunables file", "path", configPath)
	return watcher, func() { watcher.Close() }, nil
}

func buildLLMClient() (llm.Client, error) {
	key := os.Getenv("DEJAVU_LLM_API_KEY")
	if key == "" {
		return nil, errMissingAPIKey
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  llm.SealKey([]byte(key)),
		BaseURL: os.Getenv("DEJAVU_LLM_BASE_URL"),
		Model:   envOr("DEJAVU_LLM_MODEL", "deepseek-chat"),
	})
}

// buildStore prefers the Weaviate-backed pool and falls back to the
// in-memory one when no usable database URL is configured, so the
// gateway still runs on a laptop without the full stack.
func buildStore() pool.Store {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Using the in-memory decoy pool.")
		return pool.NewMemoryStore()
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Using the in-memory decoy pool.",
			"url", weaviateURL, "error", err)
		return pool.NewMemoryStore()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client. Using the in-memory decoy pool.",
			"error", err)
		return pool.NewMemoryStore()
	}
	if err := pool.EnsureSchema(context.Background(), client); err != nil {
		slog.Error("Failed to ensure the decoy schema. Using the in-memory decoy pool.",
			"error", err)
		return pool.NewMemoryStore()
	}
	return pool.NewWeaviateStore(client)
}

var errMissingAPIKey = errors.New("DEJAVU_LLM_API_KEY is not set")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable env value", "key", key, "value", v)
		return fallback
	}
	return f
}
