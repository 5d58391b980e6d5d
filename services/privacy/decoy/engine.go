// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package decoy synthesizes "parallel universe" versions of a
// conversation and persists them to the pool, so retrieval can serve
// high fidelity decoys instead of real user data.
package decoy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/dejavu-ai/dejavu/services/embedding"
	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/pool"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
)

const tracerName = "dejavu/decoy"

// ErrMissingInput indicates the original query or response was empty.
var ErrMissingInput = errors.New("original query and response are required")

const generatorPrompt = `You are the 'Confuser' Privacy Module - an expert in deep semantic obfuscation.
Task: Generate a 'Synthetic Decoy' that preserves the CORE INTENT but is UNRECOGNIZABLE to the original author.

GOAL: If the original author sees the decoy, they should NOT recognize it as derived from their query.

PROTOCOL - EXECUTE ALL 6 MANDATORY TRANSFORMATIONS:

1. **DOMAIN HARD SWAP** (Critical):
   - Change the specific field/tool/condition to a PARALLEL but DIFFERENT domain.
   - Example: "Python debugging" -> "Go performance tuning" (both programming, different focus)

2. **ENTITY & METRIC SWAP**:
   - Change test types, institutions, and metrics to equivalent but different scales.

3. **NUMERIC SHIFT**:
   - Ages: +/- 2-5 years. Scores: equivalent level in a different system. Durations: nearby but different.

4. **SEQUENCE RESTRUCTURING** (Critical for unrecognizability):
   - REORDER the information elements in the sentence.
   - Example: [Major] -> [Goal] -> [Weakness] becomes [Goal] -> [Weakness] -> [Major]

5. **TONE & PERSPECTIVE SHIFT**:
   - Change emotional tone (Anxious -> Analytical), perspective (First person -> Third person),
     and question style (Seeking advice -> Seeking validation).

6. **SYNTACTIC VARIATION**:
   - Change sentence connectors, split or merge clauses, add or remove hedging language.

QUALITY CHECK - The decoy should:
- Preserve the abstract problem structure.
- Be unrecognizable to the original author.
- Sound like a DIFFERENT person with a SIMILAR dilemma.
- NOT be a simple find-and-replace of entities.

OUTPUT FORMAT (JSON ONLY):
{
  "rationale": "1) Domain: X->Y; 2) Metric: A->B; 3) Sequence: reversed; 4) Tone: anxious->reflective",
  "query": "The deeply transformed query",
  "response": "The correspondingly transformed response"
}`

const missionContext = `[MISSION OBJECTIVE]
Target Similarity: 0.75 to 0.85 (The "Goldilocks Zone").
Current Status: You are generating a decoy.

CRITICAL REQUIREMENTS:
1. The original author must NOT recognize the decoy as derived from their query
2. Apply ALL 6 transformations, especially SEQUENCE RESTRUCTURING
3. Change the ORDER of information elements, not just the entities
4. Shift the tone and perspective to sound like a DIFFERENT person

ANTI-PATTERN (DO NOT DO THIS):
Simple entity replacement that keeps the sentence structure intact - too recognizable.

CORRECT PATTERN:
Reordered structure, changed perspective, different but parallel domain.`

const judgePrompt = `You are the 'Similarity Judge'.
Task: Compare a Decoy to an Original Query.
Verdict: MATCH if the Core Intent (A), Focus (B), and Abstract Need (C) are the same, even if the Entities (Medium/Tool/Location) are different.

Example: "Reading a Novel" vs "Watching a Movie" -> MATCH (Both are consuming narratives).
Example: "Python Bug" vs "Cooking Recipe" -> MISMATCH.

OUTPUT JSON ONLY:
{"verdict": "MATCH" | "MISMATCH", "reason": "..."}`

// Reconciler aligns a generated response with its decoy query persona.
// perturb.Perturber satisfies it.
type Reconciler interface {
	ReconcileResponse(ctx context.Context, answer, targetQuery string) (string, error)
}

// Request describes one synthesis run.
type Request struct {
	// Query and Response are the original conversation turn to obfuscate.
	Query    string
	Response string

	// BatchID groups the persisted decoys. Empty means a fresh UUID.
	BatchID string

	// OnProgress, if set, is called after each accepted decoy.
	OnProgress func(accepted, target int)
}

// Result summarizes a completed run.
type Result struct {
	// BatchID is the group id the persisted decoys carry.
	BatchID string

	// Accepted is how many decoys passed quality control, including
	// any accepted before a cancellation cut the run short.
	Accepted int

	// Persisted is how many of those reached the store.
	Persisted int

	// Batches and Attempts count the work spent.
	Batches  int
	Attempts int

	// TooUnique is set when the circuit breaker tripped: every batch
	// was exhausted without a single acceptable decoy. Not an error;
	// some queries cannot be obfuscated at the target similarity.
	TooUnique bool
}

// Engine generates, judges, and persists decoys.
//
// # Description
//
// A run executes up to MaxBatches batches of BatchSize generation
// attempts. Each attempt is similarity checked against the original
// query; a hit inside the fast track band is accepted immediately and
// ends the batch. A batch with no fast track hit sends its candidate
// closest to the judge target to the similarity judge, whose MATCH
// force-accepts it. Judge failures count as MISMATCH: an unreachable
// judge must not let unvetted decoys through.
//
// # Thread Safety
//
// Engine is safe for concurrent use; the rate limiter paces generation
// attempts across all concurrent runs.
type Engine struct {
	llm        llm.Client
	embedder   embedding.Embedder
	store      pool.Store
	reconciler Reconciler
	cfg        privacycfg.Source
	limiter    *rate.Limiter
}

// EngineOptions configures NewEngine.
type EngineOptions struct {
	// AttemptsPerSecond paces generation attempts across concurrent
	// runs. Zero disables pacing.
	AttemptsPerSecond float64

	// Reconciler aligns accepted responses with their decoy query.
	// Nil skips reconciliation and persists responses as generated.
	Reconciler Reconciler
}

// NewEngine creates an Engine.
func NewEngine(client llm.Client, embedder embedding.Embedder, store pool.Store, cfg privacycfg.Source, opts EngineOptions) *Engine {
	var limiter *rate.Limiter
	if opts.AttemptsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.AttemptsPerSecond), 1)
	}
	return &Engine{
		llm:        client,
		embedder:   embedder,
		store:      store,
		reconciler: opts.Reconciler,
		cfg:        cfg,
		limiter:    limiter,
	}
}

// candidate is a generated decoy and its similarity to the original.
type candidate struct {
	Rationale  string `json:"rationale"`
	Query      string `json:"query"`
	Response   string `json:"response"`
	similarity float64
}

// Run executes one synthesis run. Cancellation is cooperative and
// checked at batch and attempt boundaries; a cancelled run returns
// ctx.Err() with however much work had completed.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "decoy.Run")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.Response) == "" {
		return nil, ErrMissingInput
	}

	cfg := e.cfg.Current()
	syn := cfg.Synthesis

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	result := &Result{BatchID: batchID}
	span.SetAttributes(attribute.String("decoy.batch_id", batchID))

	originalVec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed original query: %w", err)
	}

	userContent := fmt.Sprintf("%s\n\nOriginal Query: %s\nOriginal Response: %s", missionContext, req.Query, req.Response)

	var accepted []candidate
	for batch := 1; len(accepted) < syn.TargetCount && batch <= syn.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Batches = batch
		slog.Info("generation batch starting", "batch", batch, "maxBatches", syn.MaxBatches, "accepted", len(accepted))

		var batchCandidates []candidate
		fastTrack := false

		for attempt := 0; attempt < syn.BatchSize; attempt++ {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return result, err
				}
			}
			result.Attempts++

			c, ok := e.generate(ctx, userContent, req.Query, originalVec, cfg.Temperatures.Generation)
			if !ok {
				continue
			}
			batchCandidates = append(batchCandidates, c)

			if c.similarity >= syn.FastTrackLow && c.similarity <= syn.FastTrackHigh {
				slog.Info("fast track hit", "batch", batch, "similarity", c.similarity)
				accepted = append(accepted, c)
				result.Accepted = len(accepted)
				e.progress(req, len(accepted), syn.TargetCount)
				fastTrack = true
				break
			}
		}

		if fastTrack || len(batchCandidates) == 0 {
			continue
		}

		// No fast track hit: arbitrate the candidate closest to the
		// target similarity.
		best := batchCandidates[0]
		for _, c := range batchCandidates[1:] {
			if math.Abs(c.similarity-syn.JudgeTarget) < math.Abs(best.similarity-syn.JudgeTarget) {
				best = c
			}
		}
		if e.judge(ctx, req.Query, best.Query, cfg.Temperatures.Judge) {
			slog.Info("judge accepted candidate", "batch", batch, "similarity", best.similarity)
			accepted = append(accepted, best)
			result.Accepted = len(accepted)
			e.progress(req, len(accepted), syn.TargetCount)
		} else {
			slog.Info("judge discarded batch", "batch", batch, "similarity", best.similarity)
		}
	}

	if len(accepted) == 0 {
		// Circuit breaker: the query resisted obfuscation. Completed,
		// not failed.
		result.TooUnique = true
		slog.Warn("circuit breaker: query too unique to obfuscate", "batches", result.Batches, "attempts", result.Attempts)
		span.SetAttributes(attribute.Bool("decoy.too_unique", true))
		return result, nil
	}

	e.persist(ctx, accepted, batchID, result)
	span.SetAttributes(
		attribute.Int("decoy.accepted", result.Accepted),
		attribute.Int("decoy.persisted", result.Persisted),
	)
	return result, nil
}

func (e *Engine) progress(req Request, accepted, target int) {
	if req.OnProgress != nil {
		req.OnProgress(accepted, target)
	}
}

// generate runs a single generation attempt. ok is false on any
// failure; attempts are cheap and the loop just moves on.
func (e *Engine) generate(ctx context.Context, userContent, originalQuery string, originalVec []float32, temperature float32) (candidate, bool) {
	resp, err := e.llm.Complete(ctx, &llm.Request{
		SystemPrompt: generatorPrompt,
		UserContent:  userContent,
		Temperature:  temperature,
		MaxTokens:    2000,
		JSONMode:     true,
	})
	if err != nil {
		slog.Debug("generation attempt failed", "error", err)
		return candidate{}, false
	}

	var c candidate
	if err := json.Unmarshal([]byte(resp.Content), &c); err != nil {
		slog.Debug("generation attempt returned invalid JSON", "error", err)
		return candidate{}, false
	}
	c.Query = strings.TrimSpace(c.Query)
	c.Response = strings.TrimSpace(c.Response)
	if c.Query == "" || c.Response == "" {
		return candidate{}, false
	}
	if c.Query == strings.TrimSpace(originalQuery) {
		return candidate{}, false
	}

	vec, err := e.embedder.Embed(ctx, c.Query)
	if err != nil {
		slog.Debug("QC embedding failed", "error", err)
		return candidate{}, false
	}
	c.similarity = embedding.CosineSimilarity(originalVec, vec)
	return c, true
}

// judge arbitrates a borderline candidate. Any judge failure is a
// MISMATCH.
func (e *Engine) judge(ctx context.Context, originalQuery, decoyQuery string, temperature float32) bool {
	userContent := fmt.Sprintf("ORIGINAL QUERY: %s\n\nDECOY QUERY: %s\n\nCompare these two queries. Do they share the same Core Intent (A), Focus (B), and Abstract Need (C)?", originalQuery, decoyQuery)

	resp, err := e.llm.Complete(ctx, &llm.Request{
		SystemPrompt: judgePrompt,
		UserContent:  userContent,
		Temperature:  temperature,
		MaxTokens:    500,
		JSONMode:     true,
	})
	if err != nil {
		slog.Warn("judge call failed, treating as mismatch", "error", err)
		return false
	}

	var verdict struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &verdict); err != nil {
		slog.Warn("judge returned unparseable JSON, treating as mismatch", "error", err)
		return false
	}

	slog.Debug("judge verdict", "verdict", verdict.Verdict, "reason", verdict.Reason)
	return strings.ToUpper(strings.TrimSpace(verdict.Verdict)) == "MATCH"
}

// persist reconciles and stores the accepted decoys. A single failure
// is logged and skipped so one bad record cannot sink the run.
func (e *Engine) persist(ctx context.Context, accepted []candidate, batchID string, result *Result) {
	for i, c := range accepted {
		response := c.Response
		if e.reconciler != nil {
			fixed, err := e.reconciler.ReconcileResponse(ctx, c.Response, c.Query)
			if err != nil {
				slog.Warn("reconciliation failed, persisting raw response", "index", i, "error", err)
			} else {
				response = fixed
			}
		}

		record := pool.NewDecoyRecord(c.Query, response, batchID, extractTopics(c.Rationale))
		if err := e.store.Insert(ctx, record); err != nil {
			slog.Error("failed to persist decoy, skipping", "index", i, "error", err)
			continue
		}
		result.Persisted++
	}
}

var topicPattern = regexp.MustCompile(`(?i)(?:for|to)\s+(\w+)`)

// extractTopics pulls topic keywords from a generation rationale.
// Rationales read like "Swapped Python for Go; changed Seattle to
// Austin", so the words after "for" and "to" are the substituted
// topics. Capped at five, first occurrence wins.
func extractTopics(rationale string) []string {
	if rationale == "" {
		return nil
	}

	var topics []string
	seen := make(map[string]struct{})
	for _, m := range topicPattern.FindAllStringSubmatch(rationale, -1) {
		topic := m[1]
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
		if len(topics) == 5 {
			break
		}
	}
	return topics
}
