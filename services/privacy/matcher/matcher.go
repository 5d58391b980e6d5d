// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dejavu-ai/dejavu/services/embedding"
	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
)

const tracerName = "dejavu/matcher"

// ErrNoMatch is returned by BestMatch when nothing clears the
// similarity floor.
var ErrNoMatch = errors.New("no candidate above similarity floor")

// Candidate is a pool entry offered to the matcher.
type Candidate struct {
	// ID uniquely identifies the candidate.
	ID string

	// Query is the candidate's query text, the similarity target.
	Query string

	// BatchID is the generation batch the candidate came from.
	// Candidates sharing a batch are near-duplicates; only the best
	// scoring one per batch survives retrieval.
	BatchID string

	// Trusted marks reviewed candidates that bypass the similarity floor.
	Trusted bool
}

// Match is a candidate that survived the pipeline, with its score and tier.
type Match struct {
	Candidate
	Score    float64
	Tier     Tier
	Internal bool
}

// Options tunes a single Retrieve call.
type Options struct {
	// ExcludeBatchID drops candidates from the current interaction so a
	// query never retrieves its own decoys.
	ExcludeBatchID string

	// TrustedBatchID marks one batch as internal: its candidates bypass
	// the score floor and are sampled before everything else.
	TrustedBatchID string

	// Gatekeeper enables the LLM consistency check on the candidate set.
	Gatekeeper bool
}

// Matcher scores pool candidates against a query and stratifies the
// survivors.
//
// # Thread Safety
//
// Matcher is safe for concurrent use.
type Matcher struct {
	embedder embedding.Embedder
	llm      llm.Client
	cfg      privacycfg.Source
}

// New creates a Matcher. client may be nil when the gatekeeper is never
// enabled.
func New(embedder embedding.Embedder, client llm.Client, cfg privacycfg.Source) *Matcher {
	return &Matcher{embedder: embedder, llm: client, cfg: cfg}
}

// scored pairs a candidate with its similarity score during the pipeline.
type scored struct {
	Candidate
	score    float64
	forceLow bool
}

// Retrieve runs the full retrieval pipeline.
//
// # Description
//
// Exclusion, embedding and scoring, per-batch deduplication, the
// optional gatekeeper, trusted bypass, tiering, and tier-capped
// sampling, in that order. A backend failure degrades to an empty
// result with a logged warning; retrieval never blocks the caller's
// request on an error.
//
// The result is deterministic for a given query and pool: candidates
// are ordered by score descending with ID as tiebreak at every stage.
func (m *Matcher) Retrieve(ctx context.Context, query string, candidates []Candidate, opts Options) []Match {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "matcher.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("matcher.pool_size", len(candidates)))

	if len(candidates) == 0 {
		return []Match{}
	}

	// Exclusion: never echo the current interaction back at itself.
	pool := candidates[:0:0]
	for _, c := range candidates {
		if opts.ExcludeBatchID != "" && c.BatchID == opts.ExcludeBatchID {
			continue
		}
		pool = append(pool, c)
	}
	if len(pool) == 0 {
		return []Match{}
	}

	items, err := m.score(ctx, query, pool)
	if err != nil {
		slog.Warn("retrieval degraded to empty result", "error", err)
		span.RecordError(err)
		return []Match{}
	}

	items = dedupeByBatch(items)

	if opts.Gatekeeper && m.llm != nil {
		items = m.gate(ctx, query, items)
	}

	matches := m.stratify(items, opts)
	span.SetAttributes(attribute.Int("matcher.result_count", len(matches)))
	return matches
}

// BestMatch returns the single closest candidate above the similarity
// floor, or ErrNoMatch.
func (m *Matcher) BestMatch(ctx context.Context, query string, candidates []Candidate) (*Match, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "matcher.BestMatch")
	defer span.End()

	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	items, err := m.score(ctx, query, candidates)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	best := items[0]
	for _, it := range items[1:] {
		if it.score > best.score || (it.score == best.score && it.ID < best.ID) {
			best = it
		}
	}

	cfg := m.cfg.Current().Thresholds
	if best.score < cfg.Low {
		return nil, ErrNoMatch
	}
	return &Match{
		Candidate: best.Candidate,
		Score:     best.score,
		Tier:      tierForScore(best.score, cfg.Low, cfg.Mid, cfg.High),
	}, nil
}

// score embeds the query and all candidates in one batch and computes
// cosine similarities.
func (m *Matcher) score(ctx context.Context, query string, pool []Candidate) ([]scored, error) {
	texts := make([]string, 0, len(pool)+1)
	texts = append(texts, query)
	for _, c := range pool {
		texts = append(texts, c.Query)
	}

	vectors, err := m.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return nil, err
	}

	queryVec := vectors[0]
	items := make([]scored, 0, len(pool))
	for i, c := range pool {
		items = append(items, scored{
			Candidate: c,
			score:     embedding.CosineSimilarity(queryVec, vectors[i+1]),
		})
	}
	return items, nil
}

// dedupeByBatch keeps the highest scoring candidate per batch. Ties go
// to the lexically smaller ID for determinism. Candidates without a
// batch are kept as-is.
func dedupeByBatch(items []scored) []scored {
	best := make(map[string]scored, len(items))
	order := make([]string, 0, len(items))

	for _, it := range items {
		key := it.BatchID
		if key == "" {
			key = "orphan:" + it.ID
		}
		cur, ok := best[key]
		if !ok {
			best[key] = it
			order = append(order, key)
			continue
		}
		if it.score > cur.score || (it.score == cur.score && it.ID < cur.ID) {
			best[key] = it
		}
	}

	out := make([]scored, 0, len(best))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// stratify assigns tiers, applies the trusted bypass, and samples.
func (m *Matcher) stratify(items []scored, opts Options) []Match {
	cfg := m.cfg.Current()
	t := cfg.Thresholds

	var internal, high, mid, low []Match
	for _, it := range items {
		trusted := it.Trusted || (opts.TrustedBatchID != "" && it.BatchID == opts.TrustedBatchID)

		if trusted {
			// Trusted entries bypass the floor: below-floor scores land
			// in the low tier instead of being discarded.
			tier := tierForScore(it.score, t.Low, t.Mid, t.High)
			if tier == TierDiscard {
				tier = TierLow
			}
			internal = append(internal, Match{Candidate: it.Candidate, Score: it.score, Tier: tier, Internal: true})
			continue
		}

		tier := tierForScore(it.score, t.Low, t.Mid, t.High)
		if it.forceLow && tier > TierLow {
			tier = TierLow
		}
		switch tier {
		case TierHigh:
			high = append(high, Match{Candidate: it.Candidate, Score: it.score, Tier: tier})
		case TierMid:
			mid = append(mid, Match{Candidate: it.Candidate, Score: it.score, Tier: tier})
		case TierLow:
			low = append(low, Match{Candidate: it.Candidate, Score: it.score, Tier: tier})
		}
	}

	for _, bucket := range [][]Match{internal, high, mid, low} {
		sortMatches(bucket)
	}

	s := cfg.Sampling
	results := make([]Match, 0, s.MaxResults)
	seenIDs := make(map[string]struct{})
	seenTexts := make(map[string]struct{})

	take := func(bucket []Match, limit int) {
		taken := 0
		for _, match := range bucket {
			if len(results) >= s.MaxResults || taken >= limit {
				return
			}
			if _, dup := seenIDs[match.ID]; dup {
				continue
			}
			if _, dup := seenTexts[match.Query]; dup {
				continue
			}
			results = append(results, match)
			seenIDs[match.ID] = struct{}{}
			seenTexts[match.Query] = struct{}{}
			taken++
		}
	}

	// Trusted matches are uncapped below the global limit; the external
	// tiers fill what remains.
	take(internal, len(internal))
	take(high, s.MaxHigh)
	take(mid, s.MaxMid)
	take(low, s.MaxResults)

	return results
}

func sortMatches(bucket []Match) {
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Score != bucket[j].Score {
			return bucket[i].Score > bucket[j].Score
		}
		return bucket[i].ID < bucket[j].ID
	})
}
