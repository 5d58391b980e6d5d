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
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
)

// fakeEmbedder maps each known text to a unit vector whose cosine
// similarity with the query vector (1, 0) equals the assigned score.
type fakeEmbedder struct {
	query  string
	scores map[string]float64
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if text == f.query {
			out = append(out, []float32{1, 0})
			continue
		}
		score, ok := f.scores[text]
		if !ok {
			return nil, fmt.Errorf("unexpected text %q", text)
		}
		out = append(out, []float32{float32(score), float32(math.Sqrt(1 - score*score))})
	}
	return out, nil
}

// vectorEmbedder maps each text to a fixed vector. Integer components
// with perfect-square norms make the cosine scores exact, so tests can
// sit candidates directly on tier boundaries.
type vectorEmbedder struct {
	vectors map[string][]float32
}

func (v *vectorEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := v.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (v *vectorEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, ok := v.vectors[text]
		if !ok {
			return nil, fmt.Errorf("unexpected text %q", text)
		}
		out = append(out, vec)
	}
	return out, nil
}

// fakeJudge is an llm.Client returning a canned gatekeeper verdict map.
type fakeJudge struct {
	content string
	err     error
}

func (f *fakeJudge) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func staticCfg() privacycfg.Source {
	return privacycfg.Static(privacycfg.Default())
}

func TestTierForScore_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0.90, TierHigh},
		{0.85, TierMid}, // boundary is exclusive
		{0.80, TierMid},
		{0.75, TierLow}, // boundary is exclusive
		{0.70, TierLow},
		{0.635, TierDiscard}, // floor is exclusive
		{0.50, TierDiscard},
	}
	for _, tt := range tests {
		got := tierForScore(tt.score, 0.635, 0.75, 0.85)
		if got != tt.want {
			t.Errorf("tierForScore(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestTier_Ordering(t *testing.T) {
	assert.True(t, TierHigh > TierMid)
	assert.True(t, TierMid > TierLow)
	assert.True(t, TierLow > TierDiscard)
	assert.Equal(t, "high", TierHigh.String())
	assert.Equal(t, "discard", TierDiscard.String())
}

func TestRetrieve_StratifiesAndDiscards(t *testing.T) {
	query := "the query"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{
		"a": 0.95, "b": 0.60, "c": 0.80, "d": 0.70, "e": 0.50,
	}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "b1"},
		{ID: "2", Query: "b", BatchID: "b2"},
		{ID: "3", Query: "c", BatchID: "b3"},
		{ID: "4", Query: "d", BatchID: "b4"},
		{ID: "5", Query: "e", BatchID: "b5"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{})
	require.Len(t, matches, 3)

	assert.Equal(t, "1", matches[0].ID)
	assert.Equal(t, TierHigh, matches[0].Tier)
	assert.Equal(t, "3", matches[1].ID)
	assert.Equal(t, TierMid, matches[1].Tier)
	assert.Equal(t, "4", matches[2].ID)
	assert.Equal(t, TierLow, matches[2].Tier)
}

func TestRetrieve_TierBoundariesEndToEnd(t *testing.T) {
	query := "the query"
	// Each vector's cosine against (1,0,0,0,0) is exact: the dot product
	// is an integer and the norm is a perfect square, so 0.75 lands
	// precisely on the exclusive Mid boundary.
	emb := &vectorEmbedder{vectors: map[string][]float32{
		query: {1, 0, 0, 0, 0},
		"a":   {19, 6, 1, 1, 1}, // 19/20 = 0.95
		"b":   {3, 4, 0, 0, 0},  // 3/5 = 0.60
		"c":   {4, 3, 0, 0, 0},  // 4/5 = 0.80
		"d":   {3, 2, 1, 1, 1},  // 3/4 = 0.75
		"e":   {1, 1, 1, 1, 0},  // 1/2 = 0.50
	}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "b1"},
		{ID: "2", Query: "b", BatchID: "b2"},
		{ID: "3", Query: "c", BatchID: "b3"},
		{ID: "4", Query: "d", BatchID: "b4"},
		{ID: "5", Query: "e", BatchID: "b5"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{})
	require.Len(t, matches, 3)

	assert.Equal(t, "1", matches[0].ID)
	assert.Equal(t, TierHigh, matches[0].Tier)
	assert.Equal(t, "3", matches[1].ID)
	assert.Equal(t, TierMid, matches[1].Tier)
	// A score of exactly 0.75 stays below the Mid boundary.
	assert.Equal(t, "4", matches[2].ID)
	assert.Equal(t, TierLow, matches[2].Tier)
	assert.Equal(t, 0.75, matches[2].Score)
}

func TestRetrieve_Idempotent(t *testing.T) {
	query := "the query"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.9, "c": 0.8, "b": 0.9}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "2", Query: "b", BatchID: "y"},
		{ID: "1", Query: "a", BatchID: "x"},
		{ID: "3", Query: "c", BatchID: "z"},
	}

	first := m.Retrieve(context.Background(), query, candidates, Options{})
	second := m.Retrieve(context.Background(), query, candidates, Options{})
	assert.Equal(t, first, second)
	// Tie at 0.9 breaks on ID ascending.
	require.Len(t, first, 3)
	assert.Equal(t, "1", first[0].ID)
	assert.Equal(t, "2", first[1].ID)
}

func TestRetrieve_DedupByBatchKeepsHighest(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.90, "a2": 0.80, "c": 0.78}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "batch"},
		{ID: "2", Query: "a2", BatchID: "batch"},
		{ID: "3", Query: "c", BatchID: "other"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{})
	require.Len(t, matches, 2)
	assert.Equal(t, "1", matches[0].ID, "lower scoring batch sibling must be dropped")
	assert.Equal(t, "3", matches[1].ID)
}

func TestRetrieve_ExcludesCurrentInteraction(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.9, "b": 0.8}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "current"},
		{ID: "2", Query: "b", BatchID: "other"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{ExcludeBatchID: "current"})
	require.Len(t, matches, 1)
	assert.Equal(t, "2", matches[0].ID)
}

func TestRetrieve_TrustedBypassesFloor(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.5, "b": 0.9}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "vip"},
		{ID: "2", Query: "b", BatchID: "other"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{TrustedBatchID: "vip"})
	require.Len(t, matches, 2)

	// The trusted sub-floor candidate is included, in the low tier, and
	// sampled before any external match.
	assert.Equal(t, "1", matches[0].ID)
	assert.Equal(t, TierLow, matches[0].Tier)
	assert.True(t, matches[0].Internal)
	assert.Equal(t, "2", matches[1].ID)
	assert.False(t, matches[1].Internal)
}

func TestRetrieve_TierCapsAndTotalCap(t *testing.T) {
	query := "q"
	scores := map[string]float64{}
	var candidates []Candidate
	// 7 high, 7 mid, 7 low candidates.
	for i := 0; i < 7; i++ {
		h := fmt.Sprintf("h%d", i)
		md := fmt.Sprintf("m%d", i)
		l := fmt.Sprintf("l%d", i)
		scores[h] = 0.90 - float64(i)*0.001
		scores[md] = 0.80 - float64(i)*0.001
		scores[l] = 0.70 - float64(i)*0.001
		candidates = append(candidates,
			Candidate{ID: "H" + h, Query: h, BatchID: "bh" + h},
			Candidate{ID: "M" + md, Query: md, BatchID: "bm" + md},
			Candidate{ID: "L" + l, Query: l, BatchID: "bl" + l},
		)
	}

	m := New(&fakeEmbedder{query: query, scores: scores}, nil, staticCfg())
	matches := m.Retrieve(context.Background(), query, candidates, Options{})

	require.Len(t, matches, 10)
	tiers := map[Tier]int{}
	for _, match := range matches {
		tiers[match.Tier]++
	}
	assert.Equal(t, 5, tiers[TierHigh])
	assert.Equal(t, 5, tiers[TierMid])
	assert.Equal(t, 0, tiers[TierLow], "low tier only fills when high and mid leave room")
}

func TestRetrieve_DedupByText(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"same text": 0.9, "other": 0.8}}
	m := New(emb, nil, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "same text", BatchID: "x"},
		{ID: "2", Query: "same text", BatchID: "y"},
		{ID: "3", Query: "other", BatchID: "z"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{})
	require.Len(t, matches, 2)
	assert.Equal(t, "1", matches[0].ID)
}

func TestRetrieve_DegradesToEmptyOnEmbedderFailure(t *testing.T) {
	m := New(&fakeEmbedder{err: errors.New("sidecar down")}, nil, staticCfg())
	matches := m.Retrieve(context.Background(), "q", []Candidate{{ID: "1", Query: "a", BatchID: "b"}}, Options{})
	assert.Empty(t, matches)
	assert.NotNil(t, matches)
}

func TestRetrieve_GatekeeperVerdicts(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.9, "b": 0.88, "c": 0.87}}
	judge := &fakeJudge{content: `{"0":"PERFECT","1":"MISMATCH","2":"PARTIAL"}`}
	m := New(emb, judge, staticCfg())

	candidates := []Candidate{
		{ID: "1", Query: "a", BatchID: "x"},
		{ID: "2", Query: "b", BatchID: "y"},
		{ID: "3", Query: "c", BatchID: "z"},
	}

	matches := m.Retrieve(context.Background(), query, candidates, Options{Gatekeeper: true})
	require.Len(t, matches, 2)

	assert.Equal(t, "1", matches[0].ID)
	assert.Equal(t, TierHigh, matches[0].Tier)
	// PARTIAL caps the candidate at the low tier despite its high score.
	assert.Equal(t, "3", matches[1].ID)
	assert.Equal(t, TierLow, matches[1].Tier)
}

func TestRetrieve_GatekeeperFailsOpen(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.9}}
	judge := &fakeJudge{err: errors.New("judge down")}
	m := New(emb, judge, staticCfg())

	matches := m.Retrieve(context.Background(), query, []Candidate{{ID: "1", Query: "a", BatchID: "x"}}, Options{Gatekeeper: true})
	require.Len(t, matches, 1)
	assert.Equal(t, TierHigh, matches[0].Tier)
}

func TestBestMatch(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.9, "b": 0.7}}
	m := New(emb, nil, staticCfg())

	match, err := m.BestMatch(context.Background(), query, []Candidate{
		{ID: "1", Query: "a"},
		{ID: "2", Query: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", match.ID)
	assert.Equal(t, TierHigh, match.Tier)
}

func TestBestMatch_BelowFloor(t *testing.T) {
	query := "q"
	emb := &fakeEmbedder{query: query, scores: map[string]float64{"a": 0.2}}
	m := New(emb, nil, staticCfg())

	_, err := m.BestMatch(context.Background(), query, []Candidate{{ID: "1", Query: "a"}})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestBestMatch_EmptyPool(t *testing.T) {
	m := New(&fakeEmbedder{}, nil, staticCfg())
	_, err := m.BestMatch(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}
