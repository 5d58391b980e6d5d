// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dejavu-ai/dejavu/services/pool"
	"github.com/dejavu-ai/dejavu/services/privacy/matcher"
	"github.com/dejavu-ai/dejavu/services/privacy/router"
)

type ClassifyRequest struct {
	Query string `json:"query"`
}

type ClassifyResponse struct {
	Classification *router.Classification `json:"classification"`
	FeedbackPrompt string                 `json:"feedback_prompt,omitempty"`
}

// ClassifyInsight runs the privacy router over a single query and returns
// the classification plus the follow-up prompt the UI should show when the
// category needs a user decision.
func ClassifyInsight(rtr *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "ClassifyInsight")
		defer span.End()

		var req ClassifyRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}

		classification := rtr.Classify(ctx, req.Query)
		span.SetAttributes(
			attribute.String("router.category", string(classification.Category)),
			attribute.Bool("router.should_protect", classification.ShouldProtect))

		c.JSON(http.StatusOK, ClassifyResponse{
			Classification: classification,
			FeedbackPrompt: router.FeedbackPrompt(classification),
		})
	}
}

type RetrieveRequest struct {
	Query          string `json:"query"`
	ExcludeBatchID string `json:"exclude_batch_id,omitempty"`
	TrustedBatchID string `json:"trusted_batch_id,omitempty"`
	Gatekeeper     bool   `json:"gatekeeper,omitempty"`
}

type MatchView struct {
	ID       string  `json:"id"`
	Query    string  `json:"query"`
	BatchID  string  `json:"batch_id"`
	Score    float64 `json:"score"`
	Tier     string  `json:"tier"`
	Internal bool    `json:"internal"`
}

// RetrieveMatches scores the whole decoy pool against the query and returns
// the stratified sample. An empty pool or a degraded backend both yield an
// empty list, never an error.
func RetrieveMatches(m *matcher.Matcher, store pool.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "RetrieveMatches")
		defer span.End()

		var req RetrieveRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}

		candidates, err := loadCandidates(ctx, store)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("failed to load the decoy pool", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load the decoy pool"})
			return
		}

		matches := m.Retrieve(ctx, req.Query, candidates, matcher.Options{
			ExcludeBatchID: req.ExcludeBatchID,
			TrustedBatchID: req.TrustedBatchID,
			Gatekeeper:     req.Gatekeeper,
		})
		span.SetAttributes(attribute.Int("matcher.results", len(matches)))

		views := make([]MatchView, 0, len(matches))
		for _, match := range matches {
			views = append(views, toMatchView(match))
		}
		c.JSON(http.StatusOK, gin.H{"matches": views})
	}
}

// BestMatch returns the single highest scoring pool candidate above the
// similarity floor, or 404 when nothing clears it.
func BestMatch(m *matcher.Matcher, store pool.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "BestMatch")
		defer span.End()

		var req ClassifyRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}

		candidates, err := loadCandidates(ctx, store)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("failed to load the decoy pool", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load the decoy pool"})
			return
		}

		match, err := m.BestMatch(ctx, req.Query, candidates)
		if err != nil {
			if errors.Is(err, matcher.ErrNoMatch) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no candidate above similarity floor"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"match": toMatchView(*match)})
	}
}

func loadCandidates(ctx context.Context, store pool.Store) ([]matcher.Candidate, error) {
	records, err := store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]matcher.Candidate, 0, len(records))
	for _, rec := range records {
		candidates = append(candidates, matcher.Candidate{
			ID:      rec.ID,
			Query:   rec.QueryText,
			BatchID: rec.BatchID,
			Trusted: rec.Trusted,
		})
	}
	return candidates, nil
}

func toMatchView(m matcher.Match) MatchView {
	return MatchView{
		ID:       m.ID,
		Query:    m.Query,
		BatchID:  m.BatchID,
		Score:    m.Score,
		Tier:     m.Tier.String(),
		Internal: m.Internal,
	}
}
