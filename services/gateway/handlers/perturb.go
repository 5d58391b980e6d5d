// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/dejavu-ai/dejavu/services/privacy/perturb"
)

type PersonaRequest struct {
	Text string `json:"text"`
}

// PerturbPersona rewrites a query in a randomized third-party persona so
// the text leaving the boundary no longer reads as the user's own.
func PerturbPersona(p *perturb.Perturber) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "PerturbPersona")
		defer span.End()

		var req PersonaRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		rewritten, err := p.RewritePersona(ctx, req.Text)
		if err != nil {
			if errors.Is(err, perturb.ErrEmptyInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("persona rewrite failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": rewritten})
	}
}

type ReconcileRequest struct {
	Response string `json:"response"`
	Query    string `json:"query"`
}

// ReconcileResponse rewrites an answer so it reads as a direct reply to
// the obfuscated query instead of the original one.
func ReconcileResponse(p *perturb.Perturber) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "ReconcileResponse")
		defer span.End()

		var req ReconcileRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		reconciled, err := p.ReconcileResponse(ctx, req.Response, req.Query)
		if err != nil {
			if errors.Is(err, perturb.ErrEmptyInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("response reconciliation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": reconciled})
	}
}

type PairRequest struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// PerturbPair rewrites a query/response pair together, preserving the
// semantics of each while changing the surface text of both.
func PerturbPair(p *perturb.Perturber) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "PerturbPair")
		defer span.End()

		var req PairRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		pair, err := p.RewritePair(ctx, req.Query, req.Response)
		if err != nil {
			if errors.Is(err, perturb.ErrEmptyInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("pair perturbation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}
