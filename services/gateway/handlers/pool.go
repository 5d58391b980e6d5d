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

	"github.com/dejavu-ai/dejavu/services/pool"
)

// GetPoolResponse serves the stored decoy answer for an exact query-text
// hit, letting a repeated decoy query be answered without a model call.
func GetPoolResponse(store pool.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "GetPoolResponse")
		defer span.End()

		query := c.Query("query")
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter is required"})
			return
		}

		response, err := store.GetResponseByQuery(ctx, query)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no stored response for query"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("pool lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pool lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": response})
	}
}

// ListDecoys dumps the pool in insertion order, mainly for inspection and
// debugging of what the synthesizer has accumulated.
func ListDecoys(store pool.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gatewayTracer.Start(c.Request.Context(), "ListDecoys")
		defer span.End()

		records, err := store.ListAll(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("failed to list the decoy pool", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list the decoy pool"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decoys": records, "count": len(records)})
	}
}
