// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dejavu-ai/dejavu/services/privacy/scanner"
)

type ScanRequest struct {
	Text string `json:"text"`
}

// ScanText audits text for literal identifiers (credentials, card numbers,
// contact details) that semantic obfuscation cannot hide. The caller gets
// every hit with its rule and line so the user can see what would leak.
func ScanText(s *scanner.Scanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := gatewayTracer.Start(c.Request.Context(), "ScanText")
		defer span.End()

		var req ScanRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}

		findings := s.Scan(req.Text)
		span.SetAttributes(attribute.Int("scanner.findings", len(findings)))
		if findings == nil {
			findings = []scanner.Finding{}
		}
		c.JSON(http.StatusOK, gin.H{
			"category": s.Categorize(req.Text),
			"findings": findings,
		})
	}
}
