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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dejavu-ai/dejavu/pkg/validation"
	"github.com/dejavu-ai/dejavu/services/privacy/decoy"
)

type StartDecoyTaskRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
}

// StartDecoyTask kicks off background decoy synthesis for a session and
// returns the task status immediately. A session that already has a
// running task gets its task replaced; 409 only when the old task refuses
// to stop in time.
func StartDecoyTask(reg *decoy.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := gatewayTracer.Start(c.Request.Context(), "StartDecoyTask")
		defer span.End()

		var req StartDecoyTaskRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		if err := validation.ValidateSessionID(req.SessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		task, err := reg.Start(req.SessionID, req.Query, req.Response)
		if err != nil {
			if errors.Is(err, decoy.ErrSessionBusy) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		status := task.Status()
		span.SetAttributes(
			attribute.String("decoy.task_id", status.TaskID),
			attribute.String("decoy.session_id", status.SessionID))
		slog.Info("started decoy synthesis task",
			"taskId", status.TaskID, "sessionId", status.SessionID)
		c.JSON(http.StatusAccepted, status)
	}
}

// GetDecoyTask reports the state of a session's synthesis task.
func GetDecoyTask(reg *decoy.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := validation.ValidateSessionID(sessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status, ok := reg.Status(sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no task for session"})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// StopDecoyTask cancels a session's running synthesis task. Stopping an
// already finished task is a no-op success.
func StopDecoyTask(reg *decoy.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := validation.ValidateSessionID(sessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, ok := reg.Status(sessionID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no task for session"})
			return
		}

		stopped := reg.Stop(sessionID)
		slog.Info("stop requested for decoy task", "sessionId", sessionID, "stopped", stopped)
		status, _ := reg.Status(sessionID)
		c.JSON(http.StatusOK, status)
	}
}
