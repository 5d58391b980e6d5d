// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/dejavu-ai/dejavu/services/gateway/handlers"
	"github.com/dejavu-ai/dejavu/services/pool"
	"github.com/dejavu-ai/dejavu/services/privacy/decoy"
	"github.com/dejavu-ai/dejavu/services/privacy/matcher"
	"github.com/dejavu-ai/dejavu/services/privacy/perturb"
	"github.com/dejavu-ai/dejavu/services/privacy/router"
	"github.com/dejavu-ai/dejavu/services/privacy/scanner"
)

// Deps bundles everything the gateway routes need.
type Deps struct {
	Router    *router.Router
	Matcher   *matcher.Matcher
	Registry  *decoy.Registry
	Perturber *perturb.Perturber
	Scanner   *scanner.Scanner
	Store     pool.Store
}

func SetupRoutes(engine *gin.Engine, deps Deps) {
	engine.GET("/health", handlers.HealthCheck)

	// API version 1 group
	v1 := engine.Group("/v1")
	{
		insights := v1.Group("/insights")
		{
			insights.POST("/classify", handlers.ClassifyInsight(deps.Router))
			insights.POST("/retrieve", handlers.RetrieveMatches(deps.Matcher, deps.Store))
			insights.POST("/best-match", handlers.BestMatch(deps.Matcher, deps.Store))
			insights.POST("/scan", handlers.ScanText(deps.Scanner))
		}
		decoys := v1.Group("/decoys")
		{
			decoys.POST("/tasks", handlers.StartDecoyTask(deps.Registry))
			decoys.GET("/tasks/:sessionId", handlers.GetDecoyTask(deps.Registry))
			decoys.DELETE("/tasks/:sessionId", handlers.StopDecoyTask(deps.Registry))
		}
		perturbGroup := v1.Group("/perturb")
		{
			perturbGroup.POST("/persona", handlers.PerturbPersona(deps.Perturber))
			perturbGroup.POST("/reconcile", handlers.ReconcileResponse(deps.Perturber))
			perturbGroup.POST("/pair", handlers.PerturbPair(deps.Perturber))
		}
		poolGroup := v1.Group("/pool")
		{
			poolGroup.GET("/response", handlers.GetPoolResponse(deps.Store))
			poolGroup.GET("/decoys", handlers.ListDecoys(deps.Store))
		}
	}
}
