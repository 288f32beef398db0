// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all routing service routes with the router.
//
// Description:
//
//	Registers all /v1/routing/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/routing/health - Health check
//	GET  /v1/routing/ready - Readiness check (503 during restore)
//	GET  /v1/routing/stats - Tree and aggregator statistics
//	GET  /v1/routing/policy - Best-policy extraction (aggregate + per-scenario)
//	GET  /v1/routing/uct/:hash - UCT value for one node
//	POST /v1/routing/snapshot - Save a snapshot and checkpoint the journal
//	POST /v1/routing/snapshot/restore - Restore a snapshot and replay the journal
//
// Example:
//
//	svc, _ := routing.NewService(tree, routing.ServiceConfig{SessionID: id})
//	handlers := routing.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	routing.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	r := rg.Group("/routing")
	{
		// Health checks
		r.GET("/health", handlers.HandleHealth)
		r.GET("/ready", handlers.HandleReady)

		// Tree queries
		r.GET("/stats", handlers.HandleStats)
		r.GET("/policy", handlers.HandlePolicy)
		r.GET("/uct/:hash", handlers.HandleUCT)

		// Persistence
		r.POST("/snapshot", handlers.HandleSaveSnapshot)
		r.POST("/snapshot/restore", handlers.HandleRestoreSnapshot)
	}
}
