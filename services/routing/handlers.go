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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

// ServiceVersion is the routing service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the routing service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /v1/routing/health.
//
// Description:
//
//	Returns the health status of the service. Always returns 200 if running.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/routing/ready.
//
// Description:
//
//	Returns the readiness status. Returns 503 while a snapshot restore is
//	swapping the tree.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true)
//	503 Service Unavailable: ReadyResponse (Ready=false) - restore in progress
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := ReadyResponse{
		Ready:     h.svc.Ready(),
		SessionID: h.svc.SessionID(),
		Nodes:     h.svc.Tree().NodeCount(),
	}
	if !resp.Ready {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleStats handles GET /v1/routing/stats.
//
// Description:
//
//	Returns tree statistics: node and expansion counts, depth (when
//	computed), root visit totals per scenario, the probability vector, and
//	aggregator counters when an aggregator is attached. Reads are
//	eventually consistent with a running aggregation.
//
// Response:
//
//	200 OK: StatsResponse
//	500 Internal Server Error: Processing error
func (h *Handlers) HandleStats(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStats")

	resp, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		logger.Error("Stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "STATS_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePolicy handles GET /v1/routing/policy.
//
// Description:
//
//	Extracts the current best policy: a greedy walk from the root under the
//	probability-weighted aggregate reward, plus one walk per scenario. This
//	rebuilds derived tree state and is the expensive read; results are also
//	cached on the tree.
//
// Response:
//
//	200 OK: PolicyResponse
//	500 Internal Server Error: Processing error
func (h *Handlers) HandlePolicy(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePolicy")

	set, err := h.svc.Policy(c.Request.Context())
	if err != nil {
		logger.Error("Policy extraction failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "POLICY_FAILED",
		})
		return
	}

	logger.Info("Policy extracted",
		"global_steps", len(set.Global.Actions),
		"scenarios", len(set.PerScenario))
	c.JSON(http.StatusOK, PolicyResponse{
		SessionID:   h.svc.SessionID(),
		Global:      set.Global,
		PerScenario: set.PerScenario,
	})
}

// HandleUCT handles GET /v1/routing/uct/:hash.
//
// Description:
//
//	Returns the probability-weighted UCT value for a node. Unknown hashes
//	and the root answer 0 rather than an error, matching the tree
//	semantics.
//
// Response:
//
//	200 OK: UCTResponse
//	400 Bad Request: Malformed node hash
func (h *Handlers) HandleUCT(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUCT")

	hash := master.NodeHash(c.Param("hash"))
	if !hash.Valid() {
		logger.Warn("Malformed node hash", "hash", c.Param("hash"))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "malformed node hash",
			Code:  "INVALID_HASH",
		})
		return
	}

	value, err := h.svc.UCT(c.Request.Context(), hash)
	if err != nil {
		logger.Error("UCT query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "UCT_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, UCTResponse{Hash: hash.String(), Value: value})
}

// HandleSaveSnapshot handles POST /v1/routing/snapshot.
//
// Description:
//
//	Exports the tree and persists it as the session's snapshot, then
//	checkpoints the journal so restore-then-replay stays exactly-once.
//
// Response:
//
//	200 OK: persist.SnapshotMetadata
//	501 Not Implemented: Snapshots not configured
//	500 Internal Server Error: Save or checkpoint failure
func (h *Handlers) HandleSaveSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSaveSnapshot")

	metadata, err := h.svc.SaveSnapshot(c.Request.Context())
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "SNAPSHOT_FAILED"
		if errors.Is(err, ErrSnapshotsDisabled) {
			statusCode = http.StatusNotImplemented
			errCode = "SNAPSHOTS_DISABLED"
		}
		logger.Error("Snapshot save failed", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Snapshot saved",
		"nodes", metadata.NodeCount,
		"compressed_bytes", metadata.CompressedBytes)
	c.JSON(http.StatusOK, metadata)
}

// HandleRestoreSnapshot handles POST /v1/routing/snapshot/restore.
//
// Description:
//
//	Rebuilds the tree from a saved snapshot, replays journaled batches
//	recorded after it, and swaps the restored tree in. Queries answer from
//	the old tree until the swap completes.
//
// Request Body:
//
//	RestoreRequest
//
// Response:
//
//	200 OK: RestoreResponse
//	404 Not Found: No snapshot for the session
//	409 Conflict: Another restore is in progress
//	501 Not Implemented: Snapshots not configured
//	500 Internal Server Error: Load, rebuild, or replay failure
func (h *Handlers) HandleRestoreSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRestoreSnapshot")

	var req RestoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	result, err := h.svc.RestoreSnapshot(c.Request.Context(), req.SessionID)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "RESTORE_FAILED"

		if errors.Is(err, ErrSnapshotsDisabled) {
			statusCode = http.StatusNotImplemented
			errCode = "SNAPSHOTS_DISABLED"
		} else if errors.Is(err, persist.ErrSnapshotNotFound) {
			statusCode = http.StatusNotFound
			errCode = "SNAPSHOT_NOT_FOUND"
		} else if errors.Is(err, persist.ErrRestoreInProgress) {
			statusCode = http.StatusConflict
			errCode = "RESTORE_IN_PROGRESS"
		} else if errors.Is(err, persist.ErrSnapshotCorrupted) {
			errCode = "SNAPSHOT_CORRUPTED"
		}

		logger.Error("Restore failed", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Restore complete",
		"restored_session", result.SessionID,
		"nodes", result.Nodes,
		"batches_replayed", result.BatchesReplayed)
	c.JSON(http.StatusOK, RestoreResponse{
		SessionID:       result.SessionID,
		Nodes:           result.Nodes,
		BatchesReplayed: result.BatchesReplayed,
	})
}

// getOrCreateRequestID extracts the request ID from headers or creates one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
