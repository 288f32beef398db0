// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/WindwardFOSS/services/routing"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
	"github.com/AleutianAI/WindwardFOSS/services/routing/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	servePort      int    // HTTP listen port for the ops API
	serveSessionID string // Session identity; empty generates a fresh UUID
	serveDataDir   string // Root directory for journal and snapshot storage
	serveRestore   bool   // Resume the session from its snapshot and journal
	serveNoJournal bool   // Run without the write-ahead journal
	serveDebug     bool   // Gin debug mode with request logging
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// serveCmd runs the routing ops server.
//
// # Description
//
// Builds a master decision tree from the loaded configuration and serves it
// over HTTP: health and readiness, tree statistics, best-policy extraction,
// per-node UCT queries, and snapshot save/restore. A BadgerDB write-ahead
// journal and a snapshot manager are wired in so a crashed session can be
// resumed with --restore.
//
// # Examples
//
//	windward serve                           # Fresh tree on :8080
//	windward serve --port 9000               # Different port
//	windward serve --session <id> --restore  # Resume a previous session
//	windward serve --debug                   # Request logging
//
// # Limitations
//
//   - The journal store is single-process; stop other windward processes
//     using the same data directory first.
//
// # Assumptions
//
//   - The data directory is writable.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing ops server over a master decision tree",
	Long: `Runs the Windward routing ops server.

The server fronts one master decision tree and exposes it under /v1/routing:
  - /health, /ready          liveness and readiness
  - /stats                   node counts, depth, per-scenario visit totals
  - /policy                  aggregate and per-scenario best policies
  - /uct/:hash               UCT value of one node
  - /snapshot (POST)         save the tree and checkpoint the journal
  - /snapshot/restore (POST) rebuild the tree from a snapshot plus journal

Prometheus metrics are served on their own port (default :9090).

Examples:
  windward serve
  windward serve --port 9000 --data-dir /var/lib/windward
  windward serve --session 2f1a... --restore`,
	Run: runServeCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080,
		"Port for the ops API")
	serveCmd.Flags().StringVar(&serveSessionID, "session", "",
		"Session ID (default: a fresh UUID)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "data",
		"Directory for journal and snapshot storage")
	serveCmd.Flags().BoolVar(&serveRestore, "restore", false,
		"Resume the session from its snapshot and journal before serving")
	serveCmd.Flags().BoolVar(&serveNoJournal, "no-journal", false,
		"Disable the write-ahead journal")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"Enable gin debug mode with request logging")
	rootCmd.AddCommand(serveCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runServeCommand builds the tree, its persistence, and the HTTP servers,
// then blocks until SIGINT/SIGTERM.
//
// # Description
//
// Wires the full serving stack: telemetry, master tree, snapshot manager,
// journal, routing service, gin router with otelgin middleware, and a
// separate metrics listener. With --restore, the tree is rebuilt from the
// session's snapshot (plus journaled batches recorded after it) before the
// listeners start.
//
// # Inputs
//
//   - cmd: Cobra command (unused)
//   - args: Command arguments (unused)
//
// # Outputs
//
// Blocks until shutdown. Exits with code 1 on a startup failure.
func runServeCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := serveSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := slog.Default().With(slog.String("session_id", sessionID))

	tcfg := telemetryConfig()
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Telemetry init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	tree, err := master.NewMasterTree(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tree construction failed: %v\n", err)
		os.Exit(1)
	}
	snapshots, err := openSnapshots(serveDataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot manager failed: %v\n", err)
		os.Exit(1)
	}
	var journal *persist.Journal
	if !serveNoJournal {
		journal, err = openJournal(serveDataDir, sessionID, false, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Journal open failed: %v\n", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	svc, err := routing.NewService(tree, routing.ServiceConfig{
		SessionID: sessionID,
		Snapshots: snapshots,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service construction failed: %v\n", err)
		os.Exit(1)
	}

	if serveRestore {
		if err := resumeSession(ctx, svc, tree, snapshots, journal, sessionID, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Session restore failed: %v\n", err)
			os.Exit(1)
		}
	}

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if serveDebug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware(tcfg.ServiceName))

	v1 := router.Group("/v1")
	routing.RegisterRoutes(v1, routing.NewHandlers(svc))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("routing server listening", slog.String("address", srv.Addr))

	metricsSrv := startMetricsServer(tcfg.PrometheusPort, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			os.Exit(1)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
	logger.Info("routing server stopped")
}

// resumeSession rebuilds the service's tree from its snapshot when one
// exists. A session that crashed before its first snapshot has journal
// entries only; those are replayed into the fresh tree directly.
func resumeSession(ctx context.Context, svc *routing.Service, tree *master.MasterTree,
	snapshots *persist.SnapshotManager, journal *persist.Journal, sessionID string,
	logger *slog.Logger) error {
	if snapshots.HasSnapshot(sessionID) {
		result, err := svc.RestoreSnapshot(ctx, sessionID)
		if err != nil {
			return err
		}
		logger.Info("session restored from snapshot",
			slog.Int("nodes", result.Nodes),
			slog.Int("batches_replayed", result.BatchesReplayed))
		return nil
	}
	if journal == nil {
		logger.Info("nothing to restore, starting fresh")
		return nil
	}
	applied, err := journal.Replay(ctx, func(batch *persist.JournalBatch) error {
		return tree.IntegrateBuffer(ctx, batch.Updates)
	})
	if err != nil {
		return err
	}
	logger.Info("journal replayed into fresh tree",
		slog.Int("batches_replayed", applied),
		slog.Int("nodes", tree.NodeCount()))
	return nil
}

// startMetricsServer serves /metrics on its own port so scrapes stay off the
// ops API and outside its middleware. Returns nil when the configured metric
// exporter has no HTTP handler.
func startMetricsServer(port int, logger *slog.Logger) *http.Server {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics listening", slog.String("address", srv.Addr))
	return srv
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// telemetryConfig maps the loaded master configuration onto the telemetry
// bootstrap settings, honoring the observability kill switches.
func telemetryConfig() telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = config.Observability.ServiceName
	if !config.Observability.TracingEnabled {
		tcfg.TraceExporter = "none"
	}
	if !config.Observability.MetricsEnabled {
		tcfg.MetricExporter = "none"
	}
	return tcfg
}

// openSnapshots opens the snapshot manager under <dataDir>/snapshots.
func openSnapshots(dataDir string, logger *slog.Logger) (*persist.SnapshotManager, error) {
	cfg := persist.DefaultSnapshotConfig()
	cfg.BaseDir = filepath.Join(dataDir, "snapshots")
	cfg.Logger = logger
	return persist.NewSnapshotManager(cfg)
}

// openJournal opens the session's write-ahead journal under
// <dataDir>/journal. Appends survive write faults in degraded mode rather
// than stopping aggregation.
func openJournal(dataDir, sessionID string, skipCorrupted bool, logger *slog.Logger) (*persist.Journal, error) {
	return persist.NewJournal(persist.JournalConfig{
		Path:          filepath.Join(dataDir, "journal"),
		SessionID:     sessionID,
		SyncWrites:    true,
		AllowDegraded: true,
		SkipCorrupted: skipCorrupted,
		Logger:        logger,
	})
}
