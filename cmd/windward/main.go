// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command windward runs and manages the Windward routing master tree.
//
// Windward merges Monte Carlo route searches run under independent weather
// scenarios into one shared decision tree and serves policies, statistics,
// and snapshots from it:
//   - serve: run the routing ops HTTP server over a live tree
//   - search: drive a demo workload through the full aggregation pipeline
//   - snapshot: save, restore, and inspect tree snapshots
//   - replay: inspect a session's journal or rebuild its tree offline
//
// Usage:
//
//	go run ./cmd/windward serve
//	go run ./cmd/windward search --duration 30s
//	go run ./cmd/windward snapshot info --session <id>
//
// Configuration is loaded from config.yaml (override with --config), then
// overlaid with WINDWARD_* environment variables. A missing config file
// falls back to defaults.
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
)

var config master.Config

var configFile string // Path to the YAML/JSON config file

var rootCmd = &cobra.Command{
	Use:   "windward",
	Short: "A CLI to run and manage the Windward routing master tree",
	Long: `Windward aggregates Monte Carlo route searches run under different
weather scenarios into one shared master decision tree, and serves
policies, statistics, and snapshots from it.`,
}

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml",
		"Path to the config file (a missing file falls back to defaults)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loaded, err := master.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("Error loading config %s: %v", configFile, err)
		}
		config = loaded

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: config.Observability.SlogLevel(),
		})))
	}
}
