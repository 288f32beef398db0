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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/WindwardFOSS/services/routing"
	"github.com/AleutianAI/WindwardFOSS/services/routing/master/persist"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	snapshotServer    string // Base URL of a running windward server
	snapshotSessionID string // Session to restore or inspect
	snapshotDataDir   string // Root data directory (info only)
	snapshotTimeout   string // HTTP timeout for save and restore
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// snapshotCmd groups the snapshot operations.
//
// # Description
//
// Save and restore go through a running server, which owns the live tree
// and the journal checkpoint that keeps restore-then-replay exactly-once.
// Info reads a stored snapshot's metadata sidecar straight from disk, so it
// works without a server.
//
// # Examples
//
//	windward snapshot save                          # Snapshot the live tree
//	windward snapshot restore --session <id>        # Restore another session
//	windward snapshot info --session <id>           # Inspect stored metadata
//
// # Limitations
//
//   - save and restore require a reachable server (--server)
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save, restore, and inspect master tree snapshots",
	Long: `Manages master tree snapshots.

"save" asks a running server to export its tree, persist it, and checkpoint
the journal. "restore" asks it to rebuild the tree from a stored snapshot
plus any journaled batches recorded after it. "info" prints a stored
snapshot's metadata sidecar directly from the data directory.`,
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Snapshot the live tree of a running server",
	Run:   runSnapshotSaveCommand,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a running server's tree from a stored snapshot",
	Run:   runSnapshotRestoreCommand,
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print a stored snapshot's metadata without a server",
	Run:   runSnapshotInfoCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	snapshotCmd.PersistentFlags().StringVar(&snapshotServer, "server", "http://localhost:8080",
		"Base URL of a running windward server")
	snapshotCmd.PersistentFlags().StringVar(&snapshotSessionID, "session", "",
		"Session ID (restore: empty restores the server's own session; info: required)")
	snapshotCmd.PersistentFlags().StringVar(&snapshotTimeout, "timeout", "60s",
		"HTTP timeout for save and restore")
	snapshotInfoCmd.Flags().StringVar(&snapshotDataDir, "data-dir", "data",
		"Directory holding the snapshot storage")

	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotSaveCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotInfoCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runSnapshotSaveCommand asks the server to snapshot its live tree and
// prints the resulting metadata.
func runSnapshotSaveCommand(cmd *cobra.Command, args []string) {
	var metadata persist.SnapshotMetadata
	url := serverURL("/v1/routing/snapshot")
	if err := postJSON(url, nil, &metadata, clientTimeout()); err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot save failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(metadata)
}

// runSnapshotRestoreCommand asks the server to rebuild its tree from a
// stored snapshot and prints the restore summary.
func runSnapshotRestoreCommand(cmd *cobra.Command, args []string) {
	var result routing.RestoreResponse
	url := serverURL("/v1/routing/snapshot/restore")
	body := routing.RestoreRequest{SessionID: snapshotSessionID}
	if err := postJSON(url, body, &result, clientTimeout()); err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot restore failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(result)
}

// runSnapshotInfoCommand reads a stored snapshot's metadata sidecar from the
// data directory and prints it.
func runSnapshotInfoCommand(cmd *cobra.Command, args []string) {
	if snapshotSessionID == "" {
		fmt.Fprintf(os.Stderr, "Flag --session is required\n")
		os.Exit(1)
	}
	snapshots, err := openSnapshots(snapshotDataDir, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot manager failed: %v\n", err)
		os.Exit(1)
	}
	metadata, err := snapshots.Metadata(snapshotSessionID)
	if err != nil {
		if errors.Is(err, persist.ErrSnapshotNotFound) {
			fmt.Fprintf(os.Stderr, "No snapshot stored for session %s\n", snapshotSessionID)
		} else {
			fmt.Fprintf(os.Stderr, "Metadata read failed: %v\n", err)
		}
		os.Exit(1)
	}
	printJSON(metadata)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// serverURL joins the --server base with an API path, tolerating a trailing
// slash on the base.
func serverURL(path string) string {
	return strings.TrimRight(snapshotServer, "/") + path
}

// clientTimeout parses the --timeout flag.
func clientTimeout() time.Duration {
	timeout, err := time.ParseDuration(snapshotTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid timeout %q: %v\n", snapshotTimeout, err)
		os.Exit(1)
	}
	return timeout
}

// postJSON posts a JSON body to url and decodes the 200 response into out.
// A nil body sends an empty request. Error responses surface the server's
// response body.
func postJSON(url string, body, out any, timeout time.Duration) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to create request body: %w", err)
		}
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned an error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to parse server response: %w", err)
	}
	return nil
}
