// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
)

func TestSnapshotConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  SnapshotConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: SnapshotConfig{
				BaseDir:          "/tmp/snapshots",
				CompressionLevel: 6,
				LockTimeoutSec:   30,
			},
			wantErr: false,
		},
		{
			name: "empty base dir",
			config: SnapshotConfig{
				CompressionLevel: 6,
				LockTimeoutSec:   30,
			},
			wantErr: true,
			errMsg:  "BaseDir",
		},
		{
			name: "compression level too low",
			config: SnapshotConfig{
				BaseDir:          "/tmp/snapshots",
				CompressionLevel: 0,
				LockTimeoutSec:   30,
			},
			wantErr: true,
			errMsg:  "CompressionLevel",
		},
		{
			name: "compression level too high",
			config: SnapshotConfig{
				BaseDir:          "/tmp/snapshots",
				CompressionLevel: 10,
				LockTimeoutSec:   30,
			},
			wantErr: true,
			errMsg:  "CompressionLevel",
		},
		{
			name: "lock timeout zero",
			config: SnapshotConfig{
				BaseDir:          "/tmp/snapshots",
				CompressionLevel: 6,
			},
			wantErr: true,
			errMsg:  "LockTimeoutSec",
		},
		{
			name: "negative max retries",
			config: SnapshotConfig{
				BaseDir:          "/tmp/snapshots",
				CompressionLevel: 6,
				LockTimeoutSec:   30,
				MaxRetries:       -1,
			},
			wantErr: true,
			errMsg:  "MaxRetries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() = nil, want error containing %q", tt.errMsg)
					return
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestDefaultSnapshotConfig(t *testing.T) {
	config := DefaultSnapshotConfig()

	if config.CompressionLevel != 6 {
		t.Errorf("CompressionLevel = %d, want 6", config.CompressionLevel)
	}
	if config.LockTimeoutSec != 30 {
		t.Errorf("LockTimeoutSec = %d, want 30", config.LockTimeoutSec)
	}
	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if !config.ValidateOnRestore {
		t.Error("ValidateOnRestore should default to true")
	}

	// BaseDir is deliberately left to the caller.
	config.BaseDir = "/tmp/snapshots"
	if err := config.Validate(); err != nil {
		t.Errorf("DefaultSnapshotConfig() with BaseDir fails validation: %v", err)
	}
}

func TestNewSnapshotManager(t *testing.T) {
	t.Run("creates base directory", func(t *testing.T) {
		baseDir := filepath.Join(t.TempDir(), "nested", "snapshots")
		sm := newTestManager(t, baseDir)
		defer sm.Close()

		info, err := os.Stat(baseDir)
		if err != nil {
			t.Fatalf("BaseDir not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("BaseDir is not a directory")
		}
	})

	t.Run("invalid config returns error", func(t *testing.T) {
		_, err := NewSnapshotManager(SnapshotConfig{})
		if err == nil {
			t.Fatal("NewSnapshotManager() should fail with empty BaseDir")
		}
	})
}

func TestSnapshotManager_PathMethods(t *testing.T) {
	baseDir := t.TempDir()
	sm := newTestManager(t, baseDir)
	defer sm.Close()

	sessionID := "run-2026-08-25"

	t.Run("SessionDir", func(t *testing.T) {
		dir := sm.SessionDir(sessionID)
		expected := filepath.Join(baseDir, "sessions", sessionID)
		if dir != expected {
			t.Errorf("SessionDir() = %q, want %q", dir, expected)
		}
	})

	t.Run("SnapshotPath", func(t *testing.T) {
		path := sm.SnapshotPath(sessionID)
		if !strings.HasSuffix(path, "latest.snapshot.gz") {
			t.Errorf("SnapshotPath() = %q, want suffix latest.snapshot.gz", path)
		}
		if !strings.Contains(path, sessionID) {
			t.Errorf("SnapshotPath() = %q, want to contain session id", path)
		}
	})

	t.Run("MetadataPath", func(t *testing.T) {
		path := sm.MetadataPath(sessionID)
		if !strings.HasSuffix(path, "metadata.json") {
			t.Errorf("MetadataPath() = %q, want suffix metadata.json", path)
		}
	})

	t.Run("LockPath", func(t *testing.T) {
		path := sm.LockPath(sessionID)
		if !strings.HasSuffix(path, ".lock") {
			t.Errorf("LockPath() = %q, want suffix .lock", path)
		}
	})
}

func TestSnapshotManager_HasSnapshot(t *testing.T) {
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	if sm.HasSnapshot("missing") {
		t.Error("HasSnapshot() = true for non-existent snapshot")
	}

	export := newTestExport(t)
	if _, err := sm.Save(context.Background(), "present", export); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !sm.HasSnapshot("present") {
		t.Error("HasSnapshot() = false after successful save")
	}
}

func TestSnapshotManager_SaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "round-trip"
	export := newTestExport(t)

	metadata, err := sm.Save(ctx, sessionID, export)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if metadata.Version != SnapshotVersion {
		t.Errorf("metadata.Version = %q, want %q", metadata.Version, SnapshotVersion)
	}
	if metadata.NodeCount != 3 {
		t.Errorf("metadata.NodeCount = %d, want 3", metadata.NodeCount)
	}
	if metadata.NumScenarios != 2 {
		t.Errorf("metadata.NumScenarios = %d, want 2", metadata.NumScenarios)
	}
	if metadata.CompressedBytes <= 0 {
		t.Errorf("metadata.CompressedBytes = %d, want > 0", metadata.CompressedBytes)
	}
	if metadata.UncompressedBytes < metadata.CompressedBytes {
		t.Errorf("UncompressedBytes (%d) < CompressedBytes (%d), compression made it bigger",
			metadata.UncompressedBytes, metadata.CompressedBytes)
	}
	if metadata.ContentHash == "" {
		t.Error("metadata.ContentHash is empty")
	}

	loaded, loadedMeta, err := sm.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loadedMeta == nil {
		t.Fatal("Load() metadata = nil, want sidecar")
	}
	if loadedMeta.ContentHash != metadata.ContentHash {
		t.Errorf("loaded ContentHash = %q, want %q", loadedMeta.ContentHash, metadata.ContentHash)
	}

	tree, err := master.RestoreTree(loaded, slog.Default())
	if err != nil {
		t.Fatalf("RestoreTree() error = %v", err)
	}
	if got := tree.NodeCount(); got != 3 {
		t.Errorf("restored NodeCount() = %d, want 3", got)
	}
	set, err := tree.BestPolicy(ctx)
	if err != nil {
		t.Fatalf("BestPolicy() error = %v", err)
	}
	if len(set.Global.Actions) == 0 || set.Global.Actions[0] != 90 {
		t.Errorf("restored global policy first action = %v, want 90", set.Global.Actions)
	}
}

func TestSnapshotManager_Save_Overwrites(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "overwrite"
	tree := newTestTree(t)

	export1, err := tree.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := sm.Save(ctx, sessionID, export1); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	// Grow the tree and save again; the session keeps only the latest.
	extra := []master.RewardUpdate{{
		Scenario: 0,
		Child:    master.ComputeNodeHash([]int{90, 45}),
		Parent:   master.ComputeNodeHash([]int{90}),
		Action:   45,
		Reward:   7,
	}}
	if err := tree.IntegrateBuffer(ctx, extra); err != nil {
		t.Fatalf("IntegrateBuffer() error = %v", err)
	}
	export2, err := tree.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := sm.Save(ctx, sessionID, export2); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded, _, err := sm.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Nodes) != 4 {
		t.Errorf("loaded nodes = %d, want 4", len(loaded.Nodes))
	}
}

func TestSnapshotManager_Save_ValidationErrors(t *testing.T) {
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	ctx := context.Background()
	export := newTestExport(t)

	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // Intentionally testing nil context handling
		_, err := sm.Save(nil, "s", export)
		if !errors.Is(err, ErrNilContext) {
			t.Errorf("Save(nil ctx) = %v, want ErrNilContext", err)
		}
	})

	t.Run("empty session id", func(t *testing.T) {
		_, err := sm.Save(ctx, "", export)
		if err == nil || !strings.Contains(err.Error(), "sessionID") {
			t.Errorf("Save(empty session) = %v, want sessionID error", err)
		}
	})

	t.Run("nil export", func(t *testing.T) {
		_, err := sm.Save(ctx, "s", nil)
		if err == nil || !strings.Contains(err.Error(), "export") {
			t.Errorf("Save(nil export) = %v, want export error", err)
		}
	})

	t.Run("closed manager", func(t *testing.T) {
		sm2 := newTestManager(t, t.TempDir())
		sm2.Close()

		_, err := sm2.Save(ctx, "s", export)
		if !errors.Is(err, ErrSnapshotManagerClosed) {
			t.Errorf("Save on closed manager = %v, want ErrSnapshotManagerClosed", err)
		}
	})
}

func TestSnapshotManager_Load_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot not found", func(t *testing.T) {
		sm := newTestManager(t, t.TempDir())
		defer sm.Close()

		_, _, err := sm.Load(ctx, "missing")
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("Load(missing) = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("nil context", func(t *testing.T) {
		sm := newTestManager(t, t.TempDir())
		defer sm.Close()

		//nolint:staticcheck // Intentionally testing nil context handling
		_, _, err := sm.Load(nil, "s")
		if !errors.Is(err, ErrNilContext) {
			t.Errorf("Load(nil ctx) = %v, want ErrNilContext", err)
		}
	})

	t.Run("restore already in progress", func(t *testing.T) {
		sm := newTestManager(t, t.TempDir())
		defer sm.Close()

		sm.restoreInProgress.Store(true)
		defer sm.restoreInProgress.Store(false)

		_, _, err := sm.Load(ctx, "s")
		if !errors.Is(err, ErrRestoreInProgress) {
			t.Errorf("Load during restore = %v, want ErrRestoreInProgress", err)
		}
	})

	t.Run("closed manager", func(t *testing.T) {
		sm := newTestManager(t, t.TempDir())
		sm.Close()

		_, _, err := sm.Load(ctx, "s")
		if !errors.Is(err, ErrSnapshotManagerClosed) {
			t.Errorf("Load on closed manager = %v, want ErrSnapshotManagerClosed", err)
		}
	})
}

func TestSnapshotManager_Load_CorruptionDetected(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "corrupted"
	if _, err := sm.Save(ctx, sessionID, newTestExport(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Flip the last byte of the snapshot file: it lands in the gzip trailer,
	// so either the gzip CRC or the content hash catches it.
	path := sm.SnapshotPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, _, err = sm.Load(ctx, sessionID)
	if !errors.Is(err, ErrSnapshotCorrupted) {
		t.Errorf("Load(corrupted) = %v, want ErrSnapshotCorrupted", err)
	}
}

func TestSnapshotManager_Load_MetadataTampered(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "tampered"
	if _, err := sm.Save(ctx, sessionID, newTestExport(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Edit a metadata field without recomputing the integrity hash.
	metaPath := sm.MetadataPath(sessionID)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	raw["node_count"] = 9999
	tampered, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(metaPath, tampered, 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, _, err := sm.Load(ctx, sessionID); !errors.Is(err, ErrMetadataCorrupted) {
		t.Errorf("Load(tampered metadata) = %v, want ErrMetadataCorrupted", err)
	}
	if _, err := sm.Metadata(sessionID); !errors.Is(err, ErrMetadataCorrupted) {
		t.Errorf("Metadata(tampered) = %v, want ErrMetadataCorrupted", err)
	}
}

func TestSnapshotManager_Load_VersionMismatch(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "versioned"
	if _, err := sm.Save(ctx, sessionID, newTestExport(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	meta, err := sm.readMetadata(sessionID)
	if err != nil {
		t.Fatalf("readMetadata() error = %v", err)
	}
	meta.Version = "0.0.1"
	if err := sm.writeMetadata(sessionID, meta); err != nil {
		t.Fatalf("writeMetadata() error = %v", err)
	}

	if _, _, err := sm.Load(ctx, sessionID); !errors.Is(err, ErrSnapshotVersionMismatch) {
		t.Errorf("Load(old version) = %v, want ErrSnapshotVersionMismatch", err)
	}
}

func TestSnapshotManager_Load_MissingMetadataTolerated(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t, t.TempDir())
	defer sm.Close()

	sessionID := "no-sidecar"
	if _, err := sm.Save(ctx, sessionID, newTestExport(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.Remove(sm.MetadataPath(sessionID)); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	loaded, meta, err := sm.Load(ctx, sessionID)
	if err != nil {
		t.Fatalf("Load() without sidecar error = %v", err)
	}
	if meta != nil {
		t.Errorf("Load() metadata = %+v, want nil without sidecar", meta)
	}
	if len(loaded.Nodes) != 3 {
		t.Errorf("loaded nodes = %d, want 3", len(loaded.Nodes))
	}
}

func TestSnapshotManager_Close(t *testing.T) {
	sm := newTestManager(t, t.TempDir())

	if err := sm.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := sm.Close(); err != nil {
		t.Errorf("Close() second call error = %v", err)
	}
}

func TestSnapshotMetadata_Age(t *testing.T) {
	meta := &SnapshotMetadata{
		CreatedAtMs: time.Now().Add(-time.Hour).UnixMilli(),
	}
	age := meta.Age()
	if age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("Age() = %v, want approximately 1 hour", age)
	}
}

func TestSnapshotMetadata_CompressionRatio(t *testing.T) {
	tests := []struct {
		name         string
		uncompressed int64
		compressed   int64
		want         float64
	}{
		{"typical", 1000, 250, 4.0},
		{"no compression", 100, 100, 1.0},
		{"unknown size", 1000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &SnapshotMetadata{
				UncompressedBytes: tt.uncompressed,
				CompressedBytes:   tt.compressed,
			}
			if got := meta.CompressionRatio(); got != tt.want {
				t.Errorf("CompressionRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func newTestManager(t *testing.T, baseDir string) *SnapshotManager {
	t.Helper()

	cfg := DefaultSnapshotConfig()
	cfg.BaseDir = baseDir
	sm, err := NewSnapshotManager(cfg)
	if err != nil {
		t.Fatalf("NewSnapshotManager() error = %v", err)
	}
	return sm
}

// newTestTree builds a tree with two root children: arm 90 rewarded in both
// scenarios, arm 180 rewarded only in scenario 0. Arm 90 wins the aggregate
// policy.
func newTestTree(t *testing.T) *master.MasterTree {
	t.Helper()

	cfg := master.DefaultConfig()
	cfg.Observability.TracingEnabled = false
	tree, err := master.NewMasterTree(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewMasterTree() error = %v", err)
	}

	root := master.RootNodeHash()
	updates := []master.RewardUpdate{
		{Scenario: 0, Child: master.ComputeNodeHash([]int{90}), Parent: root, Action: 90, Reward: 10},
		{Scenario: 1, Child: master.ComputeNodeHash([]int{90}), Parent: root, Action: 90, Reward: 2},
		{Scenario: 0, Child: master.ComputeNodeHash([]int{180}), Parent: root, Action: 180, Reward: 4},
	}
	if err := tree.IntegrateBuffer(context.Background(), updates); err != nil {
		t.Fatalf("IntegrateBuffer() error = %v", err)
	}
	return tree
}

func newTestExport(t *testing.T) *master.TreeExport {
	t.Helper()

	export, err := newTestTree(t).Export(context.Background())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	return export
}
