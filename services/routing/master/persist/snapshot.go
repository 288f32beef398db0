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
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
)

// -----------------------------------------------------------------------------
// Logging Helpers
// -----------------------------------------------------------------------------

// loggerWithTrace returns a logger with trace context attached so snapshot
// logs correlate with spans.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSnapshotNotFound indicates no snapshot exists for the session.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupted indicates snapshot data failed its integrity check.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted: content hash mismatch")

	// ErrSnapshotVersionMismatch indicates the snapshot was written by an
	// incompatible version.
	ErrSnapshotVersionMismatch = errors.New("snapshot version mismatch")

	// ErrSnapshotLockFailed indicates file lock acquisition failed.
	ErrSnapshotLockFailed = errors.New("failed to acquire snapshot lock")

	// ErrSnapshotManagerClosed indicates the manager has been closed.
	ErrSnapshotManagerClosed = errors.New("snapshot manager is closed")

	// ErrRestoreInProgress indicates a restore is already in progress.
	ErrRestoreInProgress = errors.New("restore already in progress")

	// ErrMetadataCorrupted indicates the metadata sidecar failed its
	// integrity check.
	ErrMetadataCorrupted = errors.New("snapshot metadata corrupted: hash mismatch")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	// Note: histograms carry no session label to prevent cardinality
	// explosion; per-session detail lives in the metadata sidecar.
	snapshotDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "windward_snapshot_duration_seconds",
		Help:    "Time to save a master tree snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"status", "compression_level"})

	restoreDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "windward_snapshot_restore_duration_seconds",
		Help:    "Time to load a master tree snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"status"})

	snapshotOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windward_snapshot_operations_total",
		Help: "Snapshot operations by type and outcome",
	}, []string{"operation", "status"})

	snapshotRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windward_snapshot_retries_total",
		Help: "Total snapshot save retry attempts",
	})

	snapshotSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "windward_snapshot_size_bytes",
		Help: "Compressed size of the most recent snapshot",
	})
)

var snapshotTracer = otel.Tracer("windward.persist.snapshot")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// SnapshotVersion is the on-disk snapshot layout version. Bump on
// incompatible changes to the snapshot file or metadata sidecar.
const SnapshotVersion = "1.0.0"

// SnapshotConfig configures the snapshot manager.
type SnapshotConfig struct {
	// BaseDir is the root directory for snapshots. Each session gets a
	// subdirectory. Required.
	BaseDir string

	// CompressionLevel is the gzip level (1-9). Default: 6.
	CompressionLevel int

	// LockTimeoutSec bounds how long Save/Load wait for the file lock.
	// Default: 30.
	LockTimeoutSec int

	// MaxRetries is the number of retry attempts for transient save
	// failures. Default: 3.
	MaxRetries int

	// ValidateOnRestore verifies the content hash when loading.
	// Default: true.
	ValidateOnRestore bool

	// Logger receives structured snapshot logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// DefaultSnapshotConfig returns a config with production defaults. BaseDir
// must still be set by the caller.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		CompressionLevel:  6,
		LockTimeoutSec:    30,
		MaxRetries:        3,
		ValidateOnRestore: true,
	}
}

// Validate checks the configuration.
func (c SnapshotConfig) Validate() error {
	if c.BaseDir == "" {
		return errors.New("snapshot config: BaseDir is required")
	}
	if c.CompressionLevel < gzip.BestSpeed || c.CompressionLevel > gzip.BestCompression {
		return fmt.Errorf("snapshot config: CompressionLevel must be %d-%d, got %d",
			gzip.BestSpeed, gzip.BestCompression, c.CompressionLevel)
	}
	if c.LockTimeoutSec < 1 {
		return errors.New("snapshot config: LockTimeoutSec must be >= 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("snapshot config: MaxRetries must be >= 0")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Metadata
// -----------------------------------------------------------------------------

// SnapshotMetadata is the sidecar written next to every snapshot. It lets
// operators inspect a snapshot without decompressing it and lets Load verify
// integrity before handing the export to the tree.
type SnapshotMetadata struct {
	Version           string `json:"version"`
	SessionID         string `json:"session_id"`
	CreatedAtMs       int64  `json:"created_at_ms"`
	NodeCount         int    `json:"node_count"`
	NumScenarios      int    `json:"num_scenarios"`
	UncompressedBytes int64  `json:"uncompressed_bytes"`
	CompressedBytes   int64  `json:"compressed_bytes"`

	// ContentHash is the SHA-256 of the compressed snapshot file.
	ContentHash string `json:"content_hash"`

	// MetadataHash is the SHA-256 of this struct with the field itself
	// cleared, guarding the sidecar against partial writes.
	MetadataHash string `json:"metadata_hash"`
}

// Age returns how long ago the snapshot was created.
func (m *SnapshotMetadata) Age() time.Duration {
	return time.Since(time.UnixMilli(m.CreatedAtMs))
}

// CompressionRatio returns uncompressed/compressed size, or 0 when unknown.
func (m *SnapshotMetadata) CompressionRatio() float64 {
	if m.CompressedBytes == 0 {
		return 0
	}
	return float64(m.UncompressedBytes) / float64(m.CompressedBytes)
}

// -----------------------------------------------------------------------------
// Snapshot Manager
// -----------------------------------------------------------------------------

// SnapshotManager saves and loads whole-tree exports as compressed,
// hash-verified files. Writes are atomic (temp file + rename) and guarded by
// an OS file lock so concurrent processes cannot interleave.
//
// Thread Safety: safe for concurrent use.
type SnapshotManager struct {
	config SnapshotConfig
	logger *slog.Logger

	restoreInProgress atomic.Bool
	closed            atomic.Bool
}

// NewSnapshotManager validates the config and prepares the base directory.
func NewSnapshotManager(config SnapshotConfig) (*SnapshotManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.BaseDir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot base dir: %w", err)
	}
	return &SnapshotManager{
		config: config,
		logger: logger.With(slog.String("component", "snapshot")),
	}, nil
}

// SessionDir returns the directory holding a session's snapshot files.
func (sm *SnapshotManager) SessionDir(sessionID string) string {
	return filepath.Join(sm.config.BaseDir, "sessions", sessionID)
}

// SnapshotPath returns the path of a session's snapshot file.
func (sm *SnapshotManager) SnapshotPath(sessionID string) string {
	return filepath.Join(sm.SessionDir(sessionID), "latest.snapshot.gz")
}

// MetadataPath returns the path of a session's metadata sidecar.
func (sm *SnapshotManager) MetadataPath(sessionID string) string {
	return filepath.Join(sm.SessionDir(sessionID), "metadata.json")
}

// LockPath returns the path of a session's lock file.
func (sm *SnapshotManager) LockPath(sessionID string) string {
	return filepath.Join(sm.SessionDir(sessionID), ".lock")
}

// HasSnapshot reports whether a snapshot exists for the session.
func (sm *SnapshotManager) HasSnapshot(sessionID string) bool {
	_, err := os.Stat(sm.SnapshotPath(sessionID))
	return err == nil
}

// Save writes a tree export as the session's snapshot.
//
// Description:
//
//	Compresses the export with gzip, writes it through a temp file, and
//	renames it into place so a crash never leaves a half-written snapshot
//	visible. A metadata sidecar with sizes and content hash is written
//	alongside. Transient failures are retried with exponential backoff.
//
// Inputs:
//   - ctx: required context.
//   - sessionID: the session the snapshot belongs to.
//   - export: the tree export to persist. Must not be nil.
//
// Outputs:
//   - *SnapshotMetadata: metadata of the written snapshot.
//   - error: the last attempt's failure once retries are exhausted.
func (sm *SnapshotManager) Save(ctx context.Context, sessionID string, export *master.TreeExport) (*SnapshotMetadata, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if sm.closed.Load() {
		return nil, ErrSnapshotManagerClosed
	}
	if sessionID == "" {
		return nil, errors.New("sessionID must not be empty")
	}
	if export == nil {
		return nil, errors.New("export must not be nil")
	}

	var lastErr error
	for attempt := 0; attempt <= sm.config.MaxRetries; attempt++ {
		metadata, err := sm.saveOnce(ctx, sessionID, export, attempt)
		if err == nil {
			return metadata, nil
		}
		lastErr = err

		// Context errors will not heal with retries.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < sm.config.MaxRetries {
			snapshotRetriesTotal.Inc()
			backoff := time.Duration(100<<attempt) * time.Millisecond
			sm.logger.Warn("snapshot save failed, retrying",
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("save snapshot after %d attempts: %w", sm.config.MaxRetries+1, lastErr)
}

func (sm *SnapshotManager) saveOnce(ctx context.Context, sessionID string, export *master.TreeExport, attempt int) (*SnapshotMetadata, error) {
	start := time.Now()
	ctx, span := snapshotTracer.Start(ctx, "persist.SaveSnapshot",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, sm.logger).With(
		slog.String("session_id", sessionID),
		slog.String("operation", "save_snapshot"),
		slog.Int("attempt", attempt),
	)
	logger.Info("starting snapshot", slog.Int("nodes", len(export.Nodes)))

	levelLabel := strconv.Itoa(sm.config.CompressionLevel)
	fail := func(stage string, err error) (*SnapshotMetadata, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		snapshotOperationsTotal.WithLabelValues("save", "error").Inc()
		snapshotDurationHistogram.WithLabelValues("error", levelLabel).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	if err := os.MkdirAll(sm.SessionDir(sessionID), 0750); err != nil {
		return fail("create session dir", err)
	}

	lockFile, err := sm.acquireLock(ctx, sessionID, true)
	if err != nil {
		return fail("acquire lock", err)
	}
	defer sm.releaseLock(lockFile)

	snapshotPath := sm.SnapshotPath(sessionID)
	tmpPath := snapshotPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fail("create temp file", err)
	}

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	// Hash and count the compressed bytes as they are written.
	hasher := sha256.New()
	compressedCounter := &countingWriter{w: tmpFile}
	multiWriter := io.MultiWriter(compressedCounter, hasher)

	gzipWriter, err := gzip.NewWriterLevel(multiWriter, sm.config.CompressionLevel)
	if err != nil {
		return fail("create gzip writer", err)
	}

	uncompressedCounter := &countingWriter{w: gzipWriter}
	if err := json.NewEncoder(uncompressedCounter).Encode(export); err != nil {
		gzipWriter.Close()
		return fail("encode export", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fail("close gzip", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fail("close file", err)
	}
	if err := os.Rename(tmpPath, snapshotPath); err != nil {
		return fail("atomic rename", err)
	}
	cleanupTmp = false

	if err := syncDir(filepath.Dir(snapshotPath)); err != nil {
		// The snapshot itself is written; a dirent sync failure only narrows
		// crash-durability, so log and keep going.
		logger.Warn("directory sync failed (snapshot still valid)", slog.Any("error", err))
	}

	metadata := &SnapshotMetadata{
		Version:           SnapshotVersion,
		SessionID:         sessionID,
		CreatedAtMs:       time.Now().UnixMilli(),
		NodeCount:         len(export.Nodes),
		NumScenarios:      export.NumScenarios,
		UncompressedBytes: uncompressedCounter.count,
		CompressedBytes:   compressedCounter.count,
		ContentHash:       hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := sm.writeMetadata(sessionID, metadata); err != nil {
		logger.Warn("metadata write failed (snapshot still valid)", slog.Any("error", err))
	}

	snapshotOperationsTotal.WithLabelValues("save", "success").Inc()
	snapshotDurationHistogram.WithLabelValues("success", levelLabel).Observe(time.Since(start).Seconds())
	snapshotSizeBytes.Set(float64(metadata.CompressedBytes))
	span.SetAttributes(
		attribute.Int("snapshot.nodes", metadata.NodeCount),
		attribute.Int64("snapshot.compressed_bytes", metadata.CompressedBytes),
	)
	logger.Info("snapshot complete",
		slog.Int64("compressed_bytes", metadata.CompressedBytes),
		slog.Int64("uncompressed_bytes", metadata.UncompressedBytes),
		slog.Duration("elapsed", time.Since(start)))
	return metadata, nil
}

// Load reads a session's snapshot back into a tree export.
//
// Description:
//
//	Streams the snapshot through a hash while decompressing so integrity
//	verification costs no extra pass. Version and content hash are checked
//	against the metadata sidecar when present; a missing sidecar is
//	tolerated with a warning since the snapshot file is self-contained.
//
// Inputs:
//   - ctx: required context.
//   - sessionID: the session to load.
//
// Outputs:
//   - *master.TreeExport: the decoded export, ready for master.RestoreTree.
//   - *SnapshotMetadata: the sidecar, or nil when absent.
//   - error: ErrSnapshotNotFound, ErrSnapshotCorrupted,
//     ErrSnapshotVersionMismatch, ErrRestoreInProgress, or a wrapped I/O
//     error.
func (sm *SnapshotManager) Load(ctx context.Context, sessionID string) (*master.TreeExport, *SnapshotMetadata, error) {
	if ctx == nil {
		return nil, nil, ErrNilContext
	}
	if sm.closed.Load() {
		return nil, nil, ErrSnapshotManagerClosed
	}
	if !sm.restoreInProgress.CompareAndSwap(false, true) {
		return nil, nil, ErrRestoreInProgress
	}
	defer sm.restoreInProgress.Store(false)

	start := time.Now()
	ctx, span := snapshotTracer.Start(ctx, "persist.LoadSnapshot",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, sm.logger).With(
		slog.String("session_id", sessionID),
		slog.String("operation", "load_snapshot"),
	)

	fail := func(stage string, err error) (*master.TreeExport, *SnapshotMetadata, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		snapshotOperationsTotal.WithLabelValues("load", "error").Inc()
		restoreDurationHistogram.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, nil, fmt.Errorf("%s: %w", stage, err)
	}

	snapshotPath := sm.SnapshotPath(sessionID)
	if _, err := os.Stat(snapshotPath); err != nil {
		if os.IsNotExist(err) {
			return fail("stat snapshot", fmt.Errorf("session %q: %w", sessionID, ErrSnapshotNotFound))
		}
		return fail("stat snapshot", err)
	}

	lockFile, err := sm.acquireLock(ctx, sessionID, false)
	if err != nil {
		return fail("acquire lock", err)
	}
	defer sm.releaseLock(lockFile)

	metadata, err := sm.readMetadata(sessionID)
	if err != nil {
		if errors.Is(err, ErrMetadataCorrupted) {
			return fail("read metadata", err)
		}
		logger.Warn("metadata sidecar unavailable, skipping content verification",
			slog.Any("error", err))
		metadata = nil
	}
	if metadata != nil && metadata.Version != SnapshotVersion {
		return fail("check version", fmt.Errorf("snapshot version %q, supported %q: %w",
			metadata.Version, SnapshotVersion, ErrSnapshotVersionMismatch))
	}

	file, err := os.Open(snapshotPath)
	if err != nil {
		return fail("open snapshot", err)
	}
	defer file.Close()

	// Hash the compressed bytes while decompressing.
	hasher := sha256.New()
	var reader io.Reader = file
	verify := sm.config.ValidateOnRestore && metadata != nil
	if verify {
		reader = io.TeeReader(file, hasher)
	}

	gzipReader, err := gzip.NewReader(reader)
	if err != nil {
		return fail("open gzip", fmt.Errorf("%v: %w", err, ErrSnapshotCorrupted))
	}

	var export master.TreeExport
	if err := json.NewDecoder(gzipReader).Decode(&export); err != nil {
		gzipReader.Close()
		return fail("decode export", fmt.Errorf("%v: %w", err, ErrSnapshotCorrupted))
	}
	// Drain the stream so the gzip CRC is checked and the hash covers the
	// whole file.
	if _, err := io.Copy(io.Discard, gzipReader); err != nil {
		gzipReader.Close()
		return fail("drain gzip", fmt.Errorf("%v: %w", err, ErrSnapshotCorrupted))
	}
	if err := gzipReader.Close(); err != nil {
		return fail("close gzip", fmt.Errorf("%v: %w", err, ErrSnapshotCorrupted))
	}

	if verify {
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fail("drain file", err)
		}
		actualHash := hex.EncodeToString(hasher.Sum(nil))
		if actualHash != metadata.ContentHash {
			return fail("verify hash", fmt.Errorf("expected=%s, actual=%s: %w",
				metadata.ContentHash, actualHash, ErrSnapshotCorrupted))
		}
	}

	snapshotOperationsTotal.WithLabelValues("load", "success").Inc()
	restoreDurationHistogram.WithLabelValues("success").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("snapshot.nodes", len(export.Nodes)))
	logger.Info("snapshot loaded",
		slog.Int("nodes", len(export.Nodes)),
		slog.Duration("elapsed", time.Since(start)))
	return &export, metadata, nil
}

// Metadata returns the session's metadata sidecar after verifying its
// integrity hash.
func (sm *SnapshotManager) Metadata(sessionID string) (*SnapshotMetadata, error) {
	if sm.closed.Load() {
		return nil, ErrSnapshotManagerClosed
	}
	return sm.readMetadata(sessionID)
}

// Close marks the manager closed. Further operations fail with
// ErrSnapshotManagerClosed.
func (sm *SnapshotManager) Close() error {
	sm.closed.Store(true)
	return nil
}

// -----------------------------------------------------------------------------
// Locking
// -----------------------------------------------------------------------------

// acquireLock obtains a file lock for snapshot operations. Exclusive for
// saves, shared for loads.
func (sm *SnapshotManager) acquireLock(ctx context.Context, sessionID string, exclusive bool) (*os.File, error) {
	lockPath := sm.LockPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	lockType := syscall.LOCK_SH
	if exclusive {
		lockType = syscall.LOCK_EX
	}

	// Try non-blocking first.
	err = syscall.Flock(int(file.Fd()), lockType|syscall.LOCK_NB)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		file.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}

	timeout := time.Duration(sm.config.LockTimeoutSec) * time.Second
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 2 * time.Second
	)
	backoff := minBackoff
	for {
		select {
		case <-lockCtx.Done():
			file.Close()
			return nil, fmt.Errorf("%w after %v: %w", ErrSnapshotLockFailed, timeout, lockCtx.Err())
		case <-time.After(backoff):
			err = syscall.Flock(int(file.Fd()), lockType|syscall.LOCK_NB)
			if err == nil {
				return file, nil
			}
			if !errors.Is(err, syscall.EWOULDBLOCK) {
				file.Close()
				return nil, fmt.Errorf("flock: %w", err)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// releaseLock releases a file lock.
func (sm *SnapshotManager) releaseLock(file *os.File) {
	if file == nil {
		return
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}

// -----------------------------------------------------------------------------
// Metadata I/O
// -----------------------------------------------------------------------------

// writeMetadata saves the metadata sidecar with its integrity hash.
func (sm *SnapshotManager) writeMetadata(sessionID string, metadata *SnapshotMetadata) error {
	metaPath := sm.MetadataPath(sessionID)

	// Compute the hash with the field itself cleared.
	metadata.MetadataHash = ""
	hashData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal for hash: %w", err)
	}
	hash := sha256.Sum256(hashData)
	metadata.MetadataHash = hex.EncodeToString(hash[:])

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// readMetadata loads the metadata sidecar and validates its integrity.
func (sm *SnapshotManager) readMetadata(sessionID string) (*SnapshotMetadata, error) {
	data, err := os.ReadFile(sm.MetadataPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var metadata SnapshotMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMetadataCorrupted)
	}

	stored := metadata.MetadataHash
	metadata.MetadataHash = ""
	hashData, err := json.Marshal(&metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal for hash: %w", err)
	}
	hash := sha256.Sum256(hashData)
	metadata.MetadataHash = stored
	if hex.EncodeToString(hash[:]) != stored {
		return nil, ErrMetadataCorrupted
	}
	return &metadata, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// countingWriter counts bytes as they pass through.
type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

// syncDir fsyncs a directory so a renamed file's dirent survives a crash.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
