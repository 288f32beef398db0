// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB as the backing store for the update journal.
//
// The journal appends one record per drained worker batch and scans them
// back in sequence order on replay, so the store sees a single writer,
// monotonically increasing keys, and no key rewrites. The wrapper bakes in
// the pieces that workload needs and that every caller would otherwise
// repeat: directory creation, synchronous-write defaults, slog bridging,
// context-checked transaction helpers, and periodic value-log garbage
// collection.
//
// BadgerDB itself is Apache 2.0 licensed (github.com/dgraph-io/badger); see
// its repository for attribution details.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config selects where the store lives and how durable its writes are.
type Config struct {
	// Path is the directory holding the store's files. Required unless
	// InMemory is set; created on open when missing.
	Path string

	// InMemory keeps everything in RAM. Nothing survives Close.
	InMemory bool

	// SyncWrites fsyncs every commit. A journal that claims durability
	// must leave this on; turning it off is only safe for throwaway data.
	SyncWrites bool

	// Logger receives BadgerDB's own log output at matching slog levels.
	// Nil silences it.
	Logger *slog.Logger

	// NumVersionsToKeep bounds version history per key. The journal never
	// rewrites a key, so one version is enough.
	NumVersionsToKeep int

	// GCInterval is the period between value-log garbage collection
	// sweeps. Zero disables the background runner.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of a value-log file that must be
	// stale before GC rewrites it.
	GCDiscardRatio float64
}

// DefaultConfig returns the settings a durable journal store runs with:
// synchronous writes, single-version keys, and a GC sweep every five
// minutes that rewrites files at 50% waste.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns settings for tests: RAM-backed, no fsync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
	}
}

// slogBridge forwards BadgerDB's printf-style log calls to slog. Badger
// terminates its messages with a newline; slog adds its own, so the bridge
// strips the trailing one.
type slogBridge struct {
	logger *slog.Logger
}

func (b *slogBridge) format(format string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}

func (b *slogBridge) Errorf(format string, args ...interface{}) {
	b.logger.Error(b.format(format, args...))
}

func (b *slogBridge) Warningf(format string, args ...interface{}) {
	b.logger.Warn(b.format(format, args...))
}

func (b *slogBridge) Infof(format string, args ...interface{}) {
	b.logger.Info(b.format(format, args...))
}

func (b *slogBridge) Debugf(format string, args ...interface{}) {
	b.logger.Debug(b.format(format, args...))
}

// buildOptions maps Config onto BadgerDB's option set.
func buildOptions(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(cfg.NumVersionsToKeep)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogBridge{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// Open opens a raw BadgerDB handle with the given configuration.
//
// Description:
//
//	Validates the config, creates the store directory when needed, and
//	opens BadgerDB. Callers that want lifecycle management (GC, idempotent
//	close) should use OpenDB instead.
//
// Outputs:
//
//	*badger.DB - The open handle. Caller owns Close.
//	error - Non-nil when the config is invalid or the store will not open.
//
// Thread Safety: The returned handle is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return db, nil
}

// DB couples a BadgerDB handle with the store's background GC runner so the
// two share one lifecycle.
type DB struct {
	*badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool
}

// OpenDB opens a managed store: the database plus, for persistent stores
// with a GCInterval, a running value-log GC loop. Close stops both.
//
// Thread Safety: Safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	managed := &DB{
		DB:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		managed.gcRunner = runner
		runner.Start()
	}
	return managed, nil
}

// Close stops the GC runner and closes the store. Safe to call more than
// once; BadgerDB makes the second close a no-op.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the store directory, or "" for in-memory stores.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the store is RAM-backed.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Sync flushes pending writes to disk. In-memory stores have nothing to
// flush.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// WithTxn runs fn inside a read-write transaction, committing when fn
// returns nil and discarding otherwise. The context is checked before the
// transaction starts; a transaction in flight is never interrupted.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn inside a read-only transaction. The context is
// checked before the transaction starts.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// -----------------------------------------------------------------------------
// Value-log garbage collection
// -----------------------------------------------------------------------------

// maxGCPassesPerSweep caps how many value-log files one sweep rewrites so a
// badly fragmented store cannot monopolize I/O between ticks.
const maxGCPassesPerSweep = 4

// GCRunner sweeps the value log on a fixed interval. BadgerDB rewrites at
// most one value-log file per GC call, so each sweep loops until a call
// reports nothing left to collect or the per-sweep cap is reached.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewGCRunner creates a sweep loop over db. It does nothing until Start.
//
// Inputs:
//
//	db - Open store. Must not be nil.
//	interval - Time between sweeps. Must be positive.
//	ratio - Stale fraction (0..1) that makes a file worth rewriting.
//	logger - Optional sweep logging.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start launches the sweep goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts sweeping and waits for the goroutine to exit. Safe to call
// more than once.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep rewrites value-log files until BadgerDB reports nothing left or the
// pass cap is hit. A nil return from RunValueLogGC means one file was
// rewritten and another may be waiting.
func (r *GCRunner) sweep() {
	rewritten := 0
	for rewritten < maxGCPassesPerSweep {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			rewritten++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
			r.logger.Warn("value log GC failed", slog.String("error", err.Error()))
		}
		break
	}
	if rewritten > 0 && r.logger != nil {
		r.logger.Debug("value log GC sweep finished", slog.Int("files_rewritten", rewritten))
	}
}
