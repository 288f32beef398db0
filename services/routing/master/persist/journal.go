// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist gives the master tree its durability: a write-ahead
// journal of drained update batches and a snapshot manager for whole-tree
// exports.
//
// The two are designed to be used together. A snapshot captures the tree at
// a point in time; checkpointing the journal immediately after the snapshot
// trims every batch the snapshot already covers. Updates are additive and
// not idempotent, so replaying a journal from before the snapshot point
// would double-count. The checkpoint is what keeps restore-then-replay
// exactly-once across restarts.
package persist

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/WindwardFOSS/services/routing/master"
	"github.com/AleutianAI/WindwardFOSS/services/routing/storage/badger"
)

// -----------------------------------------------------------------------------
// Journal Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext indicates a nil context was passed to an operation that
	// requires one.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrNilBatch is returned when attempting to append a nil batch.
	ErrNilBatch = errors.New("batch must not be nil")

	// ErrJournalClosed is returned when operations are called on a closed
	// journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when a journal entry fails its
	// integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrJournalFull is returned when the journal exceeds MaxJournalBytes.
	ErrJournalFull = errors.New("journal size limit exceeded")

	// ErrJournalDegraded is returned when the journal is operating in
	// degraded mode: appends are acknowledged but not durable.
	ErrJournalDegraded = errors.New("journal operating in degraded mode")

	// ErrJournalSequenceGap is returned when replay detects missing sequence
	// numbers.
	ErrJournalSequenceGap = errors.New("journal sequence number gap detected")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	journalAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windward_journal_appends_total",
			Help: "Update batches appended to the journal",
		},
		[]string{"status"},
	)

	journalBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windward_journal_bytes_written_total",
			Help: "Framed bytes written to the journal",
		},
	)

	journalReplayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windward_journal_replayed_batches_total",
			Help: "Batches visited during journal replay",
		},
		[]string{"status"},
	)
)

var journalTracer = otel.Tracer("windward.persist.journal")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// JournalConfig configures journal behavior.
type JournalConfig struct {
	// Path is the directory for BadgerDB files. Required for persistent
	// mode.
	Path string

	// SessionID scopes this journal to a specific run. Required; used as a
	// key prefix so multiple sessions can share one store.
	SessionID string

	// SyncWrites enables synchronous writes. Must be true for write-ahead
	// correctness; disable only for tests.
	SyncWrites bool

	// MaxJournalBytes caps the journal size between checkpoints.
	// 0 means unlimited.
	MaxJournalBytes int64

	// AllowDegraded keeps the aggregation alive when journal writes start
	// failing: the journal flips into degraded mode instead of failing every
	// append loudly. Durability is lost until the next successful
	// checkpoint cycle.
	AllowDegraded bool

	// SkipCorrupted makes replay skip entries that fail CRC validation (and
	// tolerate the sequence gaps skipping causes) instead of aborting.
	SkipCorrupted bool

	// InMemory runs the journal on an in-memory store. For tests.
	InMemory bool

	// Logger receives structured journal logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c JournalConfig) Validate() error {
	if c.SessionID == "" {
		return errors.New("journal config: SessionID is required")
	}
	if !c.InMemory && c.Path == "" {
		return errors.New("journal config: Path is required for persistent mode")
	}
	if c.MaxJournalBytes < 0 {
		return errors.New("journal config: MaxJournalBytes must be >= 0")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Batch types
// -----------------------------------------------------------------------------

// JournalBatch is one drained worker buffer as recorded in the journal.
// Batches carry monotonically increasing sequence numbers per session;
// replay applies them oldest first.
type JournalBatch struct {
	SessionID   string
	Seq         uint64
	WorkerID    int
	CreatedAtMs int64
	Updates     []master.RewardUpdate
}

// BatchOrError is one streamed replay result. Exactly one of Batch or Err is
// set unless Skipped is true, in which case both are unset and Seq names the
// entry that failed validation and was skipped.
type BatchOrError struct {
	Batch   *JournalBatch
	Seq     uint64
	Err     error
	Skipped bool
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

const (
	batchKeyFormat      = "batch:%s:%016d"
	checkpointKeyFormat = "checkpoint:latest:%s"

	// replayStreamBuffer is the channel depth of ReplayStream.
	replayStreamBuffer = 100
)

// Journal is a BadgerDB-backed write-ahead log of drained update batches.
// The aggregator appends every batch before integrating it; after a crash,
// replaying the journal on top of the last snapshot reproduces the tree.
//
// Thread Safety: safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    JournalConfig
	logger *slog.Logger

	seqNum     atomic.Uint64
	totalBytes atomic.Int64
	degraded   atomic.Bool
	closed     atomic.Bool
}

// Journal appends are what the aggregator sees through the seam in the
// master package.
var _ master.UpdateJournal = (*Journal)(nil)

// NewJournal opens (or creates) the journal for a session.
//
// Description:
//
//	Opens the underlying store, scans the session's key range to recover
//	the last used sequence number and the journal size, and is then ready
//	to append. Reopening an existing session continues its sequence.
//
// Inputs:
//   - cfg: journal configuration. Validated before use.
//
// Outputs:
//   - *Journal: ready for appends and replay.
//   - error: validation or store-open failure.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "journal"), slog.String("session_id", cfg.SessionID))

	var bcfg badger.Config
	if cfg.InMemory {
		bcfg = badger.InMemoryConfig()
	} else {
		bcfg = badger.DefaultConfig(cfg.Path)
		bcfg.SyncWrites = cfg.SyncWrites
	}
	bcfg.Logger = logger
	db, err := badger.OpenDB(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, logger: logger}
	if err := j.initState(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover journal state: %w", err)
	}
	logger.Info("journal initialized",
		slog.Uint64("last_seq", j.seqNum.Load()),
		slog.Int64("journal_bytes", j.totalBytes.Load()),
		slog.Bool("in_memory", cfg.InMemory))
	return j, nil
}

// initState recovers the last sequence number and total size by scanning the
// session's batch keys. The last sequence is found with a reverse seek so
// reopening a large journal stays cheap; the size scan walks key metadata
// only.
func (j *Journal) initState() error {
	prefix := []byte(fmt.Sprintf("batch:%s:", j.cfg.SessionID))
	return j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		// Seek past every possible sequence for this session.
		seekKey := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)
		if it.ValidForPrefix(prefix) {
			seq, err := parseBatchSeq(it.Item().Key(), prefix)
			if err != nil {
				it.Close()
				return err
			}
			j.seqNum.Store(seq)
		}
		it.Close()

		sizeOpts := dgbadger.DefaultIteratorOptions
		sizeOpts.PrefetchValues = false
		sizeOpts.Prefix = prefix
		sit := txn.NewIterator(sizeOpts)
		defer sit.Close()
		var total int64
		for sit.Rewind(); sit.ValidForPrefix(prefix); sit.Next() {
			total += sit.Item().ValueSize()
		}
		j.totalBytes.Store(total)
		return nil
	})
}

func parseBatchSeq(key, prefix []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, fmt.Errorf("malformed journal key %q: %w", key, ErrJournalCorrupted)
	}
	return seq, nil
}

// SessionID returns the session this journal is scoped to.
func (j *Journal) SessionID() string {
	return j.cfg.SessionID
}

// Append durably records one batch and assigns it the next sequence number.
//
// Inputs:
//   - ctx: required context.
//   - batch: the batch to record. SessionID and Seq are assigned here;
//     CreatedAtMs is stamped when zero.
//
// Outputs:
//   - uint64: the assigned sequence number.
//   - error: ErrJournalClosed, ErrJournalDegraded, ErrJournalFull, or a
//     wrapped store error.
func (j *Journal) Append(ctx context.Context, batch *JournalBatch) (uint64, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if batch == nil {
		return 0, ErrNilBatch
	}
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}
	if j.degraded.Load() {
		journalAppendsTotal.WithLabelValues("degraded").Inc()
		return 0, ErrJournalDegraded
	}

	ctx, span := journalTracer.Start(ctx, "journal.append")
	defer span.End()

	seq := j.seqNum.Add(1)
	batch.SessionID = j.cfg.SessionID
	batch.Seq = seq
	if batch.CreatedAtMs == 0 {
		batch.CreatedAtMs = time.Now().UnixMilli()
	}

	frame, err := encodeBatch(batch)
	if err != nil {
		journalAppendsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if j.cfg.MaxJournalBytes > 0 && j.totalBytes.Load()+int64(len(frame)) > j.cfg.MaxJournalBytes {
		journalAppendsTotal.WithLabelValues("full").Inc()
		err := fmt.Errorf("journal at %d bytes, limit %d: %w",
			j.totalBytes.Load(), j.cfg.MaxJournalBytes, ErrJournalFull)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	key := []byte(fmt.Sprintf(batchKeyFormat, j.cfg.SessionID, seq))
	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, frame)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if j.cfg.AllowDegraded {
			j.degraded.Store(true)
			journalAppendsTotal.WithLabelValues("degraded").Inc()
			j.logger.Warn("journal write failed, entering degraded mode",
				slog.Uint64("seq", seq),
				slog.Any("error", err))
			return 0, fmt.Errorf("append batch %d: %v: %w", seq, err, ErrJournalDegraded)
		}
		journalAppendsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("append batch %d: %w", seq, err)
	}

	j.totalBytes.Add(int64(len(frame)))
	journalAppendsTotal.WithLabelValues("ok").Inc()
	journalBytesWritten.Add(float64(len(frame)))
	span.SetAttributes(
		attribute.Int64("journal.seq", int64(seq)),
		attribute.Int("journal.batch_updates", len(batch.Updates)),
		attribute.Int("journal.frame_bytes", len(frame)),
	)
	return seq, nil
}

// AppendBatch implements master.UpdateJournal: it wraps a drained worker
// buffer into a JournalBatch and appends it.
func (j *Journal) AppendBatch(ctx context.Context, workerID int, updates []master.RewardUpdate) error {
	_, err := j.Append(ctx, &JournalBatch{
		WorkerID: workerID,
		Updates:  updates,
	})
	return err
}

// Replay walks the journal from the last checkpoint and hands every batch to
// fn, oldest first.
//
// Description:
//
//	Entries at or below the checkpoint sequence are already covered by a
//	snapshot and are not visited. A CRC failure aborts with
//	ErrJournalCorrupted unless SkipCorrupted is set, in which case the
//	entry is skipped. A missing sequence number aborts with
//	ErrJournalSequenceGap under the same rule.
//
// Inputs:
//   - ctx: required context; checked between entries.
//   - fn: callback applied to each batch. A callback error aborts replay.
//
// Outputs:
//   - int: number of batches successfully applied.
//   - error: first failure, nil when the whole journal replayed.
func (j *Journal) Replay(ctx context.Context, fn func(*JournalBatch) error) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if fn == nil {
		return 0, errors.New("replay callback must not be nil")
	}
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}

	ctx, span := journalTracer.Start(ctx, "journal.replay")
	defer span.End()

	applied := 0
	skipped := 0
	err := j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		cpSeq, err := j.checkpointSeq(txn)
		if err != nil {
			return err
		}
		prefix := []byte(fmt.Sprintf("batch:%s:", j.cfg.SessionID))
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		expected := cpSeq + 1
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			seq, err := parseBatchSeq(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			if seq <= cpSeq {
				continue
			}
			if seq != expected {
				if !j.cfg.SkipCorrupted {
					return fmt.Errorf("expected seq %d, found %d: %w", expected, seq, ErrJournalSequenceGap)
				}
				j.logger.Warn("journal sequence gap tolerated",
					slog.Uint64("expected", expected),
					slog.Uint64("found", seq))
			}
			var batch *JournalBatch
			err = it.Item().Value(func(val []byte) error {
				b, derr := decodeBatch(val)
				if derr != nil {
					return derr
				}
				batch = b
				return nil
			})
			if err != nil {
				if errors.Is(err, ErrJournalCorrupted) && j.cfg.SkipCorrupted {
					skipped++
					journalReplayedTotal.WithLabelValues("skipped").Inc()
					j.logger.Warn("corrupted journal entry skipped", slog.Uint64("seq", seq))
					expected = seq + 1
					continue
				}
				journalReplayedTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("batch %d: %w", seq, err)
			}
			if err := fn(batch); err != nil {
				journalReplayedTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("replay callback at seq %d: %w", seq, err)
			}
			applied++
			journalReplayedTotal.WithLabelValues("ok").Inc()
			expected = seq + 1
		}
		return nil
	})

	span.SetAttributes(
		attribute.Int("journal.batches_applied", applied),
		attribute.Int("journal.batches_skipped", skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return applied, err
	}
	j.logger.Info("journal replay complete",
		slog.Int("batches_applied", applied),
		slog.Int("batches_skipped", skipped))
	return applied, nil
}

// ReplayStream is the streaming form of Replay for callers that want to
// consume batches through a channel. The channel is closed when the journal
// is exhausted, an error is sent, or the context ends. Skipped entries are
// reported with Skipped set rather than silently dropped.
func (j *Journal) ReplayStream(ctx context.Context) (<-chan BatchOrError, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}
	out := make(chan BatchOrError, replayStreamBuffer)
	go func() {
		defer close(out)
		_, err := j.Replay(ctx, func(batch *JournalBatch) error {
			select {
			case out <- BatchOrError{Batch: batch, Seq: batch.Seq}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case out <- BatchOrError{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Checkpoint marks every batch up to the current sequence as covered by a
// snapshot and deletes it. Call immediately after a successful snapshot
// save; replay then starts after the snapshot point, which keeps the
// restore-then-replay path exactly-once.
//
// Inputs:
//   - ctx: required context.
//
// Outputs:
//   - error: ErrJournalClosed or a wrapped store error.
func (j *Journal) Checkpoint(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	ctx, span := journalTracer.Start(ctx, "journal.checkpoint")
	defer span.End()

	seq := j.seqNum.Load()
	deleted := 0
	err := j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		cpKey := []byte(fmt.Sprintf(checkpointKeyFormat, j.cfg.SessionID))
		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], seq)
		if err := txn.Set(cpKey, seqBytes[:]); err != nil {
			return err
		}
		prefix := []byte(fmt.Sprintf("batch:%s:", j.cfg.SessionID))
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			batchSeq, err := parseBatchSeq(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			if batchSeq > seq {
				continue
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checkpoint at seq %d: %w", seq, err)
	}

	j.totalBytes.Store(0)
	j.degraded.Store(false)
	span.SetAttributes(
		attribute.Int64("journal.checkpoint_seq", int64(seq)),
		attribute.Int("journal.batches_deleted", deleted),
	)
	j.logger.Info("journal checkpoint written",
		slog.Uint64("checkpoint_seq", seq),
		slog.Int("batches_deleted", deleted))
	return nil
}

// checkpointSeq reads the last checkpoint sequence, or 0 when the session
// has never checkpointed.
func (j *Journal) checkpointSeq(txn *dgbadger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(fmt.Sprintf(checkpointKeyFormat, j.cfg.SessionID)))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("checkpoint marker has %d bytes, want 8: %w", len(val), ErrJournalCorrupted)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

// JournalStats is a point-in-time summary of the journal.
type JournalStats struct {
	SessionID  string `json:"session_id"`
	LastSeq    uint64 `json:"last_seq"`
	TotalBytes int64  `json:"total_bytes"`
	Degraded   bool   `json:"degraded"`
	Closed     bool   `json:"closed"`
}

// Stats returns the journal's counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		SessionID:  j.cfg.SessionID,
		LastSeq:    j.seqNum.Load(),
		TotalBytes: j.totalBytes.Load(),
		Degraded:   j.degraded.Load(),
		Closed:     j.closed.Load(),
	}
}

// Close closes the journal and its store. Further operations return
// ErrJournalClosed.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}

// -----------------------------------------------------------------------------
// Frame codec
// -----------------------------------------------------------------------------

// encodeBatch frames a batch as [4-byte big-endian CRC32][gob payload]. The
// checksum covers the payload only.
func encodeBatch(batch *JournalBatch) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(batch); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	payload := buf.Bytes()
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], crc32.ChecksumIEEE(payload))
	copy(frame[4:], payload)
	return frame, nil
}

func decodeBatch(frame []byte) (*JournalBatch, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("frame too short (%d bytes): %w", len(frame), ErrJournalCorrupted)
	}
	payload := frame[4:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(frame[:4]) {
		return nil, ErrJournalCorrupted
	}
	var batch JournalBatch
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJournalCorrupted, err)
	}
	return &batch, nil
}
