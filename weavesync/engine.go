// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

// Package weavesync is the bidirectional synchronization engine that
// reconciles Weave's offline-capable embedded datastore with the centrally
// hosted store. One Sync cycle performs a delta pull and a batched push
// across a fixed, dependency-ordered table list, detects independent
// concurrent edits, and resolves them automatically (remote wins) or by
// escalating a ConflictCandidate to the UI.
package weavesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrSyncInFlight is reported when Sync is called while another cycle is
// already running on the same engine instance. This is an expected
// condition, not a failure of the running cycle.
var ErrSyncInFlight = errors.New("sync already in flight")

// Config holds the engine tunables.
type Config struct {
	// PushBatchSize bounds how many pending records go into one upsert
	// call and one local mark-synced transaction.
	PushBatchSize int
}

// DefaultConfig returns the default engine tunables.
func DefaultConfig() *Config {
	return &Config{PushBatchSize: 50}
}

// SyncResult summarizes one cycle. It is built fresh per call and never
// persisted.
type SyncResult struct {
	Success       bool
	PulledCount   int
	PushedCount   int
	ConflictCount int
	Errors        []error
}

// Engine drives sync cycles. It is re-entrant-safe but not
// re-entrant-concurrent: overlapping Sync calls on one instance are
// rejected immediately. Separate instances (per account, per test) do not
// interfere with each other.
type Engine struct {
	local    LocalStore
	remote   RemoteStore
	cursor   CursorStore
	registry *Registry
	sink     ConflictSink
	config   *Config
	logger   *slog.Logger

	inFlight atomic.Bool
	now      func() int64 // unix ms clock, replaceable in tests
}

// NewEngine wires an engine. A nil config takes DefaultConfig, a nil logger
// takes slog.Default, and a nil sink drops manual-conflict candidates
// (their local records stay untouched and are re-detected next cycle).
func NewEngine(local LocalStore, remote RemoteStore, cursor CursorStore, registry *Registry, sink ConflictSink, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PushBatchSize <= 0 {
		config.PushBatchSize = DefaultConfig().PushBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{
		local:    local,
		remote:   remote,
		cursor:   cursor,
		registry: registry,
		sink:     sink,
		config:   config,
		logger:   logger,
		now:      nowMillis,
	}
}

// Sync runs one full cycle for userID: load cursor, pull, push, persist
// cursor. Per-table and per-batch failures land in Errors without aborting
// the rest of the cycle; the cursor only advances after a clean cycle, so a
// crash or network loss mid-cycle costs at most a redundant re-pull/re-push
// of already-applied records.
func (e *Engine) Sync(ctx context.Context, userID string) *SyncResult {
	result := &SyncResult{}
	if !e.inFlight.CompareAndSwap(false, true) {
		result.Errors = append(result.Errors, ErrSyncInFlight)
		return result
	}
	defer e.inFlight.Store(false)

	// The cursor is persisted to the cycle's start instant, never "now":
	// writes landing on the server while we run stay inside the next
	// cycle's window instead of being skipped.
	start := e.now()

	since, err := e.cursor.Load(userID)
	if err != nil {
		e.logger.Warn("cursor load failed, falling back to full resync",
			"user_id", userID, "error", err)
		since = 0
	}

	// Records escalated to manual resolution this cycle are withheld from
	// the push phase so an unanswered conflict cannot silently clobber the
	// server copy.
	escalated := make(map[string]map[string]bool)

	for _, table := range e.registry.Tables() {
		if err := e.pullTable(ctx, userID, table, since, escalated, result); err != nil {
			e.logger.Error("pull failed", "table", table.Name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("pull %s: %w", table.Name, err))
		}
	}
	for _, table := range e.registry.Tables() {
		e.pushTable(ctx, userID, table, escalated[table.Name], result)
	}

	result.Success = len(result.Errors) == 0
	if result.Success && start > since {
		if err := e.cursor.Save(userID, start); err != nil {
			// Only efficiency is lost: the next cycle re-reads an
			// overlapping window.
			e.logger.Warn("cursor save failed", "user_id", userID, "error", err)
		}
	}

	e.logger.Info("sync cycle finished",
		"user_id", userID,
		"success", result.Success,
		"pulled", result.PulledCount,
		"pushed", result.PushedCount,
		"conflicts", result.ConflictCount,
		"errors", len(result.Errors))
	return result
}

func (e *Engine) pullTable(ctx context.Context, userID string, table Table, since int64, escalated map[string]map[string]bool, result *SyncResult) error {
	rows, err := e.remote.SelectSince(ctx, table.Name, userID, since)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		if row.ID == "" {
			e.logger.Error("skipping remote row without id", "table", table.Name)
			continue
		}
		localFields := table.ToLocal(row.Fields)

		local, err := e.local.Find(ctx, table.Name, row.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := e.local.ApplyRemote(ctx, table.Name, row.ID, localFields, row.ServerUpdatedAt, e.now()); err != nil {
				e.logger.Error("failed to create record from remote",
					"table", table.Name, "id", row.ID, "error", err)
				// The cycle must not succeed: a saved cursor would move the
				// pull window past this row and lose it for good.
				result.Errors = append(result.Errors, fmt.Errorf("apply %s/%s: %w", table.Name, row.ID, err))
				continue
			}
			result.PulledCount++

		case err != nil:
			return fmt.Errorf("find %s/%s: %w", table.Name, row.ID, err)

		default:
			// Rows whose watermark we have already recorded are echoes of
			// our own pushes or of the previous cycle's overlap window;
			// skipping them keeps a quiet cycle at zero.
			if local.SyncStatus == StatusSynced && row.ServerUpdatedAt <= local.ServerUpdatedAt {
				continue
			}
			if !HasConflict(local, row) {
				if err := e.local.ApplyRemote(ctx, table.Name, row.ID, localFields, row.ServerUpdatedAt, e.now()); err != nil {
					e.logger.Error("failed to overwrite record from remote",
						"table", table.Name, "id", row.ID, "error", err)
					result.Errors = append(result.Errors, fmt.Errorf("apply %s/%s: %w", table.Name, row.ID, err))
					continue
				}
				result.PulledCount++
				continue
			}

			result.ConflictCount++
			if table.Policy == PolicyAutomatic {
				if err := e.local.ApplyRemote(ctx, table.Name, row.ID, localFields, row.ServerUpdatedAt, e.now()); err != nil {
					e.logger.Error("failed to auto-resolve conflict",
						"table", table.Name, "id", row.ID, "error", err)
					result.Errors = append(result.Errors, fmt.Errorf("apply %s/%s: %w", table.Name, row.ID, err))
					continue
				}
				e.logger.Debug("conflict auto-resolved, remote wins",
					"table", table.Name, "id", row.ID)
				continue
			}
			if escalated[table.Name] == nil {
				escalated[table.Name] = make(map[string]bool)
			}
			escalated[table.Name][row.ID] = true
			e.emitCandidate(userID, table, local, row)
		}
	}
	return nil
}

func (e *Engine) pushTable(ctx context.Context, userID string, table Table, withheld map[string]bool, result *SyncResult) {
	pending, err := e.local.Pending(ctx, table.Name)
	if err != nil {
		e.logger.Error("failed to list pending records", "table", table.Name, "error", err)
		result.Errors = append(result.Errors, fmt.Errorf("pending %s: %w", table.Name, err))
		return
	}
	if len(withheld) > 0 {
		kept := pending[:0]
		for _, rec := range pending {
			if !withheld[rec.ID] {
				kept = append(kept, rec)
			}
		}
		pending = kept
	}

	batchSize := e.config.PushBatchSize
	for startIdx := 0; startIdx < len(pending); startIdx += batchSize {
		end := startIdx + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[startIdx:end]

		rows := make([]RemoteRow, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, rec := range batch {
			rows = append(rows, RemoteRow{
				ID:     rec.ID,
				UserID: userID,
				Fields: table.ToRemote(rec.Fields),
			})
			ids = append(ids, rec.ID)
		}

		res, err := e.remote.Upsert(ctx, table.Name, rows)
		if err != nil {
			// The batch stays pending and rides along next cycle.
			e.logger.Error("push batch failed", "table", table.Name, "size", len(batch), "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("push %s: %w", table.Name, err))
			continue
		}
		if err := e.local.MarkSynced(ctx, table.Name, ids, res.ServerUpdatedAt, e.now()); err != nil {
			e.logger.Error("failed to mark batch synced", "table", table.Name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("mark synced %s: %w", table.Name, err))
			continue
		}
		result.PushedCount += len(batch)
	}
}

func (e *Engine) emitCandidate(userID string, table Table, local *LocalRecord, row *RemoteRow) {
	cand := &Candidate{
		ID:     row.ID,
		Table:  table.Name,
		Local:  local,
		Remote: row,
	}
	cand.apply = func(ctx context.Context, strategy Strategy) error {
		var err error
		switch strategy {
		case KeepLocal:
			err = e.resolveKeepLocal(ctx, userID, table, local)
		case KeepServer:
			err = e.local.ApplyRemote(ctx, table.Name, row.ID, table.ToLocal(row.Fields), row.ServerUpdatedAt, e.now())
		default:
			err = fmt.Errorf("unknown conflict strategy %q", strategy)
		}
		if err != nil {
			e.logger.Error("conflict resolution write failed, will re-detect next cycle",
				"table", table.Name, "id", row.ID, "strategy", string(strategy), "error", err)
		}
		return err
	}
	e.sink.Publish(cand)
	e.logger.Info("conflict escalated to manual resolution",
		"table", table.Name, "id", row.ID)
}

func (e *Engine) resolveKeepLocal(ctx context.Context, userID string, table Table, local *LocalRecord) error {
	res, err := e.remote.Upsert(ctx, table.Name, []RemoteRow{{
		ID:     local.ID,
		UserID: userID,
		Fields: table.ToRemote(local.Fields),
	}})
	if err != nil {
		return fmt.Errorf("push local version: %w", err)
	}
	return e.local.MarkSynced(ctx, table.Name, []string{local.ID}, res.ServerUpdatedAt, e.now())
}

func nowMillis() int64 { return time.Now().UnixMilli() }
