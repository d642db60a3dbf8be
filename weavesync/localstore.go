// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record does not exist in the local store.
var ErrNotFound = errors.New("record not found")

// LocalStore is the sync-facing surface of the embedded database. The
// engine only ever reads single records, lists pending records, applies
// confirmed remote state and flips batches to synced; the app-facing write
// path lives on the concrete store.
type LocalStore interface {
	// Find returns the record or ErrNotFound.
	Find(ctx context.Context, table, id string) (*LocalRecord, error)
	// Pending returns records awaiting push, oldest local write first.
	Pending(ctx context.Context, table string) ([]*LocalRecord, error)
	// ApplyRemote creates or overwrites a record from server-confirmed
	// state and marks it synced.
	ApplyRemote(ctx context.Context, table, id string, fields map[string]any, serverUpdatedAt, syncedAt int64) error
	// MarkSynced flips a batch of records to synced in one atomic
	// transaction: all of them land or none do.
	MarkSynced(ctx context.Context, table string, ids []string, serverUpdatedAt, syncedAt int64) error
}

// SQLiteStore implements LocalStore over a SQLite database, one table per
// registry entry with explicit sync-metadata columns. It also carries the
// app-facing write path (Create/Update), which stamps records pending.
type SQLiteStore struct {
	db       *sql.DB
	registry *Registry
	logger   *slog.Logger
	writeMu  sync.Mutex // serialize writes to avoid SQLite lock contention
	now      func() int64
}

// NewSQLiteStore initializes the schema for every registered table and
// returns the store. Safe to call on an already-initialized database.
func NewSQLiteStore(db *sql.DB, registry *Registry, logger *slog.Logger) (*SQLiteStore, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, registry: registry, logger: logger, now: nowMillis}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	for _, t := range registry.Tables() {
		if _, err := db.Exec(createTableDDL(t)); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
	}
	return s, nil
}

func createTableDDL(t Table) string {
	cols := []string{
		`"id" TEXT PRIMARY KEY`,
		`"sync_status" TEXT NOT NULL CHECK ("sync_status" IN ('pending','synced'))`,
		`"synced_at" INTEGER NOT NULL DEFAULT 0`,
		`"server_updated_at" INTEGER NOT NULL DEFAULT 0`,
		`"updated_at" INTEGER NOT NULL DEFAULT 0`,
	}
	for _, f := range t.Fields {
		col := quoteIdent(f.Local)
		if f.References != "" {
			col += fmt.Sprintf(` REFERENCES %s("id")`, quoteIdent(f.References))
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdent(t.Name), strings.Join(cols, ",\n\t"))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLiteStore) table(name string) (Table, error) {
	t, ok := s.registry.Lookup(name)
	if !ok {
		return Table{}, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// Create inserts a new record with an explicit initial sync status. An
// empty id gets a fresh UUID. App writes pass StatusPending; StatusSynced
// is reserved for store-internal use by the sync engine.
func (s *SQLiteStore) Create(ctx context.Context, table, id string, fields map[string]any, status SyncStatus) (*LocalRecord, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	if status != StatusPending && status != StatusSynced {
		return nil, fmt.Errorf("invalid initial sync status %q", status)
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	cols := []string{`"id"`, `"sync_status"`, `"synced_at"`, `"server_updated_at"`, `"updated_at"`}
	args := []any{id, string(status), int64(0), int64(0), now}
	for _, f := range t.Fields {
		if v, ok := fields[f.Local]; ok {
			cols = append(cols, quoteIdent(f.Local))
			args = append(args, v)
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(cols, ", "), placeholders(len(cols)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", table, err)
	}
	return s.findLocked(ctx, t, id)
}

// Update applies a local business write: the touched fields change, the
// record turns pending and its local modification instant advances.
func (s *SQLiteStore) Update(ctx context.Context, table, id string, fields map[string]any) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	sets := []string{`"sync_status" = ?`, `"updated_at" = ?`}
	args := []any{string(StatusPending), s.now()}
	for _, f := range t.Fields {
		if v, ok := fields[f.Local]; ok {
			sets = append(sets, quoteIdent(f.Local)+" = ?")
			args = append(args, v)
		}
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ?`, quoteIdent(t.Name), strings.Join(sets, ", "))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", table, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Find implements LocalStore.
func (s *SQLiteStore) Find(ctx context.Context, table, id string) (*LocalRecord, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return s.findLocked(ctx, t, id)
}

func (s *SQLiteStore) findLocked(ctx context.Context, t Table, id string) (*LocalRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE "id" = ?`, selectColumns(t), quoteIdent(t.Name))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, id), t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", t.Name, id, err)
	}
	return rec, nil
}

// Pending implements LocalStore.
func (s *SQLiteStore) Pending(ctx context.Context, table string) ([]*LocalRecord, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE "sync_status" = ? ORDER BY "updated_at", "id"`,
		selectColumns(t), quoteIdent(t.Name))
	rows, err := s.db.QueryContext(ctx, q, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s records: %w", table, err)
	}
	defer rows.Close()

	var out []*LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows, t)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending %s record: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending %s records: %w", table, err)
	}
	return out, nil
}

// ApplyRemote implements LocalStore. Missing declared fields are written as
// NULL so the local row mirrors the confirmed remote state exactly.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, table, id string, fields map[string]any, serverUpdatedAt, syncedAt int64) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	cols := []string{`"id"`, `"sync_status"`, `"synced_at"`, `"server_updated_at"`, `"updated_at"`}
	args := []any{id, string(StatusSynced), syncedAt, serverUpdatedAt, syncedAt}
	var sets []string
	for _, f := range t.Fields {
		cols = append(cols, quoteIdent(f.Local))
		args = append(args, fields[f.Local])
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(f.Local), quoteIdent(f.Local)))
	}
	sets = append(sets,
		`"sync_status" = excluded."sync_status"`,
		`"synced_at" = excluded."synced_at"`,
		`"server_updated_at" = excluded."server_updated_at"`,
		`"updated_at" = excluded."updated_at"`,
	)
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT("id") DO UPDATE SET %s`,
		quoteIdent(t.Name), strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to apply remote state to %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkSynced implements LocalStore.
func (s *SQLiteStore) MarkSynced(ctx context.Context, table string, ids []string, serverUpdatedAt, syncedAt int64) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := s.table(table)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark-synced transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	q := fmt.Sprintf(`UPDATE %s SET "sync_status" = ?, "synced_at" = ?, "server_updated_at" = ? WHERE "id" = ?`,
		quoteIdent(t.Name))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, q, string(StatusSynced), syncedAt, serverUpdatedAt, id); err != nil {
			return fmt.Errorf("failed to mark %s/%s synced: %w", table, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark-synced transaction: %w", err)
	}
	committed = true
	return nil
}

func selectColumns(t Table) string {
	cols := []string{`"id"`, `"sync_status"`, `"synced_at"`, `"server_updated_at"`, `"updated_at"`}
	for _, f := range t.Fields {
		cols = append(cols, quoteIdent(f.Local))
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, t Table) (*LocalRecord, error) {
	rec := &LocalRecord{Fields: make(map[string]any, len(t.Fields))}
	var status string
	dest := []any{&rec.ID, &status, &rec.SyncedAt, &rec.ServerUpdatedAt, &rec.UpdatedAt}
	vals := make([]any, len(t.Fields))
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.SyncStatus = SyncStatus(status)
	for i, f := range t.Fields {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		rec.Fields[f.Local] = v
	}
	return rec, nil
}
