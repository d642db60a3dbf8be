// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

// Package weaveserver is the central-store side of Weave sync: a
// Postgres-backed change store serving delta queries and batched upserts,
// with HTTP handlers and JWT bearer authentication in front of it.
package weaveserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jaybcreagh-netizen/Weave-sub007/weavesync"
)

// ErrUnknownTable is returned for tables not registered with the store.
var ErrUnknownTable = errors.New("unknown table")

// ChangeStore is what the HTTP layer needs from the persistence layer.
type ChangeStore interface {
	// SelectSince returns up to limit of the user's rows with
	// server_updated_at strictly after since, ascending, and whether more
	// rows remain past the page.
	SelectSince(ctx context.Context, userID, table string, since int64, limit int) (rows []weavesync.RemoteRow, hasMore bool, err error)
	// Upsert writes a batch of rows keyed by id, assigning each a
	// monotonically non-decreasing server_updated_at.
	Upsert(ctx context.Context, userID, table string, rows []weavesync.RemoteRow) (*weavesync.UpsertResult, error)
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGStore implements ChangeStore over a pgx connection pool, one Postgres
// table per registered sync table: id uuid primary key, owning user,
// server watermark and the business payload as jsonb.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	tables map[string]bool
	now    func() int64

	mu   sync.Mutex
	last int64 // highest watermark issued or observed so far
}

// stamp issues a watermark strictly greater than every watermark this store
// has issued or observed, and never behind the wall clock. Strictness
// matters: delta pages are keyed by watermark alone, so two rows sharing one
// would be droppable at a page boundary.
func (s *PGStore) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.now()
	if w <= s.last {
		w = s.last + 1
	}
	s.last = w
	return w
}

// observe raises the watermark floor to a value seen in the database, so a
// restarted store cannot re-issue watermarks below existing rows.
func (s *PGStore) observe(w int64) {
	s.mu.Lock()
	if w > s.last {
		s.last = w
	}
	s.mu.Unlock()
}

// NewPGStore validates the table names, initializes their schema and
// returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, tables []string, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{
		pool:   pool,
		logger: logger,
		tables: make(map[string]bool, len(tables)),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, name := range tables {
		if !identPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
		s.tables[name] = true
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, name := range tables {
			ddl := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %[1]q (
					id uuid PRIMARY KEY,
					user_id text NOT NULL,
					server_updated_at bigint NOT NULL,
					payload jsonb NOT NULL DEFAULT '{}'::jsonb
				)`, name)
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", name, err)
			}
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (user_id, server_updated_at)`,
				"idx_"+name+"_user_updated", name)
			if _, err := tx.Exec(ctx, idx); err != nil {
				return fmt.Errorf("failed to create index for %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize change store schema: %w", err)
	}
	return s, nil
}

// SelectSince implements ChangeStore.
func (s *PGStore) SelectSince(ctx context.Context, userID, table string, since int64, limit int) ([]weavesync.RemoteRow, bool, error) {
	if !s.tables[table] {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	q := fmt.Sprintf(`
		SELECT id::text, user_id, server_updated_at, payload
		FROM %q
		WHERE user_id = $1 AND server_updated_at > $2
		ORDER BY server_updated_at, id
		LIMIT $3`, table)

	// Fetch one extra row to learn whether the page is full.
	pgRows, err := s.pool.Query(ctx, q, userID, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query %s changes: %w", table, err)
	}
	defer pgRows.Close()

	var rows []weavesync.RemoteRow
	for pgRows.Next() {
		var row weavesync.RemoteRow
		var payload []byte
		if err := pgRows.Scan(&row.ID, &row.UserID, &row.ServerUpdatedAt, &payload); err != nil {
			return nil, false, fmt.Errorf("failed to scan %s change: %w", table, err)
		}
		if err := json.Unmarshal(payload, &row.Fields); err != nil {
			return nil, false, fmt.Errorf("failed to decode %s payload: %w", table, err)
		}
		rows = append(rows, row)
	}
	if err := pgRows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating %s changes: %w", table, err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

// Upsert implements ChangeStore. The whole batch lands in one transaction,
// each row stamped with its own strictly increasing watermark. A row's
// stored watermark becomes GREATEST(stamped, previous+1), which keeps
// server_updated_at non-decreasing per record even under clock skew; the
// result carries the highest watermark actually written so the client can
// record it for every row of the batch. A row owned by another user is left
// untouched and not counted as applied.
func (s *PGStore) Upsert(ctx context.Context, userID, table string, rows []weavesync.RemoteRow) (*weavesync.UpsertResult, error) {
	if !s.tables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	payloads := make([][]byte, len(rows))
	for i, row := range rows {
		if _, err := uuid.Parse(row.ID); err != nil {
			return nil, fmt.Errorf("row %d has invalid id %q: %w", i, row.ID, err)
		}
		fields := row.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for %s/%s: %w", table, row.ID, err)
		}
		payloads[i] = payload
	}

	q := fmt.Sprintf(`
		INSERT INTO %[1]q (id, user_id, server_updated_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    server_updated_at = GREATEST(EXCLUDED.server_updated_at, %[1]q.server_updated_at + 1)
		WHERE %[1]q.user_id = EXCLUDED.user_id
		RETURNING server_updated_at`, table)

	applied := 0
	var maxAssigned int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, row := range rows {
			assigned := s.stamp()
			if assigned > maxAssigned {
				maxAssigned = assigned
			}
			var written int64
			err := tx.QueryRow(ctx, q, row.ID, userID, assigned, payloads[i]).Scan(&written)
			if errors.Is(err, pgx.ErrNoRows) {
				s.logger.Warn("upsert skipped row owned by another user",
					"table", table, "id", row.ID, "user_id", userID)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to upsert %s/%s: %w", table, row.ID, err)
			}
			s.observe(written)
			if written > maxAssigned {
				maxAssigned = written
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &weavesync.UpsertResult{Applied: applied, ServerUpdatedAt: maxAssigned}, nil
}
