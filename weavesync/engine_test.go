// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocal is an in-memory LocalStore without schema enforcement, so engine
// tests stay independent of the SQLite layer.
type fakeLocal struct {
	mu      sync.Mutex
	records map[string]map[string]*LocalRecord

	pendingErr map[string]error
	applyErr   error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		records:    make(map[string]map[string]*LocalRecord),
		pendingErr: make(map[string]error),
	}
}

func (f *fakeLocal) put(table string, rec *LocalRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[table] == nil {
		f.records[table] = make(map[string]*LocalRecord)
	}
	f.records[table][rec.ID] = rec
}

func (f *fakeLocal) get(table, id string) *LocalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[table][id]
}

func (f *fakeLocal) Find(_ context.Context, table, id string) (*LocalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLocal) Pending(_ context.Context, table string) ([]*LocalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pendingErr[table]; err != nil {
		return nil, err
	}
	var out []*LocalRecord
	for _, rec := range f.records[table] {
		if rec.SyncStatus == StatusPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeLocal) ApplyRemote(_ context.Context, table, id string, fields map[string]any, serverUpdatedAt, syncedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.records[table] == nil {
		f.records[table] = make(map[string]*LocalRecord)
	}
	f.records[table][id] = &LocalRecord{
		ID:              id,
		SyncStatus:      StatusSynced,
		SyncedAt:        syncedAt,
		ServerUpdatedAt: serverUpdatedAt,
		UpdatedAt:       syncedAt,
		Fields:          fields,
	}
	return nil
}

func (f *fakeLocal) MarkSynced(_ context.Context, table string, ids []string, serverUpdatedAt, syncedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		rec, ok := f.records[table][id]
		if !ok {
			return fmt.Errorf("mark synced: no record %s/%s", table, id)
		}
		rec.SyncStatus = StatusSynced
		rec.ServerUpdatedAt = serverUpdatedAt
		rec.SyncedAt = syncedAt
	}
	return nil
}

// fakeRemote is an in-memory RemoteStore that assigns strictly increasing
// watermarks and echoes pushed rows back on later pulls, like the real
// server does.
type fakeRemote struct {
	mu        sync.Mutex
	rows      map[string]map[string]RemoteRow
	watermark int64

	selectErr   map[string]error
	upsertErr   map[string]error
	selectCalls []string
	upserts     map[string][][]RemoteRow

	// When set, SelectSince signals started once and then waits for release.
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:      make(map[string]map[string]RemoteRow),
		watermark: 10000,
		selectErr: make(map[string]error),
		upsertErr: make(map[string]error),
		upserts:   make(map[string][][]RemoteRow),
	}
}

func (f *fakeRemote) seed(table string, row RemoteRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]RemoteRow)
	}
	f.rows[table][row.ID] = row
	if row.ServerUpdatedAt > f.watermark {
		f.watermark = row.ServerUpdatedAt
	}
}

func (f *fakeRemote) SelectSince(_ context.Context, table, _ string, since int64) ([]RemoteRow, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls = append(f.selectCalls, table)
	if err := f.selectErr[table]; err != nil {
		return nil, err
	}
	var out []RemoteRow
	for _, row := range f.rows[table] {
		if row.ServerUpdatedAt > since {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerUpdatedAt < out[j].ServerUpdatedAt })
	return out, nil
}

func (f *fakeRemote) Upsert(_ context.Context, table string, rows []RemoteRow) (*UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.upsertErr[table]; err != nil {
		return nil, err
	}
	f.upserts[table] = append(f.upserts[table], rows)
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]RemoteRow)
	}
	// One strictly increasing watermark per row; the result carries the
	// highest one, like the real change store.
	for _, row := range rows {
		f.watermark++
		row.ServerUpdatedAt = f.watermark
		f.rows[table][row.ID] = row
	}
	return &UpsertResult{Applied: len(rows), ServerUpdatedAt: f.watermark}, nil
}

type memCursor struct {
	mu      sync.Mutex
	cursors map[string]int64
	saves   []int64

	loadErr error
	saveErr error
}

func newMemCursor() *memCursor {
	return &memCursor{cursors: make(map[string]int64)}
}

func (m *memCursor) Load(userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return 0, m.loadErr
	}
	return m.cursors[userID], nil
}

func (m *memCursor) Save(userID string, instant int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cursors[userID] = instant
	m.saves = append(m.saves, instant)
	return nil
}

type recordSink struct {
	mu         sync.Mutex
	candidates []*Candidate
}

func (s *recordSink) Publish(c *Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
}

func (s *recordSink) all() []*Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Candidate(nil), s.candidates...)
}

type engineFixture struct {
	engine *Engine
	local  *fakeLocal
	remote *fakeRemote
	cursor *memCursor
	sink   *recordSink
	clock  int64
}

func newEngineFixture(t *testing.T, config *Config) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		local:  newFakeLocal(),
		remote: newFakeRemote(),
		cursor: newMemCursor(),
		sink:   &recordSink{},
		clock:  50000,
	}
	fx.engine = NewEngine(fx.local, fx.remote, fx.cursor, DefaultRegistry(), fx.sink, config, slog.Default())
	fx.engine.now = func() int64 { return fx.clock }
	return fx
}

func TestSyncPushesPendingRecords(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.local.put("people", &LocalRecord{
		ID:         "p1",
		SyncStatus: StatusPending,
		SyncedAt:   1000,
		UpdatedAt:  2000,
		Fields:     map[string]any{"firstName": "Ada", "lastName": "Lovelace"},
	})

	res := fx.engine.Sync(context.Background(), "u1")

	require.Empty(t, res.Errors)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PushedCount)
	assert.Equal(t, 0, res.PulledCount)
	assert.Equal(t, 0, res.ConflictCount)

	batches := fx.remote.upserts["people"]
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "p1", batches[0][0].ID)
	assert.Equal(t, "u1", batches[0][0].UserID)
	assert.Equal(t, map[string]any{"first_name": "Ada", "last_name": "Lovelace"}, batches[0][0].Fields)

	got := fx.local.get("people", "p1")
	assert.Equal(t, StatusSynced, got.SyncStatus)
	assert.Equal(t, fx.remote.watermark, got.ServerUpdatedAt,
		"the client records the watermark the server assigned")
}

func TestSyncPullsRemoteChanges(t *testing.T) {
	fx := newEngineFixture(t, nil)
	// One record known locally and unmodified, one brand new on the server.
	fx.local.put("people", &LocalRecord{
		ID:              "p1",
		SyncStatus:      StatusSynced,
		SyncedAt:        1000,
		ServerUpdatedAt: 900,
		UpdatedAt:       1000,
		Fields:          map[string]any{"firstName": "Ada"},
	})
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"first_name": "Augusta Ada"},
	})
	fx.remote.seed("people", RemoteRow{
		ID: "p2", UserID: "u1", ServerUpdatedAt: 30001,
		Fields: map[string]any{"first_name": "Grace"},
	})

	res := fx.engine.Sync(context.Background(), "u1")

	require.Empty(t, res.Errors)
	assert.Equal(t, 2, res.PulledCount)
	assert.Equal(t, 0, res.ConflictCount)

	p1 := fx.local.get("people", "p1")
	assert.Equal(t, "Augusta Ada", p1.Fields["firstName"])
	assert.Equal(t, int64(30000), p1.ServerUpdatedAt)
	assert.Equal(t, StatusSynced, p1.SyncStatus)

	p2 := fx.local.get("people", "p2")
	require.NotNil(t, p2)
	assert.Equal(t, "Grace", p2.Fields["firstName"])
}

func TestSyncAutoConflictRemoteWins(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.local.put("people", &LocalRecord{
		ID:         "p1",
		SyncStatus: StatusPending,
		SyncedAt:   1000,
		UpdatedAt:  2000, // edited locally after the last sync
		Fields:     map[string]any{"firstName": "Local Edit"},
	})
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 30000, // and remotely
		Fields: map[string]any{"first_name": "Remote Edit"},
	})

	res := fx.engine.Sync(context.Background(), "u1")

	require.Empty(t, res.Errors)
	assert.Equal(t, 1, res.ConflictCount)
	assert.Equal(t, 0, res.PulledCount, "an auto-resolved conflict is not a clean pull")
	assert.Equal(t, 0, res.PushedCount, "the losing local edit must not be pushed")

	got := fx.local.get("people", "p1")
	assert.Equal(t, "Remote Edit", got.Fields["firstName"])
	assert.Equal(t, StatusSynced, got.SyncStatus)
	assert.Empty(t, fx.sink.all())
}

func TestSyncManualConflictEscalates(t *testing.T) {
	fx := newEngineFixture(t, nil)
	localFields := map[string]any{"kind": "call", "note": "local note"}
	fx.local.put("interactions", &LocalRecord{
		ID:         "i1",
		SyncStatus: StatusPending,
		SyncedAt:   1000,
		UpdatedAt:  2000,
		Fields:     localFields,
	})
	fx.remote.seed("interactions", RemoteRow{
		ID: "i1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"kind": "call", "note": "remote note"},
	})

	res := fx.engine.Sync(context.Background(), "u1")

	require.Empty(t, res.Errors)
	assert.True(t, res.Success, "an escalated conflict is not a cycle failure")
	assert.Equal(t, 1, res.ConflictCount)
	assert.Equal(t, 0, res.PulledCount)
	assert.Equal(t, 0, res.PushedCount, "a record awaiting resolution is withheld from push")

	candidates := fx.sink.all()
	require.Len(t, candidates, 1)
	assert.Equal(t, "interactions", candidates[0].Table)
	assert.Equal(t, "i1", candidates[0].ID)
	assert.True(t, candidates[0].Pending())

	// The local version is untouched until the user decides.
	got := fx.local.get("interactions", "i1")
	assert.Equal(t, StatusPending, got.SyncStatus)
	assert.Equal(t, "local note", got.Fields["note"])
	assert.Empty(t, fx.remote.upserts["interactions"])
}

func TestSyncIsIdempotentWhenNothingChanges(t *testing.T) {
	fx := newEngineFixture(t, nil)
	// Keep the cycle start below the server watermarks so the second pull
	// actually sees the echoes instead of windowing them away.
	fx.clock = 20000
	fx.local.put("people", &LocalRecord{
		ID: "p1", SyncStatus: StatusPending, UpdatedAt: 2000,
		Fields: map[string]any{"firstName": "Ada"},
	})
	fx.remote.seed("reminders", RemoteRow{
		ID: "r1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"title": "call Ada"},
	})

	first := fx.engine.Sync(context.Background(), "u1")
	require.True(t, first.Success)
	require.Equal(t, 1, first.PushedCount)
	require.Equal(t, 1, first.PulledCount)

	// The pushed row now exists on the server with a watermark after the
	// first cycle's start. The second cycle sees the echo and skips it.
	fx.clock += 1000
	second := fx.engine.Sync(context.Background(), "u1")

	require.Empty(t, second.Errors)
	assert.Equal(t, 0, second.PushedCount)
	assert.Equal(t, 0, second.PulledCount)
	assert.Equal(t, 0, second.ConflictCount)
}

func TestSyncRejectsOverlappingCycles(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.remote.started = make(chan struct{})
	fx.remote.release = make(chan struct{})

	done := make(chan *SyncResult, 1)
	go func() { done <- fx.engine.Sync(context.Background(), "u1") }()
	<-fx.remote.started

	overlap := fx.engine.Sync(context.Background(), "u1")
	assert.False(t, overlap.Success)
	require.Len(t, overlap.Errors, 1)
	assert.ErrorIs(t, overlap.Errors[0], ErrSyncInFlight)

	close(fx.remote.release)
	first := <-done
	assert.True(t, first.Success, "the running cycle is unaffected by the rejected one")

	// The guard is released even after a cycle with errors.
	fx.remote.selectErr["people"] = errors.New("offline")
	failed := fx.engine.Sync(context.Background(), "u1")
	require.False(t, failed.Success)
	delete(fx.remote.selectErr, "people")
	retry := fx.engine.Sync(context.Background(), "u1")
	assert.True(t, retry.Success)
}

func TestSyncFailedPushStaysPendingForRetry(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.local.put("people", &LocalRecord{
		ID: "p1", SyncStatus: StatusPending, UpdatedAt: 2000,
		Fields: map[string]any{"firstName": "Ada"},
	})
	fx.remote.upsertErr["people"] = errors.New("server unavailable")

	res := fx.engine.Sync(context.Background(), "u1")
	require.False(t, res.Success)
	assert.Equal(t, 0, res.PushedCount)
	assert.Equal(t, StatusPending, fx.local.get("people", "p1").SyncStatus)
	assert.Empty(t, fx.cursor.saves, "a failed cycle must not advance the cursor")

	// At-least-once delivery: the same record rides along next cycle.
	delete(fx.remote.upsertErr, "people")
	retry := fx.engine.Sync(context.Background(), "u1")
	require.True(t, retry.Success)
	assert.Equal(t, 1, retry.PushedCount)
	assert.Equal(t, StatusSynced, fx.local.get("people", "p1").SyncStatus)
}

func TestSyncFailedRemoteApplyBlocksCursor(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"first_name": "Ada"},
	})
	fx.local.applyErr = errors.New("disk full")

	res := fx.engine.Sync(context.Background(), "u1")

	require.False(t, res.Success, "a remote row that could not be stored fails the cycle")
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, 0, res.PulledCount)
	assert.Empty(t, fx.cursor.saves,
		"the cursor must not move past a row that never landed locally")

	// Once the store recovers, the row is still inside the pull window.
	fx.local.applyErr = nil
	retry := fx.engine.Sync(context.Background(), "u1")
	require.True(t, retry.Success)
	assert.Equal(t, 1, retry.PulledCount)
	got := fx.local.get("people", "p1")
	require.NotNil(t, got)
	assert.Equal(t, "Ada", got.Fields["firstName"])
}

func TestSyncCursorIsCycleStartInstant(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.clock = 70000
	// A row landing "while the cycle runs" (watermark after start) must not
	// be skipped by the next cycle.
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 70500,
		Fields: map[string]any{"first_name": "Ada"},
	})

	res := fx.engine.Sync(context.Background(), "u1")
	require.True(t, res.Success)
	require.Equal(t, []int64{70000}, fx.cursor.saves)

	// Remote edit with a watermark inside the overlap window.
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 70800,
		Fields: map[string]any{"first_name": "Augusta"},
	})
	fx.clock = 71000
	res = fx.engine.Sync(context.Background(), "u1")
	require.True(t, res.Success)
	assert.Equal(t, 1, res.PulledCount)
	assert.Equal(t, "Augusta", fx.local.get("people", "p1").Fields["firstName"])
}

func TestSyncToleratesCursorStoreFailures(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.cursor.cursors["u1"] = 40000
	fx.cursor.loadErr = errors.New("corrupt cursor db")
	// A row older than the stored cursor; only a full resync finds it.
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 100,
		Fields: map[string]any{"first_name": "Ada"},
	})

	res := fx.engine.Sync(context.Background(), "u1")
	assert.True(t, res.Success, "cursor load failure degrades to a full resync")
	assert.Equal(t, 1, res.PulledCount)

	fx.cursor.loadErr = nil
	fx.cursor.saveErr = errors.New("disk full")
	res = fx.engine.Sync(context.Background(), "u1")
	assert.True(t, res.Success, "cursor save failure only costs re-reads")
}

func TestSyncTableFailureIsIsolated(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"first_name": "Ada"},
	})
	fx.remote.seed("reminders", RemoteRow{
		ID: "r1", UserID: "u1", ServerUpdatedAt: 30001,
		Fields: map[string]any{"title": "call"},
	})
	fx.remote.selectErr["interactions"] = errors.New("table offline")

	res := fx.engine.Sync(context.Background(), "u1")

	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "interactions")
	assert.Equal(t, 2, res.PulledCount, "healthy tables still sync")
	assert.Empty(t, fx.cursor.saves)

	// Pull visits tables in dependency order.
	assert.Equal(t, []string{"people", "interactions", "reminders"}, fx.remote.selectCalls)
}

func TestSyncPushesInFixedBatches(t *testing.T) {
	fx := newEngineFixture(t, &Config{PushBatchSize: 2})
	for i := 0; i < 5; i++ {
		fx.local.put("people", &LocalRecord{
			ID:         fmt.Sprintf("p%d", i),
			SyncStatus: StatusPending,
			UpdatedAt:  int64(1000 + i),
			Fields:     map[string]any{"firstName": fmt.Sprintf("n%d", i)},
		})
	}

	res := fx.engine.Sync(context.Background(), "u1")

	require.True(t, res.Success)
	assert.Equal(t, 5, res.PushedCount)
	batches := fx.remote.upserts["people"]
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "p0", batches[0][0].ID, "oldest write goes first")
}

func TestSyncSkipsMalformedRemoteRows(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.remote.seed("people", RemoteRow{
		ID: "", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"first_name": "ghost"},
	})
	fx.remote.seed("people", RemoteRow{
		ID: "p1", UserID: "u1", ServerUpdatedAt: 30001,
		Fields: map[string]any{"first_name": "Ada"},
	})

	res := fx.engine.Sync(context.Background(), "u1")

	assert.True(t, res.Success, "one bad row must not poison the table")
	assert.Equal(t, 1, res.PulledCount)
	require.NotNil(t, fx.local.get("people", "p1"))
}

func TestManualConflictResolveKeepServer(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.local.put("interactions", &LocalRecord{
		ID: "i1", SyncStatus: StatusPending, SyncedAt: 1000, UpdatedAt: 2000,
		Fields: map[string]any{"note": "local"},
	})
	fx.remote.seed("interactions", RemoteRow{
		ID: "i1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"note": "remote"},
	})

	fx.engine.Sync(context.Background(), "u1")
	candidates := fx.sink.all()
	require.Len(t, candidates, 1)

	require.NoError(t, candidates[0].Resolve(context.Background(), KeepServer))

	got := fx.local.get("interactions", "i1")
	assert.Equal(t, "remote", got.Fields["note"])
	assert.Equal(t, StatusSynced, got.SyncStatus)
	assert.Equal(t, int64(30000), got.ServerUpdatedAt)
	assert.Empty(t, fx.remote.upserts["interactions"], "keep_server never writes remotely")
	assert.False(t, candidates[0].Pending())
}

func TestManualConflictResolveKeepLocal(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.local.put("interactions", &LocalRecord{
		ID: "i1", SyncStatus: StatusPending, SyncedAt: 1000, UpdatedAt: 2000,
		Fields: map[string]any{"kind": "call", "note": "local"},
	})
	fx.remote.seed("interactions", RemoteRow{
		ID: "i1", UserID: "u1", ServerUpdatedAt: 30000,
		Fields: map[string]any{"kind": "call", "note": "remote"},
	})

	fx.engine.Sync(context.Background(), "u1")
	candidates := fx.sink.all()
	require.Len(t, candidates, 1)

	require.NoError(t, candidates[0].Resolve(context.Background(), KeepLocal))

	batches := fx.remote.upserts["interactions"]
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "u1", batches[0][0].UserID)
	assert.Equal(t, map[string]any{"kind": "call", "note": "local"}, batches[0][0].Fields)

	got := fx.local.get("interactions", "i1")
	assert.Equal(t, StatusSynced, got.SyncStatus)
	assert.Equal(t, "local", got.Fields["note"])
	assert.Equal(t, fx.remote.watermark, got.ServerUpdatedAt)
}
