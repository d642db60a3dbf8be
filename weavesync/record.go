// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

// SyncStatus is the lifecycle state of a local record with respect to the
// central store. Every record carries an explicit status from the moment it
// is created; there is no implicit "unset means synced" state.
type SyncStatus string

const (
	// StatusPending marks a record with local business writes that have not
	// been confirmed by the central store yet.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks a record whose content matches the last confirmed
	// exchange with the central store.
	StatusSynced SyncStatus = "synced"
)

// Reserved column names shared by every syncable table. These never pass
// through field translation in either direction.
const (
	ColID              = "id"
	ColUserID          = "user_id"
	ColSyncStatus      = "sync_status"
	ColSyncedAt        = "synced_at"
	ColServerUpdatedAt = "server_updated_at"
	ColUpdatedAt       = "updated_at"
)

var reservedKeys = map[string]bool{
	ColID:              true,
	ColUserID:          true,
	ColSyncStatus:      true,
	ColSyncedAt:        true,
	ColServerUpdatedAt: true,
	ColUpdatedAt:       true,
}

// ReservedKey reports whether name is one of the sync-metadata or ownership
// columns excluded from field translation.
func ReservedKey(name string) bool { return reservedKeys[name] }

// LocalRecord is one row of a syncable table as stored in the embedded
// database. All instants are Unix milliseconds; zero means "never".
type LocalRecord struct {
	ID              string
	SyncStatus      SyncStatus
	SyncedAt        int64 // instant of the last confirmed sync of this row
	ServerUpdatedAt int64 // server watermark observed at that sync
	UpdatedAt       int64 // instant of the last local business write
	Fields          map[string]any
}

// RemoteRow is one row as owned by the central store. ServerUpdatedAt is
// assigned by the server and is monotonically non-decreasing per record.
// Fields hold the business payload under the remote naming convention.
type RemoteRow struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ServerUpdatedAt int64          `json:"server_updated_at"`
	Fields          map[string]any `json:"fields"`
}
