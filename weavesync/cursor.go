// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// CursorStore persists, per user, the instant of the last fully successful
// sync cycle. Load of an unknown user returns 0 (epoch) with no error; the
// engine also maps load failures to epoch and treats save failures as
// log-only, so the cursor can never block a cycle.
type CursorStore interface {
	Load(userID string) (int64, error)
	Save(userID string, instant int64) error
}

const cursorKeyPrefix = "sync:lastTimestamp:"

var cursorBucket = []byte("sync")

// BoltCursorStore keeps sync cursors in a small bbolt file, one key per
// user, namespaced as sync:lastTimestamp:<userID>.
type BoltCursorStore struct {
	db *bbolt.DB
}

// OpenBoltCursorStore opens (or creates) the cursor database at path.
func OpenBoltCursorStore(path string) (*BoltCursorStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cursor bucket: %w", err)
	}
	return &BoltCursorStore{db: db}, nil
}

// Load returns the last persisted cursor for userID, or 0 if none exists.
func (s *BoltCursorStore) Load(userID string) (int64, error) {
	var instant int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if b == nil {
			return fmt.Errorf("cursor bucket missing")
		}
		raw := b.Get(cursorKey(userID))
		if raw == nil {
			instant = 0
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("corrupt cursor value for user %s", userID)
		}
		instant = int64(binary.BigEndian.Uint64(raw))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return instant, nil
}

// Save persists the cursor for userID.
func (s *BoltCursorStore) Save(userID string, instant int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if b == nil {
			return fmt.Errorf("cursor bucket missing")
		}
		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(instant))
		return b.Put(cursorKey(userID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// Close closes the underlying database file.
func (s *BoltCursorStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func cursorKey(userID string) []byte {
	return []byte(cursorKeyPrefix + userID)
}
