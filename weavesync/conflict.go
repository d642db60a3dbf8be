// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// HasConflict reports whether local and remote diverged independently since
// the record's last confirmed common state: the local record was modified
// after its own last-synced instant and the remote version advanced past
// that same instant. If only one side moved there is nothing to arbitrate —
// pull (remote ahead) or push (local ahead) handles it.
func HasConflict(local *LocalRecord, remote *RemoteRow) bool {
	return local.UpdatedAt > local.SyncedAt && remote.ServerUpdatedAt > local.SyncedAt
}

// Strategy is a user's answer to a manual conflict.
type Strategy string

const (
	// KeepLocal pushes the local version over the remote one.
	KeepLocal Strategy = "keep_local"
	// KeepServer overwrites the local record from the remote version.
	KeepServer Strategy = "keep_server"
)

// Candidate lifecycle. Detected is the only externally visible waiting
// state; a candidate leaves the pending queue on the first Resolve or
// Dismiss and never re-enters it.
const (
	stateDetected int32 = iota
	stateResolving
	stateResolved
	stateDismissed
)

// Candidate is a detected, unresolved divergence between the local and
// remote versions of one record under the manual policy. It carries both
// full versions so a UI can render the choice without reaching back into
// either store.
type Candidate struct {
	ID     string
	Table  string
	Local  *LocalRecord
	Remote *RemoteRow

	state  atomic.Int32
	apply  func(context.Context, Strategy) error
	onDone func(*Candidate)
}

// Pending reports whether the candidate is still waiting for a decision.
func (c *Candidate) Pending() bool { return c.state.Load() == stateDetected }

// Resolve applies the chosen strategy. Only the first call has an effect;
// later calls (any strategy) are no-ops returning nil. The candidate leaves
// the pending queue regardless of whether the underlying write succeeds — a
// failed write is reported to the caller and, if the divergence still
// exists, it is re-detected on the next cycle.
func (c *Candidate) Resolve(ctx context.Context, strategy Strategy) error {
	if strategy != KeepLocal && strategy != KeepServer {
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	if !c.state.CompareAndSwap(stateDetected, stateResolving) {
		return nil
	}
	var err error
	if c.apply != nil {
		err = c.apply(ctx, strategy)
	}
	if err != nil {
		c.state.Store(stateDismissed)
	} else {
		c.state.Store(stateResolved)
	}
	if c.onDone != nil {
		c.onDone(c)
	}
	return err
}

// Dismiss drops the candidate without applying either version.
func (c *Candidate) Dismiss() {
	if c.state.CompareAndSwap(stateDetected, stateDismissed) {
		if c.onDone != nil {
			c.onDone(c)
		}
	}
}

// ConflictSink is the narrow capability the engine needs to hand detected
// conflicts off. The engine never depends on any presentation-layer type.
type ConflictSink interface {
	Publish(c *Candidate)
}

// noopSink drops candidates. Used when an engine is built without a sink;
// untouched local records are simply re-detected on the next cycle.
type noopSink struct{}

func (noopSink) Publish(*Candidate) {}

// ConflictCenter is the in-process queue and event bus between the engine
// (producer) and a UI-facing consumer. It implements ConflictSink.
type ConflictCenter struct {
	mu        sync.RWMutex
	order     []string
	pending   map[string]*Candidate
	listeners map[int]func(*Candidate)
	nextSub   int
}

// NewConflictCenter returns an empty conflict queue.
func NewConflictCenter() *ConflictCenter {
	return &ConflictCenter{
		pending:   make(map[string]*Candidate),
		listeners: make(map[int]func(*Candidate)),
	}
}

// Publish queues a candidate and notifies listeners. A re-detected conflict
// for a record that already has a pending candidate replaces the old one,
// so the queue holds at most one candidate per record.
func (cc *ConflictCenter) Publish(c *Candidate) {
	c.onDone = cc.remove
	key := candidateKey(c)

	cc.mu.Lock()
	if old, ok := cc.pending[key]; ok {
		// Supersede silently; the old closure must never fire later.
		old.state.CompareAndSwap(stateDetected, stateDismissed)
	} else {
		cc.order = append(cc.order, key)
	}
	cc.pending[key] = c
	listeners := make([]func(*Candidate), 0, len(cc.listeners))
	for _, fn := range cc.listeners {
		listeners = append(listeners, fn)
	}
	cc.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// Pending returns the queued candidates in detection order.
func (cc *ConflictCenter) Pending() []*Candidate {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	out := make([]*Candidate, 0, len(cc.order))
	for _, key := range cc.order {
		if c, ok := cc.pending[key]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the pending candidate for a record, if any.
func (cc *ConflictCenter) Get(table, id string) (*Candidate, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	c, ok := cc.pending[table+"/"+id]
	return c, ok
}

// Resolve resolves a queued candidate by record identity.
func (cc *ConflictCenter) Resolve(ctx context.Context, table, id string, strategy Strategy) error {
	c, ok := cc.Get(table, id)
	if !ok {
		return fmt.Errorf("no pending conflict for %s/%s", table, id)
	}
	return c.Resolve(ctx, strategy)
}

// Dismiss drops a queued candidate by record identity without applying
// either version.
func (cc *ConflictCenter) Dismiss(table, id string) error {
	c, ok := cc.Get(table, id)
	if !ok {
		return fmt.Errorf("no pending conflict for %s/%s", table, id)
	}
	c.Dismiss()
	return nil
}

// OnConflict registers a listener invoked for every published candidate.
// The returned function unsubscribes it.
func (cc *ConflictCenter) OnConflict(fn func(*Candidate)) func() {
	cc.mu.Lock()
	id := cc.nextSub
	cc.nextSub++
	cc.listeners[id] = fn
	cc.mu.Unlock()

	return func() {
		cc.mu.Lock()
		delete(cc.listeners, id)
		cc.mu.Unlock()
	}
}

func (cc *ConflictCenter) remove(c *Candidate) {
	key := candidateKey(c)
	cc.mu.Lock()
	if cur, ok := cc.pending[key]; ok && cur == c {
		delete(cc.pending, key)
		for i, k := range cc.order {
			if k == key {
				cc.order = append(cc.order[:i], cc.order[i+1:]...)
				break
			}
		}
	}
	cc.mu.Unlock()
}

func candidateKey(c *Candidate) string { return c.Table + "/" + c.ID }
