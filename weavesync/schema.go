// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

import (
	"fmt"
)

// Policy selects how a detected conflict on a table is resolved.
type Policy int

const (
	// PolicyAutomatic resolves conflicts without user involvement: the
	// server-confirmed version wins unconditionally.
	PolicyAutomatic Policy = iota
	// PolicyManual defers the divergence to user choice via a Candidate.
	PolicyManual
)

// FieldMapping declares one business field under both naming conventions.
// The declared list is the complete translation surface for a table:
// undeclared keys never cross between stores.
type FieldMapping struct {
	Local  string // column name in the embedded store
	Remote string // column name in the central store
	// References names the table this field points at, or "" for plain
	// fields. Referenced tables must precede the referencing table in the
	// registry order.
	References string
}

// Table declares one syncable table: its name (identical in both stores),
// its declared business fields and its conflict policy.
type Table struct {
	Name   string
	Fields []FieldMapping
	Policy Policy
}

// Registry holds the fixed, dependency-ordered list of syncable tables.
// Pull and push iterate tables in registry order, so a referencing table is
// always processed after the tables it references.
type Registry struct {
	tables []Table
	byName map[string]int
}

// NewRegistry validates the declared tables and freezes their order.
// Validation rejects duplicate table names, reserved or duplicated field
// names on either side (the mapping must stay bijective), and references to
// tables that are unknown or declared later in the list.
func NewRegistry(tables []Table) (*Registry, error) {
	r := &Registry{
		tables: make([]Table, len(tables)),
		byName: make(map[string]int, len(tables)),
	}
	copy(r.tables, tables)

	for i, t := range r.tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table %d has no name", i)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %q", t.Name)
		}
		locals := make(map[string]bool, len(t.Fields))
		remotes := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Local == "" || f.Remote == "" {
				return nil, fmt.Errorf("table %q declares an incomplete field mapping %+v", t.Name, f)
			}
			if ReservedKey(f.Local) || ReservedKey(f.Remote) {
				return nil, fmt.Errorf("table %q maps reserved key %q/%q", t.Name, f.Local, f.Remote)
			}
			if locals[f.Local] {
				return nil, fmt.Errorf("table %q declares local field %q twice", t.Name, f.Local)
			}
			if remotes[f.Remote] {
				return nil, fmt.Errorf("table %q declares remote field %q twice", t.Name, f.Remote)
			}
			locals[f.Local] = true
			remotes[f.Remote] = true
			if f.References != "" {
				ref, ok := r.byName[f.References]
				if !ok || ref >= i {
					return nil, fmt.Errorf("table %q field %q references %q, which must be declared earlier",
						t.Name, f.Local, f.References)
				}
			}
		}
		r.byName[t.Name] = i
	}
	return r, nil
}

// MustRegistry is NewRegistry for statically known schemas.
func MustRegistry(tables []Table) *Registry {
	r, err := NewRegistry(tables)
	if err != nil {
		panic(err)
	}
	return r
}

// Tables returns the tables in their declared dependency order.
func (r *Registry) Tables() []Table { return r.tables }

// Lookup returns the declaration of the named table.
func (r *Registry) Lookup(name string) (Table, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Table{}, false
	}
	return r.tables[i], true
}

// TableNames returns the table names in dependency order.
func (r *Registry) TableNames() []string {
	names := make([]string, len(r.tables))
	for i, t := range r.tables {
		names[i] = t.Name
	}
	return names
}

// DefaultRegistry declares the Weave schema. Interactions are the one table
// family routed to manual conflict resolution: they carry user-authored
// journal text where a silent overwrite loses real work.
func DefaultRegistry() *Registry {
	return MustRegistry([]Table{
		{
			Name: "people",
			Fields: []FieldMapping{
				{Local: "firstName", Remote: "first_name"},
				{Local: "lastName", Remote: "last_name"},
				{Local: "nickname", Remote: "nickname"},
				{Local: "avatarUrl", Remote: "avatar_url"},
				{Local: "birthday", Remote: "birthday"},
				{Local: "notes", Remote: "notes"},
			},
			Policy: PolicyAutomatic,
		},
		{
			Name: "interactions",
			Fields: []FieldMapping{
				{Local: "personId", Remote: "person_id", References: "people"},
				{Local: "kind", Remote: "kind"},
				{Local: "note", Remote: "note"},
				{Local: "occurredAt", Remote: "occurred_at"},
			},
			Policy: PolicyManual,
		},
		{
			Name: "reminders",
			Fields: []FieldMapping{
				{Local: "personId", Remote: "person_id", References: "people"},
				{Local: "title", Remote: "title"},
				{Local: "dueAt", Remote: "due_at"},
				{Local: "recurrence", Remote: "recurrence"},
				{Local: "completed", Remote: "completed"},
			},
			Policy: PolicyAutomatic,
		},
	})
}
