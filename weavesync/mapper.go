// Copyright 2026 Jay Creagh
// SPDX-License-Identifier: Apache-2.0

package weavesync

// ToRemote translates a flat local business-field map into the remote
// naming convention. Only fields declared for the table cross over; values
// pass through opaquely. Reserved keys are never translated.
func (t Table) ToRemote(fields map[string]any) map[string]any {
	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		if v, ok := fields[f.Local]; ok {
			out[f.Remote] = v
		}
	}
	return out
}

// ToLocal translates a flat remote business-field map into the local naming
// convention. Remote keys absent from the declared schema are ignored so
// server-side schema growth does not break older clients.
func (t Table) ToLocal(fields map[string]any) map[string]any {
	out := make(map[string]any, len(t.Fields))
	byRemote := make(map[string]string, len(t.Fields))
	for _, f := range t.Fields {
		byRemote[f.Remote] = f.Local
	}
	for k, v := range fields {
		if ReservedKey(k) {
			continue
		}
		if local, ok := byRemote[k]; ok {
			out[local] = v
		}
	}
	return out
}
