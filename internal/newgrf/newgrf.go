// Copyright 2024 The game-coordinator-go Authors
// This file is part of the game-coordinator-go library.
//
// The game-coordinator-go library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The game-coordinator-go library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the game-coordinator-go library. If not, see <http://www.gnu.org/licenses/>.

// Package newgrf holds the NewGRF lookup table (spec.md §4.7): a
// centrally-indexed, fleet-wide mapping of mod identifiers that is
// streamed incrementally to clients.
package newgrf

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// Entry is one NewGRF identity.
type Entry struct {
	GRFID  uint32
	MD5Sum [16]byte
	Name   string
}

// Indexed pairs an Entry with its stable table index.
type Indexed struct {
	Index uint32
	Entry Entry
}

// Table is the in-process, eventually-consistent copy of the
// database's NewGRF table. Guarded by a single mutex per spec.md §5.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]Entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[uint32]Entry)}
}

// Add installs (or overwrites) the entry at a database-assigned index.
func (t *Table) Add(index uint32, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[index] = e
}

// Drop removes the first entry matching grfid/md5sum, reporting
// whether one was found.
func (t *Table) Drop(grfid uint32, md5sum [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Map iteration order is random; sort indices first so this is
	// deterministic ("first matching entry") across runs.
	indices := maps.Keys(t.entries)
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, index := range indices {
		e := t.entries[index]
		if e.GRFID == grfid && e.MD5Sum == md5sum {
			delete(t.entries, index)
			return true
		}
	}
	return false
}

// Since returns every entry the client has not yet seen, driven by
// cursor (the highest index the client already holds), plus the new
// cursor value to report back. The result is sorted by index so
// repeated calls with the same cursor are stable.
func (t *Table) Since(cursor uint32) (delta []Indexed, newCursor uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newCursor = cursor
	for index, e := range t.entries {
		if index > newCursor {
			newCursor = index
		}
		if index > cursor {
			delta = append(delta, Indexed{Index: index, Entry: e})
		}
	}
	sort.Slice(delta, func(i, j int) bool { return delta[i].Index < delta[j].Index })
	return delta, newCursor
}

// All returns every entry currently held, sorted by index: the full
// snapshot GC_LISTING embeds unconditionally regardless of protocol
// version, as opposed to Since's cursor-bounded delta.
func (t *Table) All() []Indexed {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Indexed, 0, len(t.entries))
	for index, e := range t.entries {
		out = append(out, Indexed{Index: index, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Len reports the number of entries currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
