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

// Package tokentable is the mapping from opaque token to a live
// TokenVerify or TokenConnect workflow (spec.md §4.3).
package tokentable

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/openttd/game-coordinator-go/internal/protocol"
)

// Flow is the marker interface both VerifyFlow and ConnectFlow
// implement; the table stores and resolves flows without caring which
// kind it holds.
type Flow interface{}

// Table is the spec.md §4.3 TokenTable, guarded by a single mutex per
// spec.md §5.
type Table struct {
	mu      sync.Mutex
	entries map[string]Flow
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]Flow)}
}

// Mint draws 16 bytes of cryptographic randomness, rendered as 32 hex
// characters, retrying on the vanishingly unlikely collision with a
// live token.
func (t *Table) Mint() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		token := hex.EncodeToString(raw)
		if _, exists := t.entries[token]; !exists {
			return token, nil
		}
	}
}

// Bind associates token (as returned by Mint) with flow.
func (t *Table) Bind(token string, flow Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = flow
}

// Resolve strips the one-character side discriminator from
// prefixedToken and returns the bound flow plus which side spoke.
// Unknown tokens never fault: ok is false and the caller silently
// discards the message (spec.md §4.3, §7).
func (t *Table) Resolve(prefixedToken string) (flow Flow, side protocol.Side, ok bool) {
	if len(prefixedToken) < 2 {
		return nil, 0, false
	}
	side = protocol.Side(prefixedToken[0])
	token := prefixedToken[1:]

	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok = t.entries[token]
	return flow, side, ok
}

// Drop removes token, if present. Dropping an unbound or already-
// dropped token is a silent no-op.
func (t *Table) Drop(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}

// Len reports the number of live tokens; used by tests asserting
// cleanup happened.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
