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

package newgrf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndSince(t *testing.T) {
	tbl := New()
	tbl.Add(1, Entry{GRFID: 1, Name: "a"})
	tbl.Add(2, Entry{GRFID: 2, Name: "b"})

	delta, cursor := tbl.Since(0)
	require.Len(t, delta, 2)
	assert.Equal(t, uint32(2), cursor)
	assert.Empty(t, cmp.Diff(Indexed{Index: 1, Entry: Entry{GRFID: 1, Name: "a"}}, delta[0]))

	delta, cursor = tbl.Since(cursor)
	assert.Empty(t, delta)
	assert.Equal(t, uint32(2), cursor)
}

func TestDropRemovesFirstMatch(t *testing.T) {
	tbl := New()
	tbl.Add(1, Entry{GRFID: 5, MD5Sum: [16]byte{1}, Name: "x"})
	tbl.Add(2, Entry{GRFID: 5, MD5Sum: [16]byte{1}, Name: "x-dup"})

	ok := tbl.Drop(5, [16]byte{1})
	require.True(t, ok)
	assert.Equal(t, 1, tbl.Len())

	delta, _ := tbl.Since(0)
	require.Len(t, delta, 1)
	assert.Equal(t, uint32(2), delta[0].Index)
}

func TestDropMissingReturnsFalse(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.Drop(99, [16]byte{}))
}

func TestSinceOnlyReturnsUnseenEntries(t *testing.T) {
	tbl := New()
	tbl.Add(3, Entry{GRFID: 3})
	tbl.Add(7, Entry{GRFID: 7})

	delta, cursor := tbl.Since(3)
	require.Len(t, delta, 1)
	assert.Equal(t, uint32(7), delta[0].Index)
	assert.Equal(t, uint32(7), cursor)
}
