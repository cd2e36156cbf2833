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

package invitecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsStableAndPrefixed(t *testing.T) {
	code := Generate(1)
	require.Equal(t, "+0000001", code)
	require.Equal(t, byte('+'), code[0])
	require.Len(t, code, codeLength+1)
}

func TestRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	for _, ordinal := range []uint64{0, 1, 42, 1 << 20} {
		code := Generate(ordinal)
		sig := Sign(secret, code)
		assert.True(t, Validate(secret, code, sig), "ordinal %d should validate", ordinal)
	}
}

func TestValidateRejectsTamperedCodeOrSecret(t *testing.T) {
	secret := []byte("shared-secret")
	code := Generate(7)
	sig := Sign(secret, code)

	assert.False(t, Validate(secret, "+0000008", sig))
	assert.False(t, Validate(secret, code, sig[:len(sig)-1]+"0"))
	assert.False(t, Validate([]byte("other-secret"), code, sig))
}

func TestSecretLength(t *testing.T) {
	sig := Sign([]byte("s"), Generate(3))
	require.Len(t, sig, secretHexLength)
}
