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

// Package invitecode derives printable, HMAC-secured server
// identifiers and validates that a claimed identifier was genuinely
// issued by this deployment's shared secret.
package invitecode

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// alphabet is a Crockford-style alphabet of 34 symbols (so codes are
// base-34), omitting 'I' and 'O' to avoid visual confusion with '1'
// and '0'. This and
// codeLength form a fixed deployment parameter (SPEC_FULL.md §5); any
// change breaks cross-instance identity for already-issued codes.
const alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// codeLength is the number of base-34 digits after the '+' prefix.
const codeLength = 7

// secretHexLength is the number of hex characters (128 bits) the HMAC
// is truncated to.
const secretHexLength = 32

// Generate derives the printable invite code for a server ordinal.
// The ordinal is expected to come from the shared database's monotonic
// allocator (spec.md §6 get_server_id); it is never generated locally.
func Generate(ordinal uint64) string {
	buf := make([]byte, codeLength)
	n := ordinal
	for i := codeLength - 1; i >= 0; i-- {
		buf[i] = alphabet[n%uint64(len(alphabet))]
		n /= uint64(len(alphabet))
	}
	return "+" + string(buf)
}

// Sign computes the invite-code secret: an HMAC-SHA256 over code under
// sharedSecret, hex-encoded and truncated to secretHexLength characters.
func Sign(sharedSecret []byte, code string) string {
	mac := hmac.New(sha256.New, sharedSecret)
	mac.Write([]byte(code))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:secretHexLength]
}

// Validate reports whether secret is the genuine secret for code under
// sharedSecret, in constant time.
func Validate(sharedSecret []byte, code, secret string) bool {
	want := Sign(sharedSecret, code)
	return hmac.Equal([]byte(want), []byte(secret))
}
