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

// Package relay models the relay (TURN-like) server of spec.md §1: an
// external collaborator the core exchanges only a handful of messages
// with — register a server for relay fallback, then mint a session
// for a particular client/server pairing. The relay's own protocol and
// traffic forwarding are out of scope.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// Client is the seam to the relay server process.
type Client interface {
	// Register enrolls serverID for relay fallback, returning the
	// relay endpoint peers should dial. VerifyFlow calls this once, at
	// classification time.
	Register(ctx context.Context, serverID string) (endpoint string, err error)

	// Session mints a one-time session token scoping a relay endpoint
	// to a single client/server pairing. ConnectFlow calls this when
	// the TURN method is attempted.
	Session(ctx context.Context, serverID string) (sessionToken string, err error)
}

// AlwaysAvailable is a reference Client: every server it sees is
// accepted onto a single fixed relay endpoint. It stands in for the
// real relay server in tests and single-instance deployments, where a
// fallback is always assumed reachable; a production deployment
// replaces it with a client that actually reserves capacity.
type AlwaysAvailable struct {
	Endpoint string
}

func (a AlwaysAvailable) Register(ctx context.Context, serverID string) (string, error) {
	return a.Endpoint, nil
}

func (a AlwaysAvailable) Session(ctx context.Context, serverID string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
