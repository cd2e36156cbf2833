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

// Package gcdb models the shared database boundary of spec.md §6: the
// persistent/shared store behind the registry, used here only for
// allocating monotonic server ordinals, publishing cross-instance
// events, and accumulating stats. The real database and its wire
// protocol are out of scope (spec.md §1); this package is the
// interface seam plus an in-memory reference implementation for tests
// and single-instance deployments.
package gcdb

import (
	"context"
	"net/netip"

	"github.com/ethereum/go-ethereum/event"

	"github.com/openttd/game-coordinator-go/internal/newgrf"
	"github.com/openttd/game-coordinator-go/internal/protocol"
)

// Database is everything the core calls on the shared database.
type Database interface {
	// SyncAndMonitor subscribes to fleet events and blocks, delivering
	// them on Events(), until ctx is cancelled.
	SyncAndMonitor(ctx context.Context) error

	// Events returns the feed the database publishes cross-instance
	// updates on; the Coordinator subscribes once at startup.
	Events() *event.Feed

	// GetServerID returns the next monotonic ordinal for a freshly
	// minted invite code.
	GetServerID() uint64

	// StatsListing reports, fire-and-forget, which game_info_version a
	// client asked for.
	StatsListing(gameInfoVersion uint8)

	// PublishServer tells the database that serverID is now Local to
	// this instance (or that its info changed), for fan-out to sibling
	// coordinator instances as an UpdateExternalServer event (spec.md
	// §4.2: becoming Local "must publish the transition to the
	// database so other coordinator instances see it").
	PublishServer(ctx context.Context, serverID string, info protocol.ServerInfo) error

	// PublishServerNewGRF forwards a Local server's newgrf update for
	// the same cross-instance fan-out (spec.md §6
	// update_newgrf_external_server).
	PublishServerNewGRF(ctx context.Context, serverID string, serializationType uint8, newgrfs []protocol.NewGRFRef) error

	// PublishServerDirectIP forwards a Local server's observed direct
	// endpoint for the same cross-instance fan-out (spec.md §6
	// update_external_direct_ip).
	PublishServerDirectIP(ctx context.Context, serverID string, v6 bool, addr netip.AddrPort) error

	// SendServerStunRequest/SendServerStunConnect/SendServerConnectFailed
	// forward a connect-flow instruction to whichever coordinator
	// instance owns serverID, for delivery to its Local peer.
	SendServerStunRequest(ctx context.Context, serverID string, protocolVersion uint8, token string) error
	SendServerStunConnect(ctx context.Context, serverID string, protocolVersion uint8, token string, trackingNumber, interfaceNumber uint8, addr netip.AddrPort) error
	SendServerConnectFailed(ctx context.Context, serverID string, protocolVersion uint8, token string) error
}

// Event is the tagged union of callbacks the database drives into the
// core (spec.md §6, "The database calls back into the core"). Exactly
// one of the fields below is non-nil on any given Event value.
type Event struct {
	UpdateExternalServer     *UpdateExternalServer
	UpdateNewGRFExternal     *UpdateNewGRFExternal
	UpdateExternalDirectIP   *UpdateExternalDirectIP
	SendServerStunRequest    *SendServerStunRequest
	SendServerStunConnect    *SendServerStunConnect
	SendServerConnectFailed  *SendServerConnectFailed
	StunResult               *StunResult
	NewGRFAdded              *NewGRFAdded
	RemoveNewGRFFromTable    *RemoveNewGRFFromTable
}

type UpdateExternalServer struct {
	ServerID string
	Info     protocol.ServerInfo
}

type UpdateNewGRFExternal struct {
	ServerID                string
	NewGRFSerializationType uint8
	NewGRFs                 []protocol.NewGRFRef
}

type UpdateExternalDirectIP struct {
	ServerID string
	V6       bool
	Addr     netip.AddrPort
}

// SendServerStunRequest/SendServerStunConnect/SendServerConnectFailed,
// when received as Events, are the database asking THIS instance
// (because it owns serverID) to forward the instruction to its Local
// peer session.
type SendServerStunRequest struct {
	ServerID        string
	ProtocolVersion uint8
	Token           string
}

type SendServerStunConnect struct {
	ServerID        string
	ProtocolVersion uint8
	Token           string
	TrackingNumber  uint8
	InterfaceNumber uint8
	Addr            netip.AddrPort
}

type SendServerConnectFailed struct {
	ServerID        string
	ProtocolVersion uint8
	Token           string
}

// StunResult carries a STUN server's observation of one interface of
// one peer's external endpoint, keyed by the (prefixed) token so the
// owning flow can be found via the TokenTable.
type StunResult struct {
	PrefixedToken   string
	InterfaceNumber uint8
	Addr            netip.AddrPort
}

type NewGRFAdded struct {
	Index uint32
	Entry newgrf.Entry
}

type RemoveNewGRFFromTable struct {
	GRFID  uint32
	MD5Sum [16]byte
}
