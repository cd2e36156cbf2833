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

// Package protocol defines the coordinator wire vocabulary: the frame
// types exchanged with peers and the Peer they are exchanged over.
//
// The actual byte codec sits outside this module (spec treats it as a
// framed message bus); Peer is the seam a real codec plugs into.
package protocol

import (
	"net/netip"
)

// Side identifies which half of a token-bound flow a peer is speaking
// for. It is the one-character discriminator prefixed onto token
// strings on the wire.
type Side byte

const (
	SideServer Side = 'S'
	SideClient Side = 'C'
)

func (s Side) String() string {
	switch s {
	case SideServer:
		return "server"
	case SideClient:
		return "client"
	default:
		return "unknown"
	}
}

// GameType mirrors PACKET_COORDINATOR_SERVER_REGISTER's game_type field.
type GameType uint8

const (
	GameTypePublic GameType = iota
	GameTypeInviteOnly
)

// ConnectionType is the classification VerifyFlow assigns a Local server.
type ConnectionType uint8

const (
	ConnectionTypeUnknown ConnectionType = iota
	ConnectionTypeDirect
	ConnectionTypeStun
	ConnectionTypeTurn
	ConnectionTypeIsolated
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionTypeDirect:
		return "direct"
	case ConnectionTypeStun:
		return "stun"
	case ConnectionTypeTurn:
		return "turn"
	case ConnectionTypeIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// ErrorCode enumerates GC_ERROR detail codes.
type ErrorCode uint8

const (
	ErrInvalidInviteCode ErrorCode = iota
	ErrNoConnection
	ErrRegistrationFailed
)

// ServerInfo is the opaque gameplay metadata block from
// SERVER_REGISTER/SERVER_UPDATE. The core only ever reads
// OpenTTDVersion from it; everything else rides along untouched.
type ServerInfo struct {
	OpenTTDVersion string
	Raw            map[string]any
}

// NewGRFRef is one entry of a SERVER_UPDATE/GC_NEWGRF_LOOKUP newgrf
// list: either a full identity (grfid/md5sum/name) or, once the peer
// has seen the lookup table, a bare index into it.
type NewGRFRef struct {
	Index   uint32
	GRFID   uint32
	MD5Sum  [16]byte
	Name    string
	ByIndex bool
}

// Peer is the seam between this module and a connected transport
// session (game server or game client). A real deployment's codec
// implements it on top of the actual TCP connection.
type Peer interface {
	// Send queues frame for delivery to this peer. Frames for one peer
	// are delivered in the order Send was called.
	Send(frame any) error
	RemoteAddr() netip.AddrPort
}

// --- Inbound frames (PACKET_COORDINATOR_*, peer -> core) ---

type ServerRegister struct {
	ProtocolVersion  uint8
	GameType         GameType
	ServerPort       uint16
	InviteCode       string
	InviteCodeSecret string
}

type ServerUpdate struct {
	ProtocolVersion         uint8
	NewGRFSerializationType uint8
	NewGRFs                 []NewGRFRef
	Info                    ServerInfo
}

type ClientListing struct {
	ProtocolVersion        uint8
	GameInfoVersion        uint8
	OpenTTDVersion         string
	NewGRFLookupTableCursor uint32
}

type ClientConnect struct {
	ProtocolVersion uint8
	InviteCode      string
}

type ConnectFailed struct {
	ProtocolVersion uint8
	Token           string
	TrackingNumber  uint8
}

type ClientConnected struct {
	ProtocolVersion uint8
	Token           string
}

type StunResult struct {
	ProtocolVersion uint8
	Token           string
	InterfaceNumber uint8
	Result          StunResultPayload
}

// StunResultPayload is the per-interface external endpoint the STUN
// server observed for a peer.
type StunResultPayload struct {
	Addr netip.AddrPort
}

// --- Outbound frames (GC_*, core -> peer) ---

type GCError struct {
	ProtocolVersion uint8
	ErrorCode       ErrorCode
	Detail          string
}

// GCRegisterAck is VerifyFlow's final classification report to the
// registering server (spec.md §4.4 step 5). InviteCodeSecret is only
// populated when Fresh: a reused (invite_code, invite_code_secret)
// pair is never echoed back.
type GCRegisterAck struct {
	ProtocolVersion  uint8
	ConnectionType   ConnectionType
	InviteCode       string
	InviteCodeSecret string
	Fresh            bool
}

type GCConnecting struct {
	ProtocolVersion uint8
	ClientToken     string
	InviteCode      string
}

// GCListedServer is one entry of a GC_LISTING response.
type GCListedServer struct {
	ServerID       string
	GameType       GameType
	ConnectionType ConnectionType
	Info           ServerInfo
}

// GCListing is spec.md §6's GC_LISTING(protocol_version, game_info_version,
// servers[], newgrf_table): NewGRFTable carries the full NewGRF table
// unconditionally, regardless of protocol version, matching the
// original's behavior; GCNewGRFLookup carries the versioned cursor
// delta sent alongside it for newer clients.
type GCListing struct {
	ProtocolVersion uint8
	GameInfoVersion uint8
	Servers         []GCListedServer
	NewGRFTable     []NewGRFRef
}

type GCNewGRFLookup struct {
	ProtocolVersion uint8
	Cursor          uint32
	TableDelta      []NewGRFRef
}

// GCDirectConnect instructs a peer to dial host:port itself.
type GCDirectConnect struct {
	ProtocolVersion uint8
	Token           string
	TrackingNumber  uint8
	Addr            netip.AddrPort
}

// GCStunRequest asks a peer to send STUN packets and report results.
type GCStunRequest struct {
	ProtocolVersion uint8
	Token           string
}

// GCStunConnect hands a peer the STUN-discovered endpoint of its
// counterpart, paired by interface number.
type GCStunConnect struct {
	ProtocolVersion uint8
	Token           string
	TrackingNumber  uint8
	InterfaceNumber uint8
	Addr            netip.AddrPort
}

// GCTurnConnect hands a peer a relay endpoint and session token.
type GCTurnConnect struct {
	ProtocolVersion uint8
	Token           string
	TrackingNumber  uint8
	RelayEndpoint   string
	SessionToken    string
}

// GCConnectFailed forwards a connect-failed notice to a peer, used
// when the failure was observed on the other coordinator instance in
// a cross-instance rendezvous and relayed through the database.
type GCConnectFailed struct {
	ProtocolVersion uint8
	Token           string
}
