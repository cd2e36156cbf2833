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

package registry

import (
	"net/netip"
	"sync"

	"github.com/openttd/game-coordinator-go/internal/protocol"
)

// Server is the polymorphism spec.md design note 9 asks for: one
// interface a listing/update path can use without caring whether the
// server is Local (peer held by this instance) or External (owned by
// a sibling instance, observed through the database).
type Server interface {
	ID() string
	GameType() protocol.GameType
	ConnectionType() protocol.ConnectionType
	ProtocolVersion() uint8
	Info() (protocol.ServerInfo, bool)
	DirectIP(v6 bool) (netip.AddrPort, bool)

	Update(info protocol.ServerInfo)
	UpdateNewGRF(serializationType uint8, newgrfs []protocol.NewGRFRef)
	UpdateDirectIP(v6 bool, addr netip.AddrPort)
	UpdateProtocolVersion(v uint8)
}

// LocalServer additionally offers the operations that only make sense
// when this instance holds the live peer session.
type LocalServer interface {
	Server

	Peer() protocol.Peer
	InviteCodeSecret() string
	SetConnectionType(protocol.ConnectionType)

	SendStunRequest(protocolVersion uint8, token string) error
	SendStunConnect(protocolVersion uint8, token string, trackingNumber, interfaceNumber uint8, addr netip.AddrPort) error
	SendTurnConnect(protocolVersion uint8, token string, trackingNumber uint8, relayEndpoint, sessionToken string) error
	SendConnectFailed(protocolVersion uint8, token string) error
}

type baseServer struct {
	mu              sync.Mutex
	id              string
	gameType        protocol.GameType
	protocolVersion uint8
	connType        protocol.ConnectionType
	info     protocol.ServerInfo
	hasInfo  bool
	directV4 netip.AddrPort
	hasV4    bool
	directV6 netip.AddrPort
	hasV6    bool
}

func (s *baseServer) ID() string { return s.id }

func (s *baseServer) GameType() protocol.GameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameType
}

func (s *baseServer) ConnectionType() protocol.ConnectionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connType
}

func (s *baseServer) ProtocolVersion() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *baseServer) Info() (protocol.ServerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.hasInfo
}

func (s *baseServer) DirectIP(v6 bool) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v6 {
		return s.directV6, s.hasV6
	}
	return s.directV4, s.hasV4
}

func (s *baseServer) Update(info protocol.ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.hasInfo = true
}

func (s *baseServer) UpdateNewGRF(serializationType uint8, newgrfs []protocol.NewGRFRef) {
	// The core treats newgrf content opaquely (spec.md §6): it is
	// carried for listing responses but never interpreted here.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Raw == nil {
		s.info.Raw = map[string]any{}
	}
	s.info.Raw["newgrf_serialization_type"] = serializationType
	s.info.Raw["newgrfs"] = newgrfs
}

func (s *baseServer) UpdateDirectIP(v6 bool, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v6 {
		s.directV6, s.hasV6 = addr, true
	} else {
		s.directV4, s.hasV4 = addr, true
	}
}

func (s *baseServer) UpdateProtocolVersion(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = v
}

func (s *baseServer) setConnectionType(ct protocol.ConnectionType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connType = ct
}

// externalServer is a server entry owned by a sibling coordinator
// instance and observed only through database updates.
type externalServer struct {
	baseServer
}

func newExternalServer(id string) *externalServer {
	return &externalServer{baseServer: baseServer{id: id}}
}

// localServer is a server entry whose peer session this instance holds.
type localServer struct {
	baseServer

	peer             protocol.Peer
	inviteCodeSecret string
}

// NewLocalServer constructs a Local server entry bound to peer. It
// always starts out UNKNOWN; VerifyFlow transitions it.
func NewLocalServer(id string, gameType protocol.GameType, protocolVersion uint8, peer protocol.Peer, inviteCodeSecret string) LocalServer {
	s := &localServer{
		peer:             peer,
		inviteCodeSecret: inviteCodeSecret,
	}
	s.id = id
	s.gameType = gameType
	s.protocolVersion = protocolVersion
	s.connType = protocol.ConnectionTypeUnknown
	return s
}

func (s *localServer) Peer() protocol.Peer { return s.peer }

func (s *localServer) InviteCodeSecret() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviteCodeSecret
}

func (s *localServer) SetConnectionType(ct protocol.ConnectionType) { s.setConnectionType(ct) }

func (s *localServer) SendStunRequest(protocolVersion uint8, token string) error {
	return s.peer.Send(protocol.GCStunRequest{ProtocolVersion: protocolVersion, Token: token})
}

func (s *localServer) SendStunConnect(protocolVersion uint8, token string, trackingNumber, interfaceNumber uint8, addr netip.AddrPort) error {
	return s.peer.Send(protocol.GCStunConnect{
		ProtocolVersion: protocolVersion,
		Token:           token,
		TrackingNumber:  trackingNumber,
		InterfaceNumber: interfaceNumber,
		Addr:            addr,
	})
}

func (s *localServer) SendTurnConnect(protocolVersion uint8, token string, trackingNumber uint8, relayEndpoint, sessionToken string) error {
	return s.peer.Send(protocol.GCTurnConnect{
		ProtocolVersion: protocolVersion,
		Token:           token,
		TrackingNumber:  trackingNumber,
		RelayEndpoint:   relayEndpoint,
		SessionToken:    sessionToken,
	})
}

func (s *localServer) SendConnectFailed(protocolVersion uint8, token string) error {
	return s.peer.Send(protocol.GCConnectFailed{ProtocolVersion: protocolVersion, Token: token})
}
