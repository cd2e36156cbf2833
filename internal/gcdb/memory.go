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

package gcdb

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/openttd/game-coordinator-go/internal/protocol"
)

// Memory is a single-process reference Database: it allocates
// ordinals locally and never actually hears from a sibling instance.
// It backs standalone deployments and every test in this module; a
// real multi-instance deployment replaces it with a client that talks
// to the genuine shared database over the network.
type Memory struct {
	feed    event.Feed
	ordinal atomic.Uint64
	log     log.Logger
}

// NewMemory returns a Memory database using logger for StatsListing
// and forwarding diagnostics.
func NewMemory(logger log.Logger) *Memory {
	if logger == nil {
		logger = log.Root()
	}
	return &Memory{log: logger}
}

func (m *Memory) SyncAndMonitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *Memory) Events() *event.Feed { return &m.feed }

// GetServerID draws the next monotonic ordinal, starting at 1 (spec.md
// §8 scenario 1: the first registration gets invite code +0000001).
func (m *Memory) GetServerID() uint64 { return m.ordinal.Add(1) }

func (m *Memory) StatsListing(gameInfoVersion uint8) {
	m.log.Debug("listing requested", "game_info_version", gameInfoVersion)
}

// PublishServer fans a Local registration/info update back out as the
// same UpdateExternalServer event a sibling instance's database
// connection would have delivered, so a second in-process Coordinator
// sharing this Memory can observe it via Registry.PutExternal.
func (m *Memory) PublishServer(ctx context.Context, serverID string, info protocol.ServerInfo) error {
	m.feed.Send(Event{UpdateExternalServer: &UpdateExternalServer{ServerID: serverID, Info: info}})
	return nil
}

func (m *Memory) PublishServerNewGRF(ctx context.Context, serverID string, serializationType uint8, newgrfs []protocol.NewGRFRef) error {
	m.feed.Send(Event{UpdateNewGRFExternal: &UpdateNewGRFExternal{
		ServerID: serverID, NewGRFSerializationType: serializationType, NewGRFs: newgrfs,
	}})
	return nil
}

func (m *Memory) PublishServerDirectIP(ctx context.Context, serverID string, v6 bool, addr netip.AddrPort) error {
	m.feed.Send(Event{UpdateExternalDirectIP: &UpdateExternalDirectIP{ServerID: serverID, V6: v6, Addr: addr}})
	return nil
}

func (m *Memory) SendServerStunRequest(ctx context.Context, serverID string, protocolVersion uint8, token string) error {
	m.feed.Send(Event{SendServerStunRequest: &SendServerStunRequest{ServerID: serverID, ProtocolVersion: protocolVersion, Token: token}})
	return nil
}

func (m *Memory) SendServerStunConnect(ctx context.Context, serverID string, protocolVersion uint8, token string, trackingNumber, interfaceNumber uint8, addr netip.AddrPort) error {
	m.feed.Send(Event{SendServerStunConnect: &SendServerStunConnect{
		ServerID: serverID, ProtocolVersion: protocolVersion, Token: token,
		TrackingNumber: trackingNumber, InterfaceNumber: interfaceNumber, Addr: addr,
	}})
	return nil
}

func (m *Memory) SendServerConnectFailed(ctx context.Context, serverID string, protocolVersion uint8, token string) error {
	m.feed.Send(Event{SendServerConnectFailed: &SendServerConnectFailed{ServerID: serverID, ProtocolVersion: protocolVersion, Token: token}})
	return nil
}

// Inject publishes ev as though the real database had sent it; tests
// and the standalone CLI mode use this to simulate fleet events
// (external server updates, STUN results relayed from the STUN
// server, NewGRF table maintenance).
func (m *Memory) Inject(ev Event) int {
	return m.feed.Send(ev)
}
