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

// Package verifyflow implements TokenVerify (spec.md §4.4): the
// one-shot workflow that classifies a newly-registered server as
// DIRECT, STUN, TURN, or ISOLATED.
package verifyflow

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/openttd/game-coordinator-go/internal/dialer"
	"github.com/openttd/game-coordinator-go/internal/gcdb"
	"github.com/openttd/game-coordinator-go/internal/protocol"
	"github.com/openttd/game-coordinator-go/internal/registry"
	"github.com/openttd/game-coordinator-go/internal/relay"
	"github.com/openttd/game-coordinator-go/internal/tokentable"
)

// Deps bundles the flow's collaborators: the registry (to subscribe
// for cancellation), the token table (to mint/drop its own token), and
// the external-process seams (dialer, relay, database, clock, log).
type Deps struct {
	Registry      *registry.Registry
	Tokens        *tokentable.Table
	DB            gcdb.Database
	Dialer        dialer.Dialer
	Relay         relay.Client
	Clock         mclock.Clock
	MethodTimeout time.Duration
	Log           log.Logger
}

// Flow is one live TokenVerify workflow.
type Flow struct {
	deps Deps

	protocolVersion uint8
	serverPort      uint16
	fresh           bool
	token           string
	peer            protocol.Peer
	server          registry.LocalServer

	mu          sync.Mutex
	stunResults map[uint8]netip.AddrPort
	stunCh      chan struct{}
}

// New creates a Flow and mints it a token, but does not start it —
// call Run in its own goroutine.
func New(deps Deps, protocolVersion uint8, serverPort uint16, fresh bool, peer protocol.Peer, server registry.LocalServer) (*Flow, error) {
	token, err := deps.Tokens.Mint()
	if err != nil {
		return nil, err
	}
	f := &Flow{
		deps:            deps,
		protocolVersion: protocolVersion,
		serverPort:      serverPort,
		fresh:           fresh,
		token:           token,
		peer:            peer,
		server:          server,
		stunResults:     make(map[uint8]netip.AddrPort),
		stunCh:          make(chan struct{}, 1),
	}
	deps.Tokens.Bind(token, f)
	return f, nil
}

// Token returns the (unprefixed) token this flow is bound under.
func (f *Flow) Token() string { return f.token }

// Run classifies the server and reports the result, then drops its
// token. It must be cancelled via ctx (or the registry eviction this
// flow subscribes to) on peer disconnect.
func (f *Flow) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unsubscribe := f.deps.Registry.Subscribe(f.server.ID(), cancel)
	defer unsubscribe()
	defer f.deps.Tokens.Drop(f.token)

	connType := f.classify(ctx)
	f.server.SetConnectionType(connType)

	ack := protocol.GCRegisterAck{
		ProtocolVersion: f.protocolVersion,
		ConnectionType:  connType,
		InviteCode:      f.server.ID(),
		Fresh:           f.fresh,
	}
	if f.fresh {
		ack.InviteCodeSecret = f.server.InviteCodeSecret()
	}
	if err := f.peer.Send(ack); err != nil {
		f.deps.Log.Warn("failed to send registration report", "server_id", f.server.ID(), "err", err)
	}
}

func (f *Flow) classify(ctx context.Context) protocol.ConnectionType {
	if f.classifyDirect(ctx) {
		return protocol.ConnectionTypeDirect
	}
	if ctx.Err() != nil {
		return protocol.ConnectionTypeIsolated
	}
	if f.classifySTUN(ctx) {
		return protocol.ConnectionTypeStun
	}
	if ctx.Err() != nil {
		return protocol.ConnectionTypeIsolated
	}
	if f.classifyTURN(ctx) {
		return protocol.ConnectionTypeTurn
	}
	return protocol.ConnectionTypeIsolated
}

func (f *Flow) classifyDirect(ctx context.Context) bool {
	host := f.peer.RemoteAddr().Addr()
	if !host.IsValid() {
		return false
	}
	dctx, cancel := context.WithTimeout(ctx, f.deps.MethodTimeout)
	defer cancel()
	if err := f.deps.Dialer.DialDirect(dctx, host.String(), f.serverPort); err != nil {
		f.deps.Log.Debug("direct probe failed", "server_id", f.server.ID(), "err", err)
		return false
	}
	addr := netip.AddrPortFrom(host, f.serverPort)
	f.server.UpdateDirectIP(host.Is6(), addr)
	if err := f.deps.DB.PublishServerDirectIP(dctx, f.server.ID(), host.Is6(), addr); err != nil {
		f.deps.Log.Warn("failed to publish direct ip", "server_id", f.server.ID(), "err", err)
	}
	return true
}

func (f *Flow) classifySTUN(ctx context.Context) bool {
	if err := f.server.SendStunRequest(f.protocolVersion, f.token); err != nil {
		f.deps.Log.Warn("stun request failed", "server_id", f.server.ID(), "err", err)
		return false
	}

	timer := f.deps.Clock.NewTimer(f.deps.MethodTimeout)
	defer timer.Stop()
	select {
	case <-f.stunCh:
		return true
	case <-timer.C():
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *Flow) classifyTURN(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(ctx, f.deps.MethodTimeout)
	defer cancel()
	if _, err := f.deps.Relay.Register(rctx, f.server.ID()); err != nil {
		f.deps.Log.Debug("relay registration failed", "server_id", f.server.ID(), "err", err)
		return false
	}
	return true
}

// OnStunResult is fed by the coordinator when the database relays a
// STUN observation for this flow's token.
func (f *Flow) OnStunResult(interfaceNumber uint8, addr netip.AddrPort) {
	f.mu.Lock()
	f.stunResults[interfaceNumber] = addr
	f.mu.Unlock()

	select {
	case f.stunCh <- struct{}{}:
	default:
	}
}
