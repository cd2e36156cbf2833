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

// Package connectflow implements TokenConnect (spec.md §4.5): the
// client -> server rendezvous, walking the DIRECT_IPV6, DIRECT_IPV4,
// STUN, TURN method ladder until one succeeds or all are exhausted.
package connectflow

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/openttd/game-coordinator-go/internal/gcdb"
	"github.com/openttd/game-coordinator-go/internal/protocol"
	"github.com/openttd/game-coordinator-go/internal/registry"
	"github.com/openttd/game-coordinator-go/internal/relay"
	"github.com/openttd/game-coordinator-go/internal/tokentable"
)

// Deps bundles a ConnectFlow's collaborators.
type Deps struct {
	Registry      *registry.Registry
	Tokens        *tokentable.Table
	DB            gcdb.Database
	Relay         relay.Client
	RelayEndpoint string
	Clock         mclock.Clock
	MethodTimeout time.Duration
	Log           log.Logger
}

// Flow is one live TokenConnect workflow, pairing a client session
// with a Server entry (Local or External).
type Flow struct {
	deps Deps

	protocolVersion uint8
	token           string
	clientPeer      protocol.Peer
	targetID        string
	target          registry.Server

	mu             sync.Mutex
	trackingNumber uint8
	clientStun     map[uint8]netip.AddrPort
	serverStun     map[uint8]netip.AddrPort

	stunCh      chan struct{}
	failedCh    chan uint8
	connectedCh chan struct{}
}

// New mints a token and binds a Flow, but does not start it — call Run
// in its own goroutine. protocolVersion is already the agreed minimum
// of the two sides (spec.md §4.5 step 2); callers compute that before
// constructing the flow.
func New(deps Deps, protocolVersion uint8, clientPeer protocol.Peer, targetID string, target registry.Server) (*Flow, error) {
	token, err := deps.Tokens.Mint()
	if err != nil {
		return nil, err
	}
	f := &Flow{
		deps:            deps,
		protocolVersion: protocolVersion,
		token:           token,
		clientPeer:      clientPeer,
		targetID:        targetID,
		target:          target,
		clientStun:      make(map[uint8]netip.AddrPort),
		serverStun:      make(map[uint8]netip.AddrPort),
		stunCh:          make(chan struct{}, 1),
		failedCh:        make(chan uint8, 4),
		connectedCh:     make(chan struct{}, 1),
	}
	deps.Tokens.Bind(token, f)
	return f, nil
}

// Token returns the (unprefixed) token this flow is bound under.
func (f *Flow) Token() string { return f.token }

// Run walks the method ladder and reports the outcome to the client,
// then drops its token. It must be cancelled via ctx (or the registry
// eviction this flow subscribes to) on either side's disconnect.
func (f *Flow) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unsubscribe := f.deps.Registry.Subscribe(f.targetID, cancel)
	defer unsubscribe()
	defer f.deps.Tokens.Drop(f.token)

	if err := f.clientPeer.Send(protocol.GCConnecting{
		ProtocolVersion: f.protocolVersion,
		ClientToken:     string(protocol.SideClient) + f.token,
		InviteCode:      f.targetID,
	}); err != nil {
		f.deps.Log.Warn("failed to send connecting notice", "invite_code", f.targetID, "err", err)
		return
	}

	for _, attempt := range []func(context.Context) bool{
		func(c context.Context) bool { return f.attemptDirect(c, true) },
		func(c context.Context) bool { return f.attemptDirect(c, false) },
		f.attemptSTUN,
		f.attemptTURN,
	} {
		if ctx.Err() != nil {
			return
		}
		if attempt(ctx) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := f.clientPeer.Send(protocol.GCError{
		ProtocolVersion: f.protocolVersion,
		ErrorCode:       protocol.ErrNoConnection,
	}); err != nil {
		f.deps.Log.Warn("failed to send no-connection error", "invite_code", f.targetID, "err", err)
	}
}

func (f *Flow) attemptDirect(ctx context.Context, v6 bool) bool {
	addr, ok := f.target.DirectIP(v6)
	if !ok {
		return false
	}
	tn := f.nextTrackingNumber()
	if err := f.clientPeer.Send(protocol.GCDirectConnect{
		ProtocolVersion: f.protocolVersion,
		Token:           f.token,
		TrackingNumber:  tn,
		Addr:            addr,
	}); err != nil {
		f.deps.Log.Warn("failed to send direct-connect instruction", "invite_code", f.targetID, "err", err)
		return false
	}
	return f.waitForOutcome(ctx, tn)
}

func (f *Flow) attemptSTUN(ctx context.Context) bool {
	ct := f.target.ConnectionType()
	if ct != protocol.ConnectionTypeStun && ct != protocol.ConnectionTypeUnknown {
		return false
	}
	tn := f.nextTrackingNumber()

	if err := f.requestServerStun(ctx, tn); err != nil {
		f.deps.Log.Debug("server stun request failed", "invite_code", f.targetID, "err", err)
		return false
	}
	if err := f.clientPeer.Send(protocol.GCStunRequest{ProtocolVersion: f.protocolVersion, Token: f.token}); err != nil {
		f.deps.Log.Warn("failed to send client stun request", "invite_code", f.targetID, "err", err)
		return false
	}

	timer := f.deps.Clock.NewTimer(f.deps.MethodTimeout)
	defer timer.Stop()
	for {
		select {
		case <-f.stunCh:
			if interfaceNumber, clientAddr, serverAddr, ok := f.matchedSTUN(); ok {
				return f.pairSTUN(ctx, tn, interfaceNumber, clientAddr, serverAddr)
			}
		case failedTN := <-f.failedCh:
			if failedTN == tn {
				return false
			}
		case <-timer.C():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (f *Flow) pairSTUN(ctx context.Context, tn, interfaceNumber uint8, clientAddr, serverAddr netip.AddrPort) bool {
	if err := f.clientPeer.Send(protocol.GCStunConnect{
		ProtocolVersion: f.protocolVersion,
		Token:           f.token,
		TrackingNumber:  tn,
		InterfaceNumber: interfaceNumber,
		Addr:            serverAddr,
	}); err != nil {
		f.deps.Log.Warn("failed to send client stun-connect", "invite_code", f.targetID, "err", err)
		return false
	}
	if err := f.sendServerStunConnect(ctx, tn, interfaceNumber, clientAddr); err != nil {
		f.deps.Log.Warn("failed to send server stun-connect", "invite_code", f.targetID, "err", err)
		return false
	}
	return f.waitForOutcome(ctx, tn)
}

func (f *Flow) attemptTURN(ctx context.Context) bool {
	if f.target.ConnectionType() != protocol.ConnectionTypeTurn {
		return false
	}
	tn := f.nextTrackingNumber()

	rctx, cancel := context.WithTimeout(ctx, f.deps.MethodTimeout)
	defer cancel()
	sessionToken, err := f.deps.Relay.Session(rctx, f.targetID)
	if err != nil {
		f.deps.Log.Debug("relay session mint failed", "invite_code", f.targetID, "err", err)
		return false
	}

	if err := f.clientPeer.Send(protocol.GCTurnConnect{
		ProtocolVersion: f.protocolVersion,
		Token:           f.token,
		TrackingNumber:  tn,
		RelayEndpoint:   f.deps.RelayEndpoint,
		SessionToken:    sessionToken,
	}); err != nil {
		f.deps.Log.Warn("failed to send client turn-connect", "invite_code", f.targetID, "err", err)
		return false
	}

	// A Local target gets fresh instructions for this session; an
	// External target's own coordinator instance already holds an
	// active relay session from that server's verify-time TURN
	// registration, so no forwarding call exists for this step.
	if local, ok := f.target.(registry.LocalServer); ok {
		if err := local.SendTurnConnect(f.protocolVersion, f.token, tn, f.deps.RelayEndpoint, sessionToken); err != nil {
			f.deps.Log.Warn("failed to send server turn-connect", "invite_code", f.targetID, "err", err)
			return false
		}
	}
	return f.waitForOutcome(ctx, tn)
}

// waitForOutcome blocks until tn's attempt is declared connected,
// fails, times out, or the flow is cancelled. CONNECT_FAILED messages
// for any other (outdated) tracking number are ignored.
func (f *Flow) waitForOutcome(ctx context.Context, tn uint8) bool {
	timer := f.deps.Clock.NewTimer(f.deps.MethodTimeout)
	defer timer.Stop()
	for {
		select {
		case <-f.connectedCh:
			return true
		case failedTN := <-f.failedCh:
			if failedTN != tn {
				continue
			}
			return false
		case <-timer.C():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (f *Flow) requestServerStun(ctx context.Context, _ uint8) error {
	if local, ok := f.target.(registry.LocalServer); ok {
		return local.SendStunRequest(f.protocolVersion, f.token)
	}
	return f.deps.DB.SendServerStunRequest(ctx, f.targetID, f.protocolVersion, f.token)
}

func (f *Flow) sendServerStunConnect(ctx context.Context, tn, interfaceNumber uint8, clientAddr netip.AddrPort) error {
	if local, ok := f.target.(registry.LocalServer); ok {
		return local.SendStunConnect(f.protocolVersion, f.token, tn, interfaceNumber, clientAddr)
	}
	return f.deps.DB.SendServerStunConnect(ctx, f.targetID, f.protocolVersion, f.token, tn, interfaceNumber, clientAddr)
}

func (f *Flow) nextTrackingNumber() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackingNumber++
	return f.trackingNumber
}

// matchedSTUN finds the lowest interface number both sides have
// reported a STUN result for. Results arrive independently and are not
// guaranteed to share interface 0 (spec.md §4.5: "pairs their external
// endpoints by interface"), so every recorded interface is a candidate,
// not just the first.
func (f *Flow) matchedSTUN() (interfaceNumber uint8, clientAddr, serverAddr netip.AddrPort, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ifaces := make([]uint8, 0, len(f.clientStun))
	for i := range f.clientStun {
		if _, ok := f.serverStun[i]; ok {
			ifaces = append(ifaces, i)
		}
	}
	if len(ifaces) == 0 {
		return 0, netip.AddrPort{}, netip.AddrPort{}, false
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i] < ifaces[j] })
	i := ifaces[0]
	return i, f.clientStun[i], f.serverStun[i], true
}

// OnStunResult records a STUN observation for one side of this flow,
// fed by the coordinator from SERCLI_STUN_RESULT or a database-relayed
// equivalent for an External server.
func (f *Flow) OnStunResult(side protocol.Side, interfaceNumber uint8, addr netip.AddrPort) {
	f.mu.Lock()
	if side == protocol.SideClient {
		f.clientStun[interfaceNumber] = addr
	} else {
		f.serverStun[interfaceNumber] = addr
	}
	f.mu.Unlock()

	select {
	case f.stunCh <- struct{}{}:
	default:
	}
}

// OnConnectFailed is fed by the coordinator on a CONNECT_FAILED frame
// from either side.
func (f *Flow) OnConnectFailed(trackingNumber uint8) {
	select {
	case f.failedCh <- trackingNumber:
	default:
	}
}

// OnConnected is fed by the coordinator on a CLIENT_CONNECTED frame
// from either side; the first caller wins.
func (f *Flow) OnConnected() {
	select {
	case f.connectedCh <- struct{}{}:
	default:
	}
}
