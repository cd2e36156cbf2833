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

package verifyflow

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openttd/game-coordinator-go/internal/gcdb"
	"github.com/openttd/game-coordinator-go/internal/protocol"
	"github.com/openttd/game-coordinator-go/internal/registry"
	"github.com/openttd/game-coordinator-go/internal/relay"
	"github.com/openttd/game-coordinator-go/internal/tokentable"
)

type fakePeer struct {
	addr netip.AddrPort
	sent []any
}

func (p *fakePeer) Send(frame any) error {
	p.sent = append(p.sent, frame)
	return nil
}

func (p *fakePeer) RemoteAddr() netip.AddrPort { return p.addr }

type fakeDialer struct {
	ok bool
}

func (d fakeDialer) DialDirect(ctx context.Context, host string, port uint16) error {
	if d.ok {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeRelay struct {
	ok bool
}

func (r fakeRelay) Register(ctx context.Context, serverID string) (string, error) {
	if r.ok {
		return "relay.example:1234", nil
	}
	return "", context.DeadlineExceeded
}

func (r fakeRelay) Session(ctx context.Context, serverID string) (string, error) {
	return "session", nil
}

func newDeps(dial fakeDialer, rl fakeRelay, timeout time.Duration) Deps {
	return Deps{
		Registry:      registry.New(),
		Tokens:        tokentable.New(),
		DB:            gcdb.NewMemory(log.Root()),
		Dialer:        dial,
		Relay:         rl,
		Clock:         mclock.System{},
		MethodTimeout: timeout,
		Log:           log.Root(),
	}
}

func TestVerifyFlowClassifiesDirect(t *testing.T) {
	deps := newDeps(fakeDialer{ok: true}, fakeRelay{ok: true}, 50*time.Millisecond)
	addr := netip.MustParseAddrPort("203.0.113.5:9999")
	peer := &fakePeer{addr: addr}
	server := registry.NewLocalServer("+0000001", protocol.GameTypePublic, 4, peer, "secret")
	require.True(t, deps.Registry.PutLocal("+0000001", server))

	flow, err := New(deps, 4, 3979, true, peer, server)
	require.NoError(t, err)
	flow.Run(context.Background())

	assert.Equal(t, protocol.ConnectionTypeDirect, server.ConnectionType())
	require.Len(t, peer.sent, 1)
	ack := peer.sent[0].(protocol.GCRegisterAck)
	assert.Equal(t, protocol.ConnectionTypeDirect, ack.ConnectionType)
	assert.Equal(t, "secret", ack.InviteCodeSecret)
	assert.Equal(t, 0, deps.Tokens.Len())
}

func TestVerifyFlowFallsBackToSTUN(t *testing.T) {
	deps := newDeps(fakeDialer{ok: false}, fakeRelay{ok: true}, 30*time.Millisecond)
	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.6:9999")}
	server := registry.NewLocalServer("+0000002", protocol.GameTypePublic, 4, peer, "secret")
	deps.Registry.PutLocal("+0000002", server)

	flow, err := New(deps, 4, 3979, false, peer, server)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		flow.Run(context.Background())
		close(done)
	}()

	// Simulate the STUN server's result arriving through the database
	// shortly after the request goes out.
	time.Sleep(5 * time.Millisecond)
	flow.OnStunResult(0, netip.MustParseAddrPort("198.51.100.1:7777"))
	<-done

	assert.Equal(t, protocol.ConnectionTypeStun, server.ConnectionType())
}

func TestVerifyFlowFallsBackToTURN(t *testing.T) {
	deps := newDeps(fakeDialer{ok: false}, fakeRelay{ok: true}, 10*time.Millisecond)
	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.7:9999")}
	server := registry.NewLocalServer("+0000003", protocol.GameTypePublic, 4, peer, "secret")
	deps.Registry.PutLocal("+0000003", server)

	flow, err := New(deps, 4, 3979, false, peer, server)
	require.NoError(t, err)
	flow.Run(context.Background())

	assert.Equal(t, protocol.ConnectionTypeTurn, server.ConnectionType())
}

func TestVerifyFlowIsolatedWhenNothingWorks(t *testing.T) {
	deps := newDeps(fakeDialer{ok: false}, fakeRelay{ok: false}, 10*time.Millisecond)
	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.8:9999")}
	server := registry.NewLocalServer("+0000004", protocol.GameTypePublic, 4, peer, "secret")
	deps.Registry.PutLocal("+0000004", server)

	flow, err := New(deps, 4, 3979, false, peer, server)
	require.NoError(t, err)
	flow.Run(context.Background())

	assert.Equal(t, protocol.ConnectionTypeIsolated, server.ConnectionType())
}

func TestVerifyFlowCancelledOnRegistryRemove(t *testing.T) {
	deps := newDeps(fakeDialer{ok: false}, fakeRelay{ok: true}, time.Second)
	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.9:9999")}
	server := registry.NewLocalServer("+0000005", protocol.GameTypePublic, 4, peer, "secret")
	deps.Registry.PutLocal("+0000005", server)

	flow, err := New(deps, 4, 3979, false, peer, server)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		flow.Run(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	deps.Registry.Remove("+0000005")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flow did not cancel on peer disconnect")
	}
}

var _ = relay.Client(fakeRelay{})
