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

package coordinator

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openttd/game-coordinator-go/internal/protocol"
	"github.com/openttd/game-coordinator-go/internal/registry"
)

type fakePeer struct {
	addr netip.AddrPort

	mu   sync.Mutex
	sent []any
}

func (p *fakePeer) Send(frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, frame)
	return nil
}

func (p *fakePeer) RemoteAddr() netip.AddrPort { return p.addr }

func (p *fakePeer) frames() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.sent))
	copy(out, p.sent)
	return out
}

type fakeDialer struct{ ok bool }

func (d fakeDialer) DialDirect(ctx context.Context, host string, port uint16) error {
	if d.ok {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeRelay struct{ ok bool }

func (r fakeRelay) Register(ctx context.Context, serverID string) (string, error) {
	if r.ok {
		return "relay.example:1234", nil
	}
	return "", context.DeadlineExceeded
}

func (r fakeRelay) Session(ctx context.Context, serverID string) (string, error) {
	if r.ok {
		return "session-token", nil
	}
	return "", context.DeadlineExceeded
}

func newTestCoordinator(t *testing.T, dial fakeDialer, rl fakeRelay, timeout time.Duration) *Coordinator {
	t.Helper()
	c, err := New(Config{SharedSecret: "test-shared-secret", MethodTimeout: timeout}, nil, nil)
	require.NoError(t, err)
	c.dialer = dial
	c.relay = rl
	return c
}

// serverFor installs a Local server entry directly into c's registry,
// bypassing VerifyFlow, so ConnectFlow scenarios can start from a
// pre-classified server without waiting on a probe.
func serverFor(c *Coordinator, id string, peer protocol.Peer) registry.LocalServer {
	server := registry.NewLocalServer(id, protocol.GameTypePublic, 4, peer, "secret")
	c.registry.PutLocal(id, server)
	c.peers.set(peer, id)
	return server
}

func lastFrame(frames []any) any {
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// TestNewRefusesWithoutSharedSecret covers the fatal-startup case of
// spec.md §7.
func TestNewRefusesWithoutSharedSecret(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoSharedSecret)
}

// TestFreshRegistrationDirect is spec.md §8 scenario 1.
func TestFreshRegistrationDirect(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: true}, fakeRelay{ok: true}, 200*time.Millisecond)

	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.20:9999")}
	c.HandleServerRegister(peer, protocol.ServerRegister{
		ProtocolVersion: 4,
		GameType:        protocol.GameTypePublic,
		ServerPort:      3979,
	})

	require.Eventually(t, func() bool { return len(peer.frames()) == 1 }, time.Second, time.Millisecond)
	ack := peer.frames()[0].(protocol.GCRegisterAck)
	assert.Equal(t, "+0000001", ack.InviteCode)
	assert.True(t, ack.Fresh)
	assert.NotEmpty(t, ack.InviteCodeSecret)
	assert.Equal(t, protocol.ConnectionTypeDirect, ack.ConnectionType)

	_, isListed := c.registry.Get("+0000001")
	assert.True(t, isListed)
}

// TestReregistrationWithValidSecret is spec.md §8 scenario 2.
func TestReregistrationWithValidSecret(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: true}, fakeRelay{ok: true}, 200*time.Millisecond)

	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.21:9999")}
	c.HandleServerRegister(peer, protocol.ServerRegister{ProtocolVersion: 4, GameType: protocol.GameTypePublic, ServerPort: 3979})
	require.Eventually(t, func() bool { return len(peer.frames()) == 1 }, time.Second, time.Millisecond)
	first := peer.frames()[0].(protocol.GCRegisterAck)

	peer2 := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.21:9999")}
	c.HandleServerRegister(peer2, protocol.ServerRegister{
		ProtocolVersion:  4,
		GameType:         protocol.GameTypePublic,
		ServerPort:       3979,
		InviteCode:       first.InviteCode,
		InviteCodeSecret: first.InviteCodeSecret,
	})
	require.Eventually(t, func() bool { return len(peer2.frames()) == 1 }, time.Second, time.Millisecond)
	second := peer2.frames()[0].(protocol.GCRegisterAck)

	assert.Equal(t, first.InviteCode, second.InviteCode)
	assert.False(t, second.Fresh)
	assert.Empty(t, second.InviteCodeSecret, "a reused (code, secret) pair is never echoed back")
}

// TestReregistrationWithInvalidSecret is spec.md §8 scenario 3.
func TestReregistrationWithInvalidSecret(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: true}, fakeRelay{ok: true}, 200*time.Millisecond)

	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.22:9999")}
	c.HandleServerRegister(peer, protocol.ServerRegister{ProtocolVersion: 4, GameType: protocol.GameTypePublic, ServerPort: 3979})
	require.Eventually(t, func() bool { return len(peer.frames()) == 1 }, time.Second, time.Millisecond)
	first := peer.frames()[0].(protocol.GCRegisterAck)

	peer2 := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.23:9999")}
	c.HandleServerRegister(peer2, protocol.ServerRegister{
		ProtocolVersion:  4,
		GameType:         protocol.GameTypePublic,
		ServerPort:       3979,
		InviteCode:       first.InviteCode,
		InviteCodeSecret: "tampered-secret-value",
	})
	require.Eventually(t, func() bool { return len(peer2.frames()) == 1 }, time.Second, time.Millisecond)
	second := peer2.frames()[0].(protocol.GCRegisterAck)

	assert.True(t, second.Fresh)
	assert.NotEqual(t, first.InviteCode, second.InviteCode)
}

// TestClientConnectStunSuccessOnMethodThree is spec.md §8 scenario 4.
func TestClientConnectStunSuccessOnMethodThree(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: false}, fakeRelay{ok: true}, 200*time.Millisecond)

	serverPeer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.24:9999")}
	server := serverFor(c, "+0000001", serverPeer)
	server.UpdateDirectIP(true, netip.MustParseAddrPort("[2001:db8::1]:3979"))
	server.UpdateDirectIP(false, netip.MustParseAddrPort("203.0.113.24:3979"))
	server.SetConnectionType(protocol.ConnectionTypeStun)

	client := &fakePeer{addr: netip.MustParseAddrPort("198.51.100.10:1234")}
	c.HandleClientConnect(client, protocol.ClientConnect{ProtocolVersion: 4, InviteCode: "+0000001"})

	require.Eventually(t, func() bool { return len(client.frames()) >= 2 }, time.Second, time.Millisecond)
	connecting := client.frames()[0].(protocol.GCConnecting)
	token := connecting.ClientToken[1:]

	c.HandleConnectFailed(protocol.ConnectFailed{Token: "S" + token, TrackingNumber: 1})
	c.HandleConnectFailed(protocol.ConnectFailed{Token: "S" + token, TrackingNumber: 2})

	require.Eventually(t, func() bool {
		for _, f := range client.frames() {
			if _, ok := f.(protocol.GCStunRequest); ok {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	c.HandleStunResult(protocol.StunResult{
		Token:           "S" + token,
		InterfaceNumber: 0,
		Result:          protocol.StunResultPayload{Addr: netip.MustParseAddrPort("198.51.100.250:4000")},
	})
	c.HandleStunResult(protocol.StunResult{
		Token:           "C" + token,
		InterfaceNumber: 0,
		Result:          protocol.StunResultPayload{Addr: netip.MustParseAddrPort("198.51.100.251:5000")},
	})

	require.Eventually(t, func() bool {
		for _, f := range client.frames() {
			if _, ok := f.(protocol.GCStunConnect); ok {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	c.HandleClientConnected(protocol.ClientConnected{ProtocolVersion: 4, Token: "C" + token})

	require.Eventually(t, func() bool { return c.tokens.Len() == 0 }, time.Second, time.Millisecond)
	for _, f := range client.frames() {
		_, isError := f.(protocol.GCError)
		assert.False(t, isError, "STUN success must never send GC_ERROR")
	}
}

// TestClientConnectAllMethodsFail is spec.md §8 scenario 5.
func TestClientConnectAllMethodsFail(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: false}, fakeRelay{ok: false}, 20*time.Millisecond)

	serverPeer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.25:9999")}
	server := serverFor(c, "+0000001", serverPeer)
	server.SetConnectionType(protocol.ConnectionTypeTurn)

	client := &fakePeer{addr: netip.MustParseAddrPort("198.51.100.11:1234")}
	c.HandleClientConnect(client, protocol.ClientConnect{ProtocolVersion: 4, InviteCode: "+0000001"})

	require.Eventually(t, func() bool {
		_, ok := lastFrame(client.frames()).(protocol.GCError)
		return ok
	}, time.Second, time.Millisecond)

	gcErr := lastFrame(client.frames()).(protocol.GCError)
	assert.Equal(t, protocol.ErrNoConnection, gcErr.ErrorCode)
	assert.Equal(t, 0, c.tokens.Len())
}

// TestClientConnectInvalidInviteCode is spec.md §8 scenario 6.
func TestClientConnectInvalidInviteCode(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: true}, fakeRelay{ok: true}, 200*time.Millisecond)

	client := &fakePeer{addr: netip.MustParseAddrPort("198.51.100.12:1234")}
	c.HandleClientConnect(client, protocol.ClientConnect{ProtocolVersion: 4, InviteCode: "+deadbee"})

	require.Len(t, client.frames(), 1)
	gcErr := client.frames()[0].(protocol.GCError)
	assert.Equal(t, protocol.ErrInvalidInviteCode, gcErr.ErrorCode)
	assert.Equal(t, "+deadbee", gcErr.Detail)
}

// TestDisconnectRemovesRegisteredServer covers the cleanup invariant of
// spec.md §8.
func TestDisconnectRemovesRegisteredServer(t *testing.T) {
	c := newTestCoordinator(t, fakeDialer{ok: true}, fakeRelay{ok: true}, 200*time.Millisecond)

	peer := &fakePeer{addr: netip.MustParseAddrPort("203.0.113.26:9999")}
	c.HandleServerRegister(peer, protocol.ServerRegister{ProtocolVersion: 4, GameType: protocol.GameTypePublic, ServerPort: 3979})
	require.Eventually(t, func() bool { return len(peer.frames()) == 1 }, time.Second, time.Millisecond)

	c.Disconnect(peer)
	_, ok := c.registry.Get("+0000001")
	assert.False(t, ok)
}
