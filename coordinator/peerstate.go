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
	"sync"

	"github.com/openttd/game-coordinator-go/internal/gcdb"
	"github.com/openttd/game-coordinator-go/internal/protocol"
)

// peerState is the side map spec.md design note 9 asks for instead of
// shoving a server reference onto the transport session object.
type peerState struct {
	mu         sync.Mutex
	peerServer map[protocol.Peer]string
}

func (p *peerState) set(peer protocol.Peer, serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerServer[peer] = serverID
}

func (p *peerState) get(peer protocol.Peer) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.peerServer[peer]
	return id, ok
}

// takeAndClear removes and returns peer's registered server id, if any.
func (p *peerState) takeAndClear(peer protocol.Peer) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.peerServer[peer]
	delete(p.peerServer, peer)
	return id, ok
}

// clientFlowCancelMap tracks the in-flight ConnectFlows a client peer
// originated, so a disconnect can cancel all of them. Cancel funcs are
// not comparable, so each registration gets an opaque id to remove by.
type clientFlowCancelMap struct {
	mu     sync.Mutex
	nextID uint64
	byPeer map[protocol.Peer]map[uint64]context.CancelFunc
}

func (m *clientFlowCancelMap) add(peer protocol.Peer, cancel context.CancelFunc) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.byPeer[peer] == nil {
		m.byPeer[peer] = make(map[uint64]context.CancelFunc)
	}
	m.byPeer[peer][id] = cancel
	return id
}

// remove drops one specific registration once its flow has finished on
// its own, so completed flows don't pin memory until the peer disconnects.
func (m *clientFlowCancelMap) remove(peer protocol.Peer, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPeer[peer], id)
	if len(m.byPeer[peer]) == 0 {
		delete(m.byPeer, peer)
	}
}

func (m *clientFlowCancelMap) take(peer protocol.Peer) []context.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancels := make([]context.CancelFunc, 0, len(m.byPeer[peer]))
	for _, cancel := range m.byPeer[peer] {
		cancels = append(cancels, cancel)
	}
	delete(m.byPeer, peer)
	return cancels
}

// ordinalSource draws the monotonic invite-code ordinal from the
// database boundary (spec.md §6 get_server_id), never locally.
type ordinalSource struct {
	db gcdb.Database
}

func (o *ordinalSource) next() uint64 {
	return o.db.GetServerID()
}
