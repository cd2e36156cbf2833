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

// Package registry holds the ServerRegistry: the mapping from
// server-id (invite code) to Server entries, Local or External.
package registry

import "sync"

type subscription struct {
	id     uint64
	cancel func()
}

// Registry is the spec.md §4.2 ServerRegistry. Exactly one of
// Local/External exists per code at any instant; it is guarded by a
// single coarse mutex per spec.md §5.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]Server
	localIDs  []string
	externIDs []string
	interests map[string][]subscription
	nextSubID uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:      make(map[string]Server),
		interests: make(map[string][]subscription),
	}
}

// PutLocal installs server under id, replacing whatever Local entry
// (if any) was previously there. It refuses, returning false, when id
// currently names an External entry: a cross-instance claim is never
// downgraded locally.
func (r *Registry) PutLocal(id string, server LocalServer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		if _, isExternal := existing.(*externalServer); isExternal {
			return false
		}
		r.removeFromOrder(&r.localIDs, id)
	}
	r.byID[id] = server
	r.localIDs = append(r.localIDs, id)
	return true
}

// PutExternal creates the External entry for id on miss, or returns
// the existing one when id already names an External entry. It
// returns ok=false when id names a Local entry: that is an internal
// inconsistency the caller should log and drop (spec.md §4.2, §7).
func (r *Registry) PutExternal(id string) (ext Server, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.byID[id]; found {
		if e, isExternal := existing.(*externalServer); isExternal {
			return e, true
		}
		return nil, false
	}
	e := newExternalServer(id)
	r.byID[id] = e
	r.externIDs = append(r.externIDs, id)
	return e, true
}

// Get returns the Server registered under id, if any.
func (r *Registry) Get(id string) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Remove evicts id, if present, and synchronously notifies every
// subscriber registered via Subscribe — the VerifyFlow and any
// ConnectFlow referencing this server, so they can cancel.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	existing, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	switch existing.(type) {
	case *externalServer:
		r.removeFromOrder(&r.externIDs, id)
	default:
		r.removeFromOrder(&r.localIDs, id)
	}
	subs := r.interests[id]
	delete(r.interests, id)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

// Subscribe registers cancel to be invoked (at most once) when id is
// removed from the registry. It returns an unsubscribe function a
// flow calls on its own completion so stale entries don't accumulate.
func (r *Registry) Subscribe(id string, cancel func()) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subID := r.nextSubID
	r.nextSubID++
	r.interests[id] = append(r.interests[id], subscription{id: subID, cancel: cancel})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.interests[id]
		for i, sub := range subs {
			if sub.id == subID {
				r.interests[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.interests[id]) == 0 {
			delete(r.interests, id)
		}
	}
}

// List returns every registered Server, Locals first in insertion
// order, then Externals in insertion order, per spec.md §4.2.
func (r *Registry) List() []Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Server, 0, len(r.localIDs)+len(r.externIDs))
	for _, id := range r.localIDs {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	for _, id := range r.externIDs {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) removeFromOrder(order *[]string, id string) {
	for i, existingID := range *order {
		if existingID == id {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}
