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

// Package coordinator wires InviteCode, ServerRegistry, TokenTable,
// VerifyFlow, ConnectFlow and the NewGRF table into the Coordinator
// object of spec.md §2: the thing that demultiplexes inbound frames
// onto the right server or token, reacts to peer disconnects, and
// forwards the events the shared database publishes.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/openttd/game-coordinator-go/internal/connectflow"
	"github.com/openttd/game-coordinator-go/internal/dialer"
	"github.com/openttd/game-coordinator-go/internal/gcdb"
	"github.com/openttd/game-coordinator-go/internal/invitecode"
	"github.com/openttd/game-coordinator-go/internal/newgrf"
	"github.com/openttd/game-coordinator-go/internal/protocol"
	"github.com/openttd/game-coordinator-go/internal/registry"
	"github.com/openttd/game-coordinator-go/internal/relay"
	"github.com/openttd/game-coordinator-go/internal/tokentable"
	"github.com/openttd/game-coordinator-go/internal/verifyflow"
)

// Config holds the process-wide values spec.md §6 and §9 require to be
// immutable fields captured at construction, never globals.
type Config struct {
	// SharedSecret signs and validates invite codes. Startup refuses
	// to proceed without one (spec.md §7).
	SharedSecret string
	// SocksProxy, if set, is used for the VerifyFlow direct-reachability
	// probe instead of dialing the internet directly.
	SocksProxy string
	// RelayEndpoint is the address handed to peers using the TURN
	// fallback.
	RelayEndpoint string
	// MethodTimeout bounds each step of the verify/connect method
	// ladders (spec.md §5's "a few seconds" tunable).
	MethodTimeout time.Duration
}

// ErrNoSharedSecret is returned by New when cfg.SharedSecret is empty.
var ErrNoSharedSecret = errors.New("coordinator: shared_secret is required")

// badSecretCacheSize bounds the invalid-secret log-suppression cache.
const badSecretCacheSize = 1024

// Coordinator is the object of spec.md §2.
type Coordinator struct {
	cfg Config
	log log.Logger

	registry *registry.Registry
	tokens   *tokentable.Table
	newgrf   *newgrf.Table
	db       gcdb.Database
	dialer   dialer.Dialer
	relay    relay.Client
	clock    mclock.Clock

	ordinal *ordinalSource

	peers            peerState
	clientFlowCancel clientFlowCancelMap

	// badSecrets bounds the log volume of repeated invalid-secret
	// re-registration attempts for the same claimed invite code: the
	// first failure within the cache's lifetime logs at Warn, further
	// ones collapse to Debug. Purely a logging-hygiene cache, no
	// registry state rides on it.
	badSecrets *lru.Cache[string, struct{}]
}

// New builds a Coordinator. db and logger may be nil; a nil db gets an
// in-memory reference Database (single-instance mode), a nil logger
// gets the root logger.
func New(cfg Config, db gcdb.Database, logger log.Logger) (*Coordinator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSharedSecret
	}
	if cfg.MethodTimeout <= 0 {
		cfg.MethodTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.Root()
	}
	if db == nil {
		db = gcdb.NewMemory(logger)
	}

	badSecrets, err := lru.New[string, struct{}](badSecretCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        logger,
		registry:   registry.New(),
		tokens:     tokentable.New(),
		newgrf:     newgrf.New(),
		db:         db,
		dialer:     dialer.WithTimeout(dialer.TCP{SocksProxy: cfg.SocksProxy}, cfg.MethodTimeout),
		relay:      relay.AlwaysAvailable{Endpoint: cfg.RelayEndpoint},
		clock:      mclock.System{},
		ordinal:    &ordinalSource{db: db},
		badSecrets: badSecrets,
	}
	c.peers.peerServer = make(map[protocol.Peer]string)
	c.clientFlowCancel.byPeer = make(map[protocol.Peer]map[uint64]context.CancelFunc)
	return c, nil
}

// Start subscribes to the database's fleet events and blocks, draining
// them into the registry and NewGRF table, until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	events := make(chan gcdb.Event, 64)
	sub := c.db.Events().Subscribe(events)
	defer sub.Unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.db.SyncAndMonitor(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case ev := <-events:
				c.handleDBEvent(ev)
			case err := <-sub.Err():
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

// --- inbound frame handlers (spec.md §6 "frames consumed") ---

// HandleServerRegister implements spec.md §4.4 steps 1-2: classify the
// claimed invite code, (re)install the Local server entry, and start
// its VerifyFlow.
func (c *Coordinator) HandleServerRegister(peer protocol.Peer, frame protocol.ServerRegister) {
	code := frame.InviteCode
	fresh := true
	if code != "" && invitecode.Validate([]byte(c.cfg.SharedSecret), code, frame.InviteCodeSecret) {
		fresh = false
	} else if code != "" {
		// A claimed code that failed validation: log once per code
		// per cache lifetime, then collapse to Debug so a server
		// retrying with a stale or tampered secret doesn't flood logs.
		if _, seen := c.badSecrets.Get(code); seen {
			c.log.Debug("invite code secret validation failed again", "invite_code", code)
		} else {
			c.badSecrets.Add(code, struct{}{})
			c.log.Warn("invite code secret validation failed, issuing a new code", "invite_code", code)
		}
		code = invitecode.Generate(c.ordinal.next())
	} else {
		code = invitecode.Generate(c.ordinal.next())
	}
	secret := invitecode.Sign([]byte(c.cfg.SharedSecret), code)

	server := registry.NewLocalServer(code, frame.GameType, frame.ProtocolVersion, peer, secret)
	if !c.registry.PutLocal(code, server) {
		c.log.Error("server register collided with an external entry", "invite_code", code)
		return
	}
	c.peers.set(peer, code)

	// Becoming Local must be published so sibling coordinator instances
	// can see it through the shared database (spec.md §4.2).
	if err := c.db.PublishServer(context.Background(), code, protocol.ServerInfo{}); err != nil {
		c.log.Warn("failed to publish server registration", "invite_code", code, "err", err)
	}

	flow, err := verifyflow.New(verifyflow.Deps{
		Registry:      c.registry,
		Tokens:        c.tokens,
		DB:            c.db,
		Dialer:        c.dialer,
		Relay:         c.relay,
		Clock:         c.clock,
		MethodTimeout: c.cfg.MethodTimeout,
		Log:           c.log,
	}, frame.ProtocolVersion, frame.ServerPort, fresh, peer, server)
	if err != nil {
		c.log.Error("failed to start verify flow", "invite_code", code, "err", err)
		return
	}
	go flow.Run(context.Background())
}

// HandleServerUpdate implements SERVER_UPDATE: it only ever applies to
// the Local server this peer already registered.
func (c *Coordinator) HandleServerUpdate(peer protocol.Peer, frame protocol.ServerUpdate) {
	id, ok := c.peers.get(peer)
	if !ok {
		c.log.Error("server update from an unregistered peer")
		return
	}
	server, ok := c.registry.Get(id)
	if !ok {
		return
	}
	server.Update(frame.Info)
	server.UpdateNewGRF(frame.NewGRFSerializationType, frame.NewGRFs)

	if err := c.db.PublishServer(context.Background(), id, frame.Info); err != nil {
		c.log.Warn("failed to publish server update", "invite_code", id, "err", err)
	}
	if err := c.db.PublishServerNewGRF(context.Background(), id, frame.NewGRFSerializationType, frame.NewGRFs); err != nil {
		c.log.Warn("failed to publish server newgrf update", "invite_code", id, "err", err)
	}
}

// HandleClientListing implements spec.md §4.6.
func (c *Coordinator) HandleClientListing(peer protocol.Peer, frame protocol.ClientListing) {
	c.db.StatsListing(frame.GameInfoVersion)

	var matching, rest []registry.Server
	for _, s := range c.registry.List() {
		if s.ConnectionType() == protocol.ConnectionTypeIsolated {
			continue
		}
		info, ok := s.Info()
		if !ok {
			continue
		}
		if info.OpenTTDVersion == frame.OpenTTDVersion {
			matching = append(matching, s)
		} else {
			rest = append(rest, s)
		}
	}

	servers := make([]protocol.GCListedServer, 0, len(matching)+len(rest))
	for _, s := range append(matching, rest...) {
		info, _ := s.Info()
		servers = append(servers, protocol.GCListedServer{
			ServerID:       s.ID(),
			GameType:       s.GameType(),
			ConnectionType: s.ConnectionType(),
			Info:           info,
		})
	}

	// newGRFLookupMinVersion is the protocol version at which clients
	// gained the incremental GC_NEWGRF_LOOKUP chunk; below it, the
	// original always embeds the full table in GC_LISTING instead
	// (original_source/.../coordinator.py receive_PACKET_COORDINATOR_CLIENT_LISTING).
	const newGRFLookupMinVersion = 4
	if frame.ProtocolVersion >= newGRFLookupMinVersion {
		if delta, cursor := c.newgrf.Since(frame.NewGRFLookupTableCursor); len(delta) > 0 {
			refs := make([]protocol.NewGRFRef, len(delta))
			for i, d := range delta {
				refs[i] = protocol.NewGRFRef{Index: d.Index, GRFID: d.Entry.GRFID, MD5Sum: d.Entry.MD5Sum, Name: d.Entry.Name}
			}
			if err := peer.Send(protocol.GCNewGRFLookup{ProtocolVersion: frame.ProtocolVersion, Cursor: cursor, TableDelta: refs}); err != nil {
				c.log.Warn("failed to send newgrf lookup", "err", err)
			}
		}
	}

	all := c.newgrf.All()
	table := make([]protocol.NewGRFRef, len(all))
	for i, d := range all {
		table[i] = protocol.NewGRFRef{Index: d.Index, GRFID: d.Entry.GRFID, MD5Sum: d.Entry.MD5Sum, Name: d.Entry.Name}
	}

	if err := peer.Send(protocol.GCListing{
		ProtocolVersion: frame.ProtocolVersion,
		GameInfoVersion: frame.GameInfoVersion,
		Servers:         servers,
		NewGRFTable:     table,
	}); err != nil {
		c.log.Warn("failed to send listing", "err", err)
	}
}

// HandleClientConnect implements spec.md §4.5 steps 1-3.
func (c *Coordinator) HandleClientConnect(peer protocol.Peer, frame protocol.ClientConnect) {
	target, ok := c.registry.Get(frame.InviteCode)
	if !ok {
		if err := peer.Send(protocol.GCError{
			ProtocolVersion: frame.ProtocolVersion,
			ErrorCode:       protocol.ErrInvalidInviteCode,
			Detail:          frame.InviteCode,
		}); err != nil {
			c.log.Warn("failed to send invalid-invite-code error", "err", err)
		}
		c.Disconnect(peer)
		return
	}

	agreed := frame.ProtocolVersion
	if sv := target.ProtocolVersion(); sv < agreed {
		agreed = sv
	}

	flow, err := connectflow.New(connectflow.Deps{
		Registry:      c.registry,
		Tokens:        c.tokens,
		DB:            c.db,
		Relay:         c.relay,
		RelayEndpoint: c.cfg.RelayEndpoint,
		Clock:         c.clock,
		MethodTimeout: c.cfg.MethodTimeout,
		Log:           c.log,
	}, agreed, peer, frame.InviteCode, target)
	if err != nil {
		c.log.Error("failed to start connect flow", "invite_code", frame.InviteCode, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := c.clientFlowCancel.add(peer, cancel)
	go func() {
		flow.Run(ctx)
		c.clientFlowCancel.remove(peer, id)
	}()
}

// HandleConnectFailed implements SERCLI_CONNECT_FAILED.
func (c *Coordinator) HandleConnectFailed(frame protocol.ConnectFailed) {
	flow, _, ok := c.tokens.Resolve(frame.Token)
	if !ok {
		return
	}
	cf, ok := flow.(*connectflow.Flow)
	if !ok {
		c.log.Error("connect-failed for a token that is not a connect flow")
		return
	}
	cf.OnConnectFailed(frame.TrackingNumber)
}

// HandleClientConnected implements CLIENT_CONNECTED.
func (c *Coordinator) HandleClientConnected(frame protocol.ClientConnected) {
	flow, _, ok := c.tokens.Resolve(frame.Token)
	if !ok {
		return
	}
	cf, ok := flow.(*connectflow.Flow)
	if !ok {
		c.log.Error("client-connected for a token that is not a connect flow")
		return
	}
	cf.OnConnected()
}

// HandleStunResult implements SERCLI_STUN_RESULT, feeding the result to
// the bound flow's OnStunResult hook. An unresolved token is dropped
// silently; a token bound to an unrecognized flow kind is logged.
func (c *Coordinator) HandleStunResult(frame protocol.StunResult) {
	flow, side, ok := c.tokens.Resolve(frame.Token)
	if !ok {
		return
	}
	switch f := flow.(type) {
	case *verifyflow.Flow:
		f.OnStunResult(frame.InterfaceNumber, frame.Result.Addr)
	case *connectflow.Flow:
		f.OnStunResult(side, frame.InterfaceNumber, frame.Result.Addr)
	default:
		c.log.Error("stun result for an unrecognized flow kind")
	}
}

// Disconnect tears down every reference to peer: its registered Local
// server (if any) and any ConnectFlow it originated as a client.
func (c *Coordinator) Disconnect(peer protocol.Peer) {
	id, hadServer := c.peers.takeAndClear(peer)
	for _, cancel := range c.clientFlowCancel.take(peer) {
		cancel()
	}
	if hadServer {
		c.registry.Remove(id)
	}
}

func (c *Coordinator) handleDBEvent(ev gcdb.Event) {
	switch {
	case ev.UpdateExternalServer != nil:
		u := ev.UpdateExternalServer
		if server, ok := c.registry.PutExternal(u.ServerID); ok {
			server.Update(u.Info)
		}
	case ev.UpdateNewGRFExternal != nil:
		u := ev.UpdateNewGRFExternal
		if server, ok := c.registry.PutExternal(u.ServerID); ok {
			server.UpdateNewGRF(u.NewGRFSerializationType, u.NewGRFs)
		}
	case ev.UpdateExternalDirectIP != nil:
		u := ev.UpdateExternalDirectIP
		if server, ok := c.registry.PutExternal(u.ServerID); ok {
			server.UpdateDirectIP(u.V6, u.Addr)
		}
	case ev.SendServerStunRequest != nil:
		c.forwardToLocalPeer(ev.SendServerStunRequest.ServerID, func(s registry.LocalServer) error {
			return s.SendStunRequest(ev.SendServerStunRequest.ProtocolVersion, ev.SendServerStunRequest.Token)
		})
	case ev.SendServerStunConnect != nil:
		r := ev.SendServerStunConnect
		c.forwardToLocalPeer(r.ServerID, func(s registry.LocalServer) error {
			return s.SendStunConnect(r.ProtocolVersion, r.Token, r.TrackingNumber, r.InterfaceNumber, r.Addr)
		})
	case ev.SendServerConnectFailed != nil:
		r := ev.SendServerConnectFailed
		c.forwardToLocalPeer(r.ServerID, func(s registry.LocalServer) error {
			return s.SendConnectFailed(r.ProtocolVersion, r.Token)
		})
	case ev.StunResult != nil:
		c.HandleStunResult(protocol.StunResult{
			Token:           ev.StunResult.PrefixedToken,
			InterfaceNumber: ev.StunResult.InterfaceNumber,
			Result:          protocol.StunResultPayload{Addr: ev.StunResult.Addr},
		})
	case ev.NewGRFAdded != nil:
		c.newgrf.Add(ev.NewGRFAdded.Index, ev.NewGRFAdded.Entry)
	case ev.RemoveNewGRFFromTable != nil:
		c.newgrf.Drop(ev.RemoveNewGRFFromTable.GRFID, ev.RemoveNewGRFFromTable.MD5Sum)
	}
}

// forwardToLocalPeer is the database asking this instance (because it
// owns serverID) to relay an instruction to the Local peer session. A
// miss or an External entry is an internal inconsistency (spec.md §7):
// log and drop, never fault.
func (c *Coordinator) forwardToLocalPeer(serverID string, send func(registry.LocalServer) error) {
	server, ok := c.registry.Get(serverID)
	if !ok {
		c.log.Error("database forward for an unknown server", "invite_code", serverID)
		return
	}
	local, ok := server.(registry.LocalServer)
	if !ok {
		c.log.Error("database forward for a server this instance does not own", "invite_code", serverID)
		return
	}
	if err := send(local); err != nil {
		c.log.Warn("failed to forward database instruction to peer", "invite_code", serverID, "err", err)
	}
}
