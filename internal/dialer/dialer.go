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

// Package dialer provides VerifyFlow's DIRECT probe: dialing a
// registering server's advertised port directly from the coordinator,
// optionally through the configured SOCKS proxy (spec.md §6).
package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer dials a game server's advertised port to check direct
// reachability.
type Dialer interface {
	DialDirect(ctx context.Context, host string, port uint16) error
}

// TCP is the reference Dialer: a plain TCP dial, through socksProxy
// when set.
type TCP struct {
	SocksProxy string
}

// DialDirect opens and immediately closes a TCP connection to
// host:port, treating any error as "not directly reachable".
func (d TCP) DialDirect(ctx context.Context, host string, port uint16) error {
	addr := fmt.Sprintf("%s:%d", host, port)

	if d.SocksProxy == "" {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	socksDialer, err := proxy.SOCKS5("tcp", d.SocksProxy, nil, &net.Dialer{})
	if err != nil {
		return err
	}
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	cd, ok := socksDialer.(contextDialer)
	var conn net.Conn
	if ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		done := make(chan struct{})
		go func() {
			conn, err = socksDialer.Dial("tcp", addr)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return conn.Close()
}

// WithTimeout wraps a Dialer's DialDirect with a deadline derived from
// d, used by VerifyFlow's per-method budget (SPEC_FULL.md §7).
func WithTimeout(d Dialer, timeout time.Duration) Dialer {
	return timeoutDialer{d: d, timeout: timeout}
}

type timeoutDialer struct {
	d       Dialer
	timeout time.Duration
}

func (t timeoutDialer) DialDirect(ctx context.Context, host string, port uint16) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.d.DialDirect(ctx, host, port)
}
