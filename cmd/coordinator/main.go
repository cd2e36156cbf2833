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

// Command coordinator runs the OpenTTD game-coordinator core against
// an in-memory, single-instance database (spec.md §1 treats the real
// shared database, and the wire codec that turns TCP bytes into
// internal/protocol frames, as out-of-scope external collaborators).
// It exists to wire Config, logging and the Coordinator object
// together the way go-ethereum's cmd/geth wires node.Config and
// node.Node: a thin process boundary around a library the tests
// exercise directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/openttd/game-coordinator-go/coordinator"
	"github.com/openttd/game-coordinator-go/internal/gcdb"
)

var (
	sharedSecretFlag = &cli.StringFlag{
		Name:    "shared-secret",
		Usage:   "HMAC key signing and validating invite codes (required; refuses to start without one)",
		EnvVars: []string{"COORDINATOR_SHARED_SECRET"},
	}
	socksProxyFlag = &cli.StringFlag{
		Name:  "socks-proxy",
		Usage: "SOCKS5 proxy used for the VerifyFlow direct-reachability probe",
	}
	relayEndpointFlag = &cli.StringFlag{
		Name:  "relay-endpoint",
		Usage: "relay (TURN-like) endpoint handed to peers using the TURN fallback",
		Value: "127.0.0.1:3982",
	}
	methodTimeoutFlag = &cli.StringFlag{
		Name:  "method-timeout",
		Usage: "per-method budget in the verify/connect ladders, e.g. 3s",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "address the (out-of-scope) wire codec listens on",
		Value: ":3976",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file layered under CLI flags",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit, 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "OpenTTD game-coordinator rendezvous service",
		Flags: []cli.Flag{
			sharedSecretFlag,
			socksProxyFlag,
			relayEndpointFlag,
			methodTimeoutFlag,
			listenFlag,
			configFlag,
			verbosityFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) log.Logger {
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, false))
	glogger.Verbosity(log.FromLegacyLevel(c.Int(verbosityFlag.Name)))
	logger := log.NewLogger(glogger)
	log.SetDefault(logger)
	return logger
}

// run wires Config, an in-memory Database and a Coordinator together,
// then blocks until SIGINT/SIGTERM. The shared_secret check in
// coordinator.New is spec.md §7's "Fatal startup ... refuse to start".
func run(c *cli.Context) error {
	logger := setupLogging(c)

	cfg, listen, err := buildConfig(c)
	if err != nil {
		return err
	}

	db := gcdb.NewMemory(logger)
	coord, err := coordinator.New(cfg, db, logger)
	if err != nil {
		return err
	}

	logger.Info("starting game coordinator", "listen", listen, "relay_endpoint", cfg.RelayEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down game coordinator")
		cancel()
	}()

	if err := coord.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
