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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/openttd/game-coordinator-go/coordinator"
)

// fileConfig is the shape of the optional TOML config file, mirroring
// go-ethereum's cmd/geth --config/dumpconfig convention of a thin
// struct decoded straight off disk before CLI flags are layered on
// top.
type fileConfig struct {
	SharedSecret  string `toml:"shared_secret"`
	SocksProxy    string `toml:"socks_proxy"`
	RelayEndpoint string `toml:"relay_endpoint"`
	MethodTimeout string `toml:"method_timeout"`
	Listen        string `toml:"listen"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

// buildConfig layers CLI flags over an optional config file, flags
// taking precedence, and turns the result into a coordinator.Config.
// Mirrors spec.md §6/§9: shared_secret and socks_proxy are captured
// once here and handed to coordinator.New as an immutable struct,
// never read again from a global.
func buildConfig(c *cli.Context) (coordinator.Config, string, error) {
	file, err := loadFileConfig(c.String(configFlag.Name))
	if err != nil {
		return coordinator.Config{}, "", err
	}

	cfg := coordinator.Config{
		SharedSecret:  firstNonEmpty(c.String(sharedSecretFlag.Name), file.SharedSecret, os.Getenv("COORDINATOR_SHARED_SECRET")),
		SocksProxy:    firstNonEmpty(c.String(socksProxyFlag.Name), file.SocksProxy),
		RelayEndpoint: file.RelayEndpoint,
		MethodTimeout: 3 * time.Second,
	}
	// c.String returns a flag's default when it is unset, so a flag only
	// overrides the file when given explicitly.
	if c.IsSet(relayEndpointFlag.Name) || cfg.RelayEndpoint == "" {
		cfg.RelayEndpoint = c.String(relayEndpointFlag.Name)
	}

	timeoutStr := firstNonEmpty(c.String(methodTimeoutFlag.Name), file.MethodTimeout)
	if timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return coordinator.Config{}, "", fmt.Errorf("invalid method-timeout %q: %w", timeoutStr, err)
		}
		cfg.MethodTimeout = d
	}

	listen := file.Listen
	if c.IsSet(listenFlag.Name) || listen == "" {
		listen = firstNonEmpty(c.String(listenFlag.Name), ":3976")
	}
	return cfg, listen, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
