// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpostd is the Outpost remote development host. It accepts client
// connections over TCP (as WebSocket upgrades) or a Unix socket,
// authenticates them against the configured connection token, and
// serves three connection kinds: management (channel RPC), extension
// host (data plane handed to an outpost-exthost child process), and
// port tunnels.
//
// Configuration comes from a single YAML file named by the --config
// flag or the OUTPOST_CONFIG environment variable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/outpost-dev/outpost/lib/config"
	"github.com/outpost-dev/outpost/lib/process"
	"github.com/outpost-dev/outpost/server"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to outpost.yaml (defaults to $OUTPOST_CONFIG)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	srv := server.New(server.Config{
		ConnectionToken:   cfg.ConnectionToken,
		HandshakeTimeout:  cfg.Timeouts.Handshake,
		KeepAliveInterval: cfg.Timeouts.KeepAliveInterval,
		GracePeriod:       cfg.Timeouts.ReconnectionGrace,
		ExtensionHost: server.ExtensionHostSpec{
			Binary:       cfg.ExtensionHost.Binary,
			Args:         cfg.ExtensionHost.Args,
			DebugPort:    cfg.ExtensionHost.DebugPort,
			ReadyTimeout: cfg.Timeouts.ChildReady,
		},
		Logger: logger,
	})

	serveErrs := make(chan error, 1)
	var httpServer *http.Server
	if cfg.Listen.SocketPath != "" {
		// A previous run's socket file would make the listen fail.
		if err := os.Remove(cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", cfg.Listen.SocketPath, err)
		}
		listener, err := net.Listen("unix", cfg.Listen.SocketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Listen.SocketPath, err)
		}
		logger.Info("listening", "socket", cfg.Listen.SocketPath)
		go func() { serveErrs <- srv.Serve(listener) }()
	} else {
		listener, err := net.Listen("tcp", cfg.Listen.Address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
		}
		// TCP clients connect over WebSocket; the server is the HTTP
		// handler performing the upgrade.
		httpServer = &http.Server{Handler: srv}
		logger.Info("listening", "address", listener.Addr())
		go func() { serveErrs <- httpServer.Serve(listener) }()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig)
	case err := <-serveErrs:
		if err != nil && !errors.Is(err, server.ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) {
			srv.Close()
			return err
		}
	}

	if httpServer != nil {
		httpServer.Close()
	}
	srv.Close()
	return nil
}
