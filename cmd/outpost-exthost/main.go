// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-exthost is the extension host child process spawned by
// outpostd for each extension host session. It is not invoked directly
// by users.
//
// The daemon passes the bridge IPC channel on fd 3. The child
// announces readiness, then receives client sockets over the channel
// as the client connects and reconnects; each handed-off socket
// resumes the session's persistent protocol exactly where the parent
// stopped reading. When the client drops, the child reports the
// disconnect so the parent can run the reconnection grace period.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/outpost-dev/outpost/bridge"
	"github.com/outpost-dev/outpost/channel"
	"github.com/outpost-dev/outpost/lib/codec"
	"github.com/outpost-dev/outpost/lib/process"
	"github.com/outpost-dev/outpost/protocol"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// hostHandler is the built-in channel answering host-level queries
// inside the extension host.
type hostHandler struct{}

func (hostHandler) Call(ctx channel.Context, command string, args codec.RawMessage) (any, error) {
	switch command {
	case "ping":
		return "pong", nil
	case "info":
		hostname, _ := os.Hostname()
		return map[string]any{
			"pid":      os.Getpid(),
			"hostname": hostname,
		}, nil
	default:
		return nil, channel.UnknownCommand(command)
	}
}

func (hostHandler) Listen(ctx channel.Context, event string, args codec.RawMessage, emit func(any)) (func(), error) {
	return nil, channel.UnknownEvent(event)
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	endpoint, err := bridge.FromEnvironment(logger)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	channels := channel.NewServer(logger)
	channels.Register("host", hostHandler{})

	if err := endpoint.SendReady(); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}

	// One persistent protocol for the whole session; each handoff swaps
	// a fresh socket into it.
	var proto *protocol.Protocol
	for {
		handoff, err := endpoint.Receive()
		if errors.Is(err, bridge.ErrTerminated) {
			logger.Info("parent requested termination")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving socket: %w", err)
		}

		socket, err := handoff.Socket(logger)
		if err != nil {
			logger.Error("rebuilding handed-off socket", "error", err)
			handoff.Conn.Close()
			continue
		}

		if proto == nil {
			proto = protocol.New(protocol.Config{
				Socket:      socket,
				Logger:      logger,
				InitialData: handoff.InitialData,
			})
			channels.Attach(proto, channel.Context{})
			proto.OnSocketClose(func(err error) {
				logger.Info("client socket closed", "error", err)
				endpoint.SendDisconnected()
			})
			proto.Start()
		} else {
			proto.BeginAcceptReconnection(socket, handoff.InitialData)
			proto.EndAcceptReconnection()
		}
		endpoint.SendConsole("info", "client socket adopted")
	}
}
