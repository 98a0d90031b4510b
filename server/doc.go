// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package server accepts client connections and routes them to
// sessions.
//
// Every accepted socket follows the same path: a wire adapter, a
// persistent protocol, and the connection handshake. The handshake
// result then dispatches the connection by kind. Management
// connections attach to the channel registry, extension host
// connections spawn (or resume) a child process and hand their socket
// to it, and tunnel connections turn into a raw byte bridge to a local
// port.
//
// The server listens on a raw stream listener (TCP or Unix socket) via
// Serve, and doubles as an http.Handler upgrading requests to
// WebSocket transports. A failure on one connection never reaches
// another; each socket is handled on its own goroutine and sessions
// are isolated behind the registry.
package server
