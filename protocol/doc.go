// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the persistent message protocol that
// survives transport churn. Application messages are framed over a
// wire.Socket; a parallel control channel carries handshake and
// protocol-management traffic and is always delivered ahead of later
// application messages.
//
// Reconnection is the core primitive: sent messages stay queued until
// the peer acknowledges them, and a two-phase socket swap
// (BeginAcceptReconnection / EndAcceptReconnection) replaces the
// transport underneath a live protocol without reordering, losing, or
// duplicating messages.
//
//   - message.go: wire framing (13-byte header + payload)
//   - protocol.go: the Protocol state machine
package protocol
