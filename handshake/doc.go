// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake negotiates a freshly accepted socket into a typed
// connection. It runs once per socket, over the persistent protocol's
// control channel, before any session exists: the host challenges the
// client, the client answers with an auth message and then a
// connectionType message naming the connection kind (management,
// extension host, tunnel) and, when resuming, its reconnection token.
//
// The handshake races three outcomes: completion, a hard timeout, and
// socket loss. Whichever fires first wins exactly once; the losers'
// timers and watchers are always cleaned up.
package handshake
