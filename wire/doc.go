// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire adapts raw byte transports behind a uniform Socket
// interface consumed by the persistent protocol layer. Two transports
// exist: plain stream connections (TCP or Unix, no framing) and
// WebSocket connections (gobwas/ws frames, optional permessage-deflate
// with context takeover).
//
// The adapter is deliberately introspectable: a live socket can report
// its framing mode, its compression dictionary, and a duplicate of its
// file descriptor. The bridge package uses this to hand a mid-stream
// socket to a child process that resumes the protocol transparently.
//
//   - socket.go: the Socket interface and write-queue machinery
//   - netsocket.go: raw stream transport
//   - websocket.go: WebSocket frame transport
//   - flate.go: permessage-deflate sliding-window state
//   - upgrade.go: HTTP upgrade with permessage-deflate negotiation
package wire
