// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge hands live client sockets to a child process.
//
// The parent spawns the child with one end of a Unix socketpair as
// file descriptor 3; that descriptor is a private IPC channel carrying
// length-prefixed JSON messages. The child announces readiness. The
// parent then ships each client socket over the channel: the actual
// descriptor via SCM_RIGHTS, plus the framing and compression state
// the child needs to resume the stream exactly where the parent
// stopped. In the other direction the child reports console output
// and client disconnects.
//
// The same channel carries every reconnection: when a dropped client
// comes back, the parent ships the replacement socket to the same
// child rather than restarting it.
//
// [Child] is the parent's handle; [Endpoint] is the child's side of
// the channel.
package bridge
