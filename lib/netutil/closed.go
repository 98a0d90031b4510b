// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small networking helpers shared by the wire,
// bridge, and server layers.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A client that vanishes mid-session produces one of these on
// the host's in-flight read or write; none of them warrant error-level
// logging.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
