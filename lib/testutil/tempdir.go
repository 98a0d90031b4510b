// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// SocketDir returns a short-lived directory suitable for Unix socket
// paths. t.TempDir can exceed the 108-byte sun_path limit on deeply
// nested test names, so sockets go under os.MkdirTemp("", ...) with a
// cleanup hook instead.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("", "outpost-sock-")
	if err != nil {
		t.Fatalf("SocketDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	return directory
}
