// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import "net"

// Bridge copies bytes bidirectionally between two connections until
// either direction finishes, then closes both. Used by tunnel
// connections, where the host forwards raw bytes between the client
// socket and a local port without interpreting them.
func Bridge(a, b net.Conn) {
	done := make(chan struct{}, 2)

	copyDirection := func(dst, src net.Conn) {
		buffer := make([]byte, 32*1024)
		for {
			n, readErr := src.Read(buffer)
			if n > 0 {
				if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
					break
				}
			}
			if readErr != nil {
				break
			}
		}
		done <- struct{}{}
	}

	go copyDirection(a, b)
	go copyDirection(b, a)

	// One direction finishing means the conversation is over; close
	// both to unblock the other copier.
	<-done
	a.Close()
	b.Close()
	<-done
}
