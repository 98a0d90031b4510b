// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
)

// Upgrade hijacks an HTTP request into a server-side WebSocket adapter,
// negotiating permessage-deflate when the client offers it. Any bytes
// the client sent immediately after its handshake are carried over as
// residue and delivered once the socket starts.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*WebSocketSocket, error) {
	extension := wsflate.Extension{}
	upgrader := ws.HTTPUpgrader{
		Negotiate: extension.Negotiate,
	}
	conn, readWriter, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		return nil, fmt.Errorf("wire: websocket upgrade: %w", err)
	}

	var residue []byte
	if readWriter != nil {
		if buffered := readWriter.Reader.Buffered(); buffered > 0 {
			residue = make([]byte, buffered)
			if _, err := readWriter.Reader.Read(residue); err != nil {
				conn.Close()
				return nil, fmt.Errorf("wire: draining upgrade residue: %w", err)
			}
		}
	}

	_, accepted := extension.Accepted()
	socket, err := NewWebSocketSocket(conn, WebSocketOptions{
		PermessageDeflate: accepted,
		Residue:           residue,
		Logger:            logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return socket, nil
}
