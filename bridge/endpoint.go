// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/outpost-dev/outpost/wire"
)

// ChannelFD is the file descriptor number the parent maps the IPC
// channel to in the child.
const ChannelFD = 3

// ErrTerminated reports that the parent asked the child to exit.
var ErrTerminated = errors.New("bridge: parent requested termination")

// Endpoint is the child-process side of the bridge channel.
type Endpoint struct {
	channel *ipcConn
	logger  *slog.Logger
}

// FromEnvironment opens the channel the parent installed as fd 3.
func FromEnvironment(logger *slog.Logger) (*Endpoint, error) {
	file := os.NewFile(uintptr(ChannelFD), "bridge-channel")
	if file == nil {
		return nil, fmt.Errorf("bridge: fd %d is not open", ChannelFD)
	}
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("bridge: opening channel on fd %d: %w", ChannelFD, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("bridge: channel is %T, want *net.UnixConn", conn)
	}
	return NewEndpoint(unixConn, logger), nil
}

// NewEndpoint wraps an existing channel connection.
func NewEndpoint(conn *net.UnixConn, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{channel: newIPCConn(conn), logger: logger}
}

// SendReady announces that the child can accept sockets.
func (e *Endpoint) SendReady() error {
	return e.channel.writeMessage(ipcMessage{Type: messageTypeReady}, -1)
}

// SendConsole forwards a console line to the parent's log.
func (e *Endpoint) SendConsole(severity, message string) error {
	return e.channel.writeMessage(ipcMessage{
		Type:     messageTypeConsole,
		Severity: severity,
		Message:  message,
	}, -1)
}

// SendDisconnected tells the parent the client socket dropped, so the
// parent can start the reconnection grace period.
func (e *Endpoint) SendDisconnected() error {
	return e.channel.writeMessage(ipcMessage{Type: messageTypeDisconnected}, -1)
}

// Handoff is one received client socket plus the state needed to
// resume its stream.
type Handoff struct {
	// Conn is the client connection rebuilt from the received
	// descriptor.
	Conn net.Conn

	// InitialData is protocol data the parent buffered but never
	// delivered; feed it to the protocol ahead of socket reads.
	InitialData []byte

	// SkipFraming is true for raw stream connections.
	SkipFraming bool

	// PermessageDeflate is true when WebSocket compression was
	// negotiated.
	PermessageDeflate bool

	// InflateBytes is the raw stream prefix to replay through a fresh
	// frame parser; see wire.HandoffState.
	InflateBytes []byte
}

// Socket rebuilds the wire adapter for the handed-off connection,
// replaying recorded stream state so framing and decompression resume
// exactly where the parent stopped.
func (h *Handoff) Socket(logger *slog.Logger) (wire.Socket, error) {
	if h.SkipFraming {
		return wire.NewNetSocket(h.Conn, logger), nil
	}
	return wire.NewWebSocketSocket(h.Conn, wire.WebSocketOptions{
		PermessageDeflate: h.PermessageDeflate,
		ReplayBytes:       h.InflateBytes,
		Logger:            logger,
	})
}

// Receive blocks until the parent ships a socket. Returns
// ErrTerminated when the parent asks the child to exit, and the
// channel read error (io.EOF after an orderly parent shutdown)
// otherwise.
func (e *Endpoint) Receive() (*Handoff, error) {
	for {
		msg, err := e.channel.readMessage()
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case messageTypeTerminate:
			return nil, ErrTerminated
		case messageTypeSocket:
			fd, ok := e.channel.takeFD()
			if !ok {
				return nil, errors.New("bridge: socket message arrived without a descriptor")
			}
			file := os.NewFile(uintptr(fd), "handoff-socket")
			conn, err := net.FileConn(file)
			file.Close()
			if err != nil {
				return nil, fmt.Errorf("bridge: rebuilding connection from descriptor: %w", err)
			}
			return &Handoff{
				Conn:              conn,
				InitialData:       msg.InitialDataChunk,
				SkipFraming:       msg.SkipFraming,
				PermessageDeflate: msg.PermessageDeflate,
				InflateBytes:      msg.InflateBytes,
			}, nil
		default:
			e.logger.Warn("unexpected bridge message from parent", "type", msg.Type)
		}
	}
}

// Close tears down the channel.
func (e *Endpoint) Close() error {
	return e.channel.close()
}
