// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/outpost-dev/outpost/lib/netutil"
)

// Compile-time interface check.
var _ Socket = (*NetSocket)(nil)

// NetSocket adapts a raw stream connection (TCP or Unix). Bytes pass
// through without framing; chunk boundaries carry no meaning.
type NetSocket struct {
	conn    net.Conn
	traceID string
	logger  *slog.Logger

	queue *writeQueue
	gate  *readGate

	callbackMu sync.Mutex
	dataFn     func([]byte)
	closeFn    func(error)

	startOnce sync.Once
	closeOnce sync.Once
}

// NewNetSocket wraps conn. A nil logger means slog.Default().
func NewNetSocket(conn net.Conn, logger *slog.Logger) *NetSocket {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NetSocket{
		conn:    conn,
		traceID: uuid.NewString(),
		logger:  logger,
		gate:    newReadGate(),
	}
	s.queue = newWriteQueue(
		func(p []byte) error {
			_, err := conn.Write(p)
			return err
		},
		func() { halfClose(conn) },
		func(err error) { s.fireClose(err) },
	)
	return s
}

func (s *NetSocket) TraceID() string   { return s.traceID }
func (s *NetSocket) NetConn() net.Conn { return s.conn }

func (s *NetSocket) OnData(f func([]byte)) {
	s.callbackMu.Lock()
	s.dataFn = f
	s.callbackMu.Unlock()
}

func (s *NetSocket) OnClose(f func(error)) {
	s.callbackMu.Lock()
	s.closeFn = f
	s.callbackMu.Unlock()
}

func (s *NetSocket) OnDrain(f func()) { s.queue.setDrain(f) }

// Drain blocks until queued writes have flushed; see Socket.
func (s *NetSocket) Drain() { s.queue.waitEmpty() }

// Start launches the read and write pumps. Safe to call again when a
// socket changes owners; only the first call has any effect.
func (s *NetSocket) Start() {
	s.startOnce.Do(func() {
		s.queue.start()
		go s.readPump()
	})
}

func (s *NetSocket) readPump() {
	buffer := make([]byte, 32*1024)
	for {
		s.gate.waitResume()
		n, err := s.conn.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			s.callbackMu.Lock()
			dataFn := s.dataFn
			s.callbackMu.Unlock()
			if dataFn != nil {
				dataFn(chunk)
			}
		}
		if err != nil {
			if isPauseKick(err) && s.gate.pausedNow() {
				continue
			}
			if netutil.IsExpectedCloseError(err) {
				s.fireClose(nil)
			} else {
				s.fireClose(err)
			}
			return
		}
	}
}

// PauseReads parks the read pump; see Socket.
func (s *NetSocket) PauseReads() {
	s.gate.pause(func() { s.conn.SetReadDeadline(pastDeadline()) })
}

// ResumeReads restarts the read pump.
func (s *NetSocket) ResumeReads() {
	s.conn.SetReadDeadline(noDeadline)
	s.gate.resume()
}

// Write queues p for transmission.
func (s *NetSocket) Write(p []byte) error {
	if !s.queue.enqueue(p) {
		return fmt.Errorf("wire: write on closed socket %s", s.traceID)
	}
	return nil
}

// End half-closes the write side once queued writes flush.
func (s *NetSocket) End() { s.queue.end() }

// Close tears down the connection. A read pump parked by PauseReads is
// released so it can observe the close and exit.
func (s *NetSocket) Close() error {
	s.queue.close()
	err := s.conn.Close()
	s.gate.resume()
	return err
}

// HandoffState reports raw framing and no compression.
func (s *NetSocket) HandoffState() HandoffState {
	return HandoffState{SkipFraming: true}
}

// File duplicates the underlying descriptor.
func (s *NetSocket) File() (*os.File, error) {
	return connFile(s.conn)
}

func (s *NetSocket) fireClose(err error) {
	s.closeOnce.Do(func() {
		s.callbackMu.Lock()
		closeFn := s.closeFn
		s.callbackMu.Unlock()
		if closeFn != nil {
			closeFn(err)
		}
	})
}

// halfClose shuts down the write side when the transport supports it,
// falling back to a full close.
func halfClose(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

// connFile duplicates a connection's file descriptor. The connection
// stays usable; the caller owns the returned file.
func connFile(conn net.Conn) (*os.File, error) {
	type filer interface{ File() (*os.File, error) }
	if f, ok := conn.(filer); ok {
		return f.File()
	}
	return nil, fmt.Errorf("wire: connection type %T does not expose a file descriptor", conn)
}
