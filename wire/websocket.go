// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/outpost-dev/outpost/lib/netutil"
)

// Compile-time interface check.
var _ Socket = (*WebSocketSocket)(nil)

// maxMessageSize caps an assembled WebSocket message. 16 MiB is far
// beyond anything the protocol layer sends.
const maxMessageSize = 16 * 1024 * 1024

// rsv1 is the per-message-compressed bit.
var rsv1 = ws.Rsv(true, false, false)

// WebSocketOptions configures a server-side WebSocket adapter.
type WebSocketOptions struct {
	// PermessageDeflate enables RFC 7692 compression with context
	// takeover in both directions.
	PermessageDeflate bool

	// ReplayBytes is raw pre-handoff stream data replayed through
	// the frame parser with output discarded. Rebuilds the
	// decompression window and parser position for the child side of
	// a socket handoff.
	ReplayBytes []byte

	// Residue is raw data that arrived bundled with the HTTP
	// upgrade, delivered normally once the socket starts.
	Residue []byte

	// Logger receives structured log output; nil means
	// slog.Default().
	Logger *slog.Logger
}

// WebSocketSocket adapts an upgraded server-side WebSocket connection.
// Frames are parsed from an internal buffer so that a read pause
// always lands on a recorded position, never silently mid-frame.
//
// When compression is on, every raw incoming byte is recorded for the
// life of the socket: the recording is the only state from which a
// child process can resume the shared decompression context (a fresh
// inflater must see all prior compressed bytes before its
// backreferences resolve). The cost grows with connection lifetime and
// is bounded in practice by the reconnection protocol's session churn.
type WebSocketSocket struct {
	conn    net.Conn
	traceID string
	logger  *slog.Logger

	queue *writeQueue
	gate  *readGate

	writeMu    sync.Mutex
	writeFlate *FlateState // nil when compression is off

	parser   *frameParser
	compress bool
	recorded []byte // raw incoming stream; only kept when compress
	residue  []byte

	callbackMu sync.Mutex
	dataFn     func([]byte)
	closeFn    func(error)

	startOnce sync.Once
	closeOnce sync.Once
}

// NewWebSocketSocket wraps an already-upgraded connection.
func NewWebSocketSocket(conn net.Conn, options WebSocketOptions) (*WebSocketSocket, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebSocketSocket{
		conn:     conn,
		traceID:  uuid.NewString(),
		logger:   logger,
		gate:     newReadGate(),
		compress: options.PermessageDeflate,
		residue:  options.Residue,
	}
	s.parser = newFrameParser(options.PermessageDeflate)
	if options.PermessageDeflate {
		s.writeFlate = &FlateState{}
	}
	s.queue = newWriteQueue(
		func(p []byte) error {
			_, err := conn.Write(p)
			return err
		},
		func() { halfClose(conn) },
		func(err error) { s.fireClose(err) },
	)

	if len(options.ReplayBytes) > 0 {
		// Replay pre-handoff bytes to rebuild parser and inflater
		// state. Output is discarded: the parent delivered it (or
		// snapshotted it into the handoff's initial data chunk).
		if _, _, err := s.parser.feed(options.ReplayBytes); err != nil {
			return nil, fmt.Errorf("wire: replaying handoff bytes: %w", err)
		}
		if s.compress {
			s.recorded = append(s.recorded, options.ReplayBytes...)
		}
	}
	return s, nil
}

func (s *WebSocketSocket) TraceID() string   { return s.traceID }
func (s *WebSocketSocket) NetConn() net.Conn { return s.conn }

func (s *WebSocketSocket) OnData(f func([]byte)) {
	s.callbackMu.Lock()
	s.dataFn = f
	s.callbackMu.Unlock()
}

func (s *WebSocketSocket) OnClose(f func(error)) {
	s.callbackMu.Lock()
	s.closeFn = f
	s.callbackMu.Unlock()
}

func (s *WebSocketSocket) OnDrain(f func()) { s.queue.setDrain(f) }

// Drain blocks until queued writes have flushed; see Socket.
func (s *WebSocketSocket) Drain() { s.queue.waitEmpty() }

// Start launches the pumps. Residue from the HTTP upgrade is parsed
// and delivered before any socket reads. Safe to call again when a
// socket changes owners; only the first call has any effect.
func (s *WebSocketSocket) Start() {
	s.startOnce.Do(func() {
		s.queue.start()
		go s.readPump()
	})
}

func (s *WebSocketSocket) readPump() {
	if len(s.residue) > 0 {
		residue := s.residue
		s.residue = nil
		if !s.consume(residue) {
			return
		}
	}

	buffer := make([]byte, 32*1024)
	for {
		s.gate.waitResume()
		n, err := s.conn.Read(buffer)
		if n > 0 {
			if !s.consume(buffer[:n]) {
				return
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

// consume feeds raw bytes through the frame parser, answers control
// frames, and delivers complete messages. Returns false when the
// socket should stop reading (close frame or protocol error).
func (s *WebSocketSocket) consume(raw []byte) bool {
	if s.compress {
		s.recorded = append(s.recorded, raw...)
	}
	messages, closed, err := s.parser.feed(raw)
	if err != nil {
		s.logger.Error("websocket frame error", "socket", s.traceID, "error", err)
		s.conn.Close()
		s.fireClose(err)
		return false
	}
	for _, pong := range s.parser.takePongs() {
		s.enqueueFrame(pong)
	}
	s.callbackMu.Lock()
	dataFn := s.dataFn
	s.callbackMu.Unlock()
	for _, message := range messages {
		if dataFn != nil {
			dataFn(message)
		}
	}
	if closed {
		s.enqueueFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		s.queue.end()
		s.fireClose(nil)
		return false
	}
	return true
}

// Write deflates (when negotiated) and frames p as one binary message.
func (s *WebSocketSocket) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload := p
	var rsv byte
	if s.writeFlate != nil {
		compressed, err := s.writeFlate.Deflate(p)
		if err != nil {
			return err
		}
		payload = compressed
		rsv = rsv1
	}
	frame := ws.NewBinaryFrame(payload)
	frame.Header.Rsv = rsv
	if !s.enqueueFrame(frame) {
		return fmt.Errorf("wire: write on closed socket %s", s.traceID)
	}
	return nil
}

// enqueueFrame serializes a frame and queues its bytes.
func (s *WebSocketSocket) enqueueFrame(frame ws.Frame) bool {
	var buffer bytes.Buffer
	if err := ws.WriteFrame(&buffer, frame); err != nil {
		return false
	}
	return s.queue.enqueue(buffer.Bytes())
}

// End sends a close frame, then half-closes once writes flush.
func (s *WebSocketSocket) End() {
	s.enqueueFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	s.queue.end()
}

// Close tears the connection down immediately. A read pump parked by
// PauseReads is released so it can observe the close and exit.
func (s *WebSocketSocket) Close() error {
	s.queue.close()
	err := s.conn.Close()
	s.gate.resume()
	return err
}

// PauseReads parks the read pump; see Socket.
func (s *WebSocketSocket) PauseReads() {
	s.gate.pause(func() { s.conn.SetReadDeadline(pastDeadline()) })
}

// ResumeReads restarts the read pump.
func (s *WebSocketSocket) ResumeReads() {
	s.conn.SetReadDeadline(noDeadline)
	s.gate.resume()
}

// HandoffState snapshots framing and compression state. Only valid
// while reads are paused.
func (s *WebSocketSocket) HandoffState() HandoffState {
	state := HandoffState{PermessageDeflate: s.compress}
	if s.compress {
		state.InflateBytes = append([]byte(nil), s.recorded...)
	} else {
		state.InflateBytes = s.parser.remainder()
	}
	return state
}

// File duplicates the underlying descriptor.
func (s *WebSocketSocket) File() (*os.File, error) {
	return connFile(s.conn)
}

func (s *WebSocketSocket) fireClose(err error) {
	s.closeOnce.Do(func() {
		s.callbackMu.Lock()
		closeFn := s.closeFn
		s.callbackMu.Unlock()
		if closeFn != nil {
			closeFn(err)
		}
	})
}

// frameParser extracts complete WebSocket messages from an incoming
// byte stream. Partial frames stay in the buffer, so the consumed
// position is always a frame boundary plus a known remainder.
type frameParser struct {
	buffer []byte

	assembling bool
	compressed bool
	fragments  []byte

	flate *FlateState // receive direction; nil when compression off

	pongs []ws.Frame
}

func newFrameParser(permessageDeflate bool) *frameParser {
	p := &frameParser{}
	if permessageDeflate {
		p.flate = &FlateState{}
	}
	return p
}

// feed appends raw bytes and extracts every complete message. Returns
// the messages in order and whether a close frame was seen.
func (p *frameParser) feed(raw []byte) (messages [][]byte, closed bool, err error) {
	p.buffer = append(p.buffer, raw...)

	for {
		reader := bytes.NewReader(p.buffer)
		frame, readErr := ws.ReadFrame(reader)
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return messages, false, nil
		}
		if readErr != nil {
			return messages, false, fmt.Errorf("wire: read frame: %w", readErr)
		}
		p.buffer = p.buffer[len(p.buffer)-reader.Len():]

		if frame.Header.Masked {
			frame = ws.UnmaskFrame(frame)
		}

		switch frame.Header.OpCode {
		case ws.OpPing:
			p.pongs = append(p.pongs, ws.NewPongFrame(frame.Payload))
			continue
		case ws.OpPong:
			continue
		case ws.OpClose:
			return messages, true, nil
		case ws.OpText, ws.OpBinary:
			if p.flate == nil {
				// The consumer is a byte-stream protocol; without
				// compression there is nothing to assemble, and
				// per-frame delivery keeps the handoff remainder
				// equal to the unparsed buffer.
				if frame.Header.Rsv&rsv1 != 0 {
					return messages, false, fmt.Errorf("wire: compressed frame without negotiated compression")
				}
				messages = append(messages, append([]byte(nil), frame.Payload...))
				continue
			}
			if p.assembling {
				return messages, false, fmt.Errorf("wire: new message before previous finished")
			}
			p.assembling = true
			p.compressed = frame.Header.Rsv&rsv1 != 0
			p.fragments = append(p.fragments[:0], frame.Payload...)
		case ws.OpContinuation:
			if p.flate == nil {
				messages = append(messages, append([]byte(nil), frame.Payload...))
				continue
			}
			if !p.assembling {
				return messages, false, fmt.Errorf("wire: continuation without a message")
			}
			p.fragments = append(p.fragments, frame.Payload...)
		default:
			return messages, false, fmt.Errorf("wire: unsupported opcode %v", frame.Header.OpCode)
		}

		if len(p.fragments) > maxMessageSize {
			return messages, false, fmt.Errorf("wire: message exceeds %d bytes", maxMessageSize)
		}
		if !frame.Header.Fin {
			continue
		}

		p.assembling = false
		payload := append([]byte(nil), p.fragments...)
		if p.compressed {
			payload, err = p.flate.Inflate(payload)
			if err != nil {
				return messages, false, err
			}
		}
		messages = append(messages, payload)
	}
}

// takePongs returns and clears pending pong responses.
func (p *frameParser) takePongs() []ws.Frame {
	pongs := p.pongs
	p.pongs = nil
	return pongs
}

// remainder returns a copy of the unparsed partial-frame bytes.
func (p *frameParser) remainder() []byte {
	return append([]byte(nil), p.buffer...)
}
