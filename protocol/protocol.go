// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/wire"
)

// Config configures a Protocol.
type Config struct {
	// Socket is the transport adapter. The protocol owns it from
	// Start onward.
	Socket wire.Socket

	// Clock drives the keep-alive ticker. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger

	// KeepAliveInterval is the spacing of keep-alive frames. Zero
	// disables them.
	KeepAliveInterval time.Duration

	// InitialData is stream data that arrived before this protocol
	// existed (a handoff's buffered bytes). Parsed ahead of anything
	// the socket produces.
	InitialData []byte
}

// Protocol frames messages over a swappable wire.Socket. One instance
// represents one end of a logical session and outlives individual
// transports.
//
// Delivery runs on a single logical thread of control: socket data
// callbacks arrive from one goroutine, and the deliver loop is
// single-flight, so handlers observe messages strictly in arrival
// order with control messages ahead of later regular ones.
type Protocol struct {
	mu     sync.Mutex
	socket wire.Socket
	clk    clock.Clock
	logger *slog.Logger

	reader     messageReader
	paused     bool
	swapping   bool
	delivering bool

	nextSendID      uint32
	outgoing        []message // unacknowledged regular messages, ID order
	heldWrites      [][]byte  // encoded regular frames held while the peer is paused
	lastDeliveredID uint32
	remotePaused    bool

	onMessage     func([]byte)
	onControl     func([]byte)
	onDisconnect  func()
	closeWatchers map[int]func(error)
	nextWatcherID int

	keepAlive         *clock.Ticker
	keepAliveInterval time.Duration
	keepAliveDone     chan struct{}

	started   bool
	destroyed bool
	disposed  bool
}

// New wires a Protocol to its socket without starting delivery. Set
// handlers, then call Start.
func New(cfg Config) *Protocol {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		socket:            cfg.Socket,
		clk:               clk,
		logger:            logger,
		closeWatchers:     make(map[int]func(error)),
		keepAliveInterval: cfg.KeepAliveInterval,
	}
	p.reader.append(cfg.InitialData)
	p.attachSocket(cfg.Socket)
	return p
}

// attachSocket registers protocol callbacks on a socket. The closures
// capture the socket so that events from a socket that has since been
// swapped out are ignored.
func (p *Protocol) attachSocket(socket wire.Socket) {
	socket.OnData(func(chunk []byte) { p.handleData(socket, chunk) })
	socket.OnClose(func(err error) { p.handleSocketClose(socket, err) })
}

// Start launches the socket pumps. Call once, after registering
// handlers.
func (p *Protocol) Start() {
	p.mu.Lock()
	if p.started || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.started = true
	socket := p.socket
	if p.keepAliveInterval > 0 {
		p.keepAlive = p.clk.NewTicker(p.keepAliveInterval)
		p.keepAliveDone = make(chan struct{})
		go p.keepAliveLoop(p.keepAlive, p.keepAliveDone)
	}
	p.mu.Unlock()
	socket.Start()
}

func (p *Protocol) keepAliveLoop(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if !p.destroyed && !p.disposed {
				p.writeLocked(message{Type: MessageTypeKeepAlive})
			}
			p.mu.Unlock()
		case <-done:
			return
		}
	}
}

// OnMessage registers the application payload handler. Buffered
// messages begin flowing as soon as a handler exists.
func (p *Protocol) OnMessage(f func(payload []byte)) {
	p.mu.Lock()
	p.onMessage = f
	p.mu.Unlock()
	p.deliver()
}

// OnControl registers the control payload handler.
func (p *Protocol) OnControl(f func(payload []byte)) {
	p.mu.Lock()
	p.onControl = f
	p.mu.Unlock()
	p.deliver()
}

// OnDisconnect registers a handler for the peer's orderly-shutdown
// message.
func (p *Protocol) OnDisconnect(f func()) {
	p.mu.Lock()
	p.onDisconnect = f
	p.mu.Unlock()
}

// OnSocketClose registers a watcher for transport loss on the current
// socket. Returns a removal function; watchers survive socket swaps.
func (p *Protocol) OnSocketClose(f func(err error)) (remove func()) {
	p.mu.Lock()
	id := p.nextWatcherID
	p.nextWatcherID++
	p.closeWatchers[id] = f
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.closeWatchers, id)
		p.mu.Unlock()
	}
}

// SocketCloseWatcherCount reports registered close watchers. Tests use
// it to assert handshake cleanup.
func (p *Protocol) SocketCloseWatcherCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closeWatchers)
}

// Send frames payload as a regular message. Ordering relative to other
// Send calls is guaranteed; delivery across a socket replacement is
// guaranteed by the acknowledgement queue and replay.
func (p *Protocol) Send(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.disposed {
		return
	}
	p.nextSendID++
	m := message{Type: MessageTypeRegular, ID: p.nextSendID, Payload: payload}
	p.outgoing = append(p.outgoing, m)
	encoded := encodeMessage(m)
	if p.remotePaused {
		p.heldWrites = append(p.heldWrites, encoded)
		return
	}
	p.writeEncodedLocked(encoded)
}

// SendControl frames payload as a control message. Control traffic is
// never queued for replay and bypasses peer pause, so handshake and
// reconnection management always flow.
func (p *Protocol) SendControl(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.disposed {
		return
	}
	p.writeLocked(message{Type: MessageTypeControl, Payload: payload})
}

// Pause stops delivering regular messages and asks the peer to hold
// regular traffic. Control messages keep flowing in both directions;
// already-received regular frames accumulate in the incoming buffer
// for ReadEntireBuffer.
func (p *Protocol) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.writeLocked(message{Type: MessageTypePause})
}

// Resume restarts delivery and lifts the peer-side pause.
func (p *Protocol) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	p.writeLocked(message{Type: MessageTypeResume})
	p.mu.Unlock()
	p.deliver()
}

// ReadEntireBuffer drains and returns every buffered-but-undelivered
// incoming byte. Used to snapshot protocol state for a handoff.
func (p *Protocol) ReadEntireBuffer() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reader.drain()
}

// GetSocket returns the currently attached socket.
func (p *Protocol) GetSocket() wire.Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket
}

// BeginAcceptReconnection attaches a replacement socket. initialData
// holds bytes the new socket's handshake layer consumed before the
// handoff; they are queued ahead of anything the socket produces. No
// delivery happens until EndAcceptReconnection.
func (p *Protocol) BeginAcceptReconnection(newSocket wire.Socket, initialData []byte) {
	p.mu.Lock()
	p.swapping = true
	old := p.socket
	p.socket = newSocket
	p.reader.append(initialData)
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	p.attachSocket(newSocket)
	newSocket.Start()
}

// EndAcceptReconnection finalizes the swap: every unacknowledged
// regular message is replayed on the new socket (the receiver drops
// duplicates by ID), then delivery resumes.
func (p *Protocol) EndAcceptReconnection() {
	p.mu.Lock()
	p.swapping = false
	p.remotePaused = false
	p.heldWrites = nil
	for _, m := range p.outgoing {
		p.writeLocked(m)
	}
	p.mu.Unlock()
	p.deliver()
}

// Destroy tears the protocol down. A non-empty reason is sent to the
// peer as an error control message, followed by a disconnect message,
// before the socket closes. This is best-effort notification; write
// failures during teardown are logged, not returned.
func (p *Protocol) Destroy(reason string) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	socket := p.socket
	if reason != "" {
		payload, err := json.Marshal(struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}{Type: "error", Reason: reason})
		if err == nil {
			p.writeLocked(message{Type: MessageTypeControl, Payload: payload})
		}
	}
	p.writeLocked(message{Type: MessageTypeDisconnect})
	p.stopKeepAliveLocked()
	p.mu.Unlock()

	if socket != nil {
		// Give the farewell messages a chance to reach the wire before
		// the close discards the queue.
		socket.Drain()
		socket.Close()
	}
}

// Dispose detaches a protocol that lost its socket to a reconnection
// swap: handlers are cleared and timers stopped, but the socket (now
// owned by another protocol or process) is left alone.
func (p *Protocol) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.destroyed {
		return
	}
	p.disposed = true
	p.onMessage = nil
	p.onControl = nil
	p.onDisconnect = nil
	p.closeWatchers = make(map[int]func(error))
	p.stopKeepAliveLocked()
}

func (p *Protocol) stopKeepAliveLocked() {
	if p.keepAlive != nil {
		p.keepAlive.Stop()
		close(p.keepAliveDone)
		p.keepAlive = nil
	}
}

// handleData is the socket data callback.
func (p *Protocol) handleData(from wire.Socket, chunk []byte) {
	p.mu.Lock()
	if p.socket != from {
		p.mu.Unlock()
		return
	}
	p.reader.append(chunk)
	p.mu.Unlock()
	p.deliver()
}

// handleSocketClose is the socket close callback. Close events from a
// superseded socket are dropped; only the current transport's loss
// reaches the watchers.
func (p *Protocol) handleSocketClose(from wire.Socket, err error) {
	p.mu.Lock()
	if p.socket != from {
		p.mu.Unlock()
		return
	}
	watchers := make([]func(error), 0, len(p.closeWatchers))
	for _, w := range p.closeWatchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()
	for _, w := range watchers {
		w(err)
	}
}

// deliver is the single-flight dispatch loop. It parses complete
// frames in order and hands them to the registered handlers; control
// frames always dispatch before regular frames parsed after them.
func (p *Protocol) deliver() {
	p.mu.Lock()
	if p.delivering {
		p.mu.Unlock()
		return
	}
	p.delivering = true

	for {
		if p.swapping || p.destroyed || p.disposed {
			break
		}
		m, ok, err := p.reader.peek()
		if err != nil {
			p.logger.Error("protocol stream corrupt", "error", err)
			socket := p.socket
			p.destroyed = true
			p.stopKeepAliveLocked()
			p.mu.Unlock()
			if socket != nil {
				socket.Close()
			}
			p.mu.Lock()
			break
		}
		if !ok {
			break
		}
		if p.paused && m.Type != MessageTypeControl {
			// A local pause holds everything except control traffic,
			// which must flow for handshake and reconnection
			// management.
			break
		}

		switch m.Type {
		case MessageTypeControl:
			handler := p.onControl
			if handler == nil {
				// Hold the queue until a handler registers; regular
				// messages behind this one wait too.
				goto done
			}
			payload := append([]byte(nil), m.Payload...)
			p.reader.consume()
			p.mu.Unlock()
			handler(payload)
			p.mu.Lock()

		case MessageTypeRegular:
			if m.ID <= p.lastDeliveredID {
				// Replay duplicate; re-acknowledge and drop.
				p.reader.consume()
				p.writeLocked(message{Type: MessageTypeAck, Ack: p.lastDeliveredID})
				continue
			}
			handler := p.onMessage
			if handler == nil {
				goto done
			}
			payload := append([]byte(nil), m.Payload...)
			p.reader.consume()
			p.lastDeliveredID = m.ID
			p.writeLocked(message{Type: MessageTypeAck, Ack: p.lastDeliveredID})
			p.mu.Unlock()
			handler(payload)
			p.mu.Lock()

		case MessageTypeAck:
			p.reader.consume()
			p.pruneOutgoingLocked(m.Ack)

		case MessageTypeKeepAlive:
			p.reader.consume()

		case MessageTypeDisconnect:
			p.reader.consume()
			handler := p.onDisconnect
			if handler != nil {
				p.mu.Unlock()
				handler()
				p.mu.Lock()
			}

		case MessageTypePause:
			p.reader.consume()
			p.remotePaused = true

		case MessageTypeResume:
			p.reader.consume()
			p.remotePaused = false
			for _, encoded := range p.heldWrites {
				p.writeEncodedLocked(encoded)
			}
			p.heldWrites = nil

		case MessageTypeReplayRequest:
			p.reader.consume()
			for _, unacked := range p.outgoing {
				p.writeLocked(unacked)
			}

		default:
			p.logger.Error("unknown protocol message type", "type", m.Type)
			p.reader.consume()
		}
	}

done:
	p.delivering = false
	p.mu.Unlock()
}

// pruneOutgoingLocked drops acknowledged messages from the replay
// queue.
func (p *Protocol) pruneOutgoingLocked(ack uint32) {
	kept := p.outgoing[:0]
	for _, m := range p.outgoing {
		if m.ID > ack {
			kept = append(kept, m)
		}
	}
	p.outgoing = kept
}

func (p *Protocol) writeLocked(m message) {
	p.writeEncodedLocked(encodeMessage(m))
}

func (p *Protocol) writeEncodedLocked(encoded []byte) {
	if p.socket == nil {
		return
	}
	if err := p.socket.Write(encoded); err != nil {
		p.logger.Debug("protocol write on closed socket", "error", err)
	}
}
