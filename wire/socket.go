// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Socket is the uniform adapter over a bidirectional byte transport.
// The persistent protocol layer speaks only to this interface; whether
// bytes travel as raw stream data or WebSocket frames is the
// implementation's concern.
//
// Callback registration (OnData, OnClose, OnDrain) must happen before
// Start. Start launches the read and write pumps; data callbacks are
// invoked sequentially from a single goroutine, preserving arrival
// order.
type Socket interface {
	// Write queues p for transmission. Returns an error only if the
	// socket is already closed; transport write failures surface via
	// OnClose.
	Write(p []byte) error

	// End half-closes the write side after all queued writes flush.
	// Reads continue until the peer closes its side.
	End()

	// Close tears the socket down immediately, discarding queued
	// writes.
	Close() error

	// OnData registers the data-arrival callback.
	OnData(f func(p []byte))

	// OnClose registers the close callback. err is nil for an
	// orderly close and non-nil for an abnormal one.
	OnClose(f func(err error))

	// OnDrain registers the backpressure callback, invoked each time
	// the write queue empties after having been non-empty.
	OnDrain(f func())

	// Drain blocks until every queued write has reached the transport
	// or the socket closes. Tunnel setup uses it to flush the last
	// framed message before raw bytes take over the connection.
	Drain()

	// Start launches the socket's pumps. Call exactly once, after
	// callback registration.
	Start()

	// PauseReads parks the read pump. It returns only once the pump
	// is parked and no further OnData callback will fire, so a
	// snapshot taken afterwards (buffered bytes, handoff state) is
	// consistent. Unread bytes stay in the kernel buffer and travel
	// with the file descriptor on handoff.
	PauseReads()

	// ResumeReads restarts a parked read pump.
	ResumeReads()

	// TraceID identifies this socket in logs.
	TraceID() string

	// NetConn exposes the underlying connection.
	NetConn() net.Conn

	// HandoffState snapshots the transport parameters a child
	// process needs to resume framing this socket.
	HandoffState() HandoffState

	// File duplicates the socket's file descriptor for handoff to a
	// child process. Caller owns the returned file.
	File() (*os.File, error)
}

// HandoffState captures the transport-layer parameters that must cross
// the process boundary during a child handoff.
//
// InflateBytes exists because a streaming decompressor's state cannot
// be split across instances: a DEFLATE backreference may point before
// any window a fresh decompressor starts with. The child replays these
// bytes through a fresh frame parser and decompressor, discarding the
// decoded output (the parent already delivered or snapshotted it),
// which rebuilds the compression window and leaves any trailing
// partial frame in the parser buffer. After that the kernel's unread
// bytes continue the stream seamlessly.
type HandoffState struct {
	// SkipFraming is true for raw stream sockets (no WebSocket
	// framing).
	SkipFraming bool

	// PermessageDeflate is true when WebSocket compression was
	// negotiated.
	PermessageDeflate bool

	// InflateBytes is the raw incoming byte stream to replay. With
	// compression on this is every raw byte received on the socket;
	// without compression only the unparsed frame remainder. Nil for
	// raw sockets.
	InflateBytes []byte
}

// noDeadline clears a connection's read deadline.
var noDeadline time.Time

// pastDeadline returns a deadline in the past, used to kick a pump
// out of a blocking read.
func pastDeadline() time.Time { return time.Unix(1, 0) }

// isPauseKick reports whether err is the deadline error produced by a
// PauseReads kick.
func isPauseKick(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readGate lets PauseReads park a read pump at a quiescent point. The
// pump calls waitResume at the top of its loop; pause kicks the pump
// out of a blocking read (via a read deadline) and waits until it
// parks.
type readGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	parked bool
}

func newReadGate() *readGate {
	g := &readGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// waitResume parks the calling pump while the gate is paused.
func (g *readGate) waitResume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.parked = true
	g.cond.Broadcast()
	for g.paused {
		g.cond.Wait()
	}
	g.parked = false
	g.cond.Broadcast()
}

// pausedNow reports whether a pause is pending; the pump uses it to
// swallow the deadline error produced by the kick.
func (g *readGate) pausedNow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// pause blocks until the pump is parked. kick interrupts a blocking
// read; it runs once, without the gate lock held.
func (g *readGate) pause(kick func()) {
	g.mu.Lock()
	if g.paused {
		for !g.parked {
			g.cond.Wait()
		}
		g.mu.Unlock()
		return
	}
	g.paused = true
	g.mu.Unlock()

	kick()

	g.mu.Lock()
	for !g.parked {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// resume releases a parked pump.
func (g *readGate) resume() {
	g.mu.Lock()
	g.paused = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// writeQueue serializes socket writes through one pump goroutine and
// reports drain transitions. Both socket implementations embed it.
type writeQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  [][]byte
	started  bool
	inflight bool
	ended    bool
	closed   bool
	wasBusy  bool
	drainFn  func()
	writeFn  func(p []byte) error // transport-specific single write
	endFn    func()               // transport-specific half-close
	failedFn func(err error)
}

func newWriteQueue(write func([]byte) error, end func(), failed func(error)) *writeQueue {
	q := &writeQueue{writeFn: write, endFn: end, failedFn: failed}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *writeQueue) setDrain(f func()) {
	q.mu.Lock()
	q.drainFn = f
	q.mu.Unlock()
}

// enqueue copies p onto the queue. Returns false if the queue is
// closed or ended.
func (q *writeQueue) enqueue(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.ended {
		return false
	}
	buffered := make([]byte, len(p))
	copy(buffered, p)
	q.pending = append(q.pending, buffered)
	q.wasBusy = true
	q.cond.Broadcast()
	return true
}

// end marks the queue for half-close once drained.
func (q *writeQueue) end() {
	q.mu.Lock()
	q.ended = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close discards pending writes and stops the pump.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// start marks the queue live and launches the pump. The flag is set
// before the goroutine exists so that a waitEmpty racing the pump's
// first scheduling still waits for writes queued earlier.
func (q *writeQueue) start() {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	go q.pump()
}

// waitEmpty blocks until the pump has written every queued byte to the
// transport, or the queue closes. Returns immediately when the queue
// was never started, since nothing will ever flush it.
func (q *writeQueue) waitEmpty() {
	q.mu.Lock()
	for q.started && (len(q.pending) > 0 || q.inflight) && !q.closed {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// pump is the write loop. Runs until close or a transport failure.
func (q *writeQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed && !q.ended {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			// Ended with nothing left to flush.
			q.mu.Unlock()
			q.endFn()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight = true
		drained := len(q.pending) == 0 && q.wasBusy
		if drained {
			q.wasBusy = false
		}
		drainFn := q.drainFn
		q.mu.Unlock()

		err := q.writeFn(next)

		q.mu.Lock()
		q.inflight = false
		q.cond.Broadcast()
		q.mu.Unlock()

		if err != nil {
			q.close()
			if q.failedFn != nil {
				q.failedFn(err)
			}
			return
		}
		if drained && drainFn != nil {
			drainFn()
		}
	}
}
