// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-dev/outpost/handshake"
	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/protocol"
)

// Config configures a generic IPC session.
type Config struct {
	// Token is the reconnection token identifying this session.
	Token string

	// Protocol is the persistent protocol the session retains across
	// transport churn.
	Protocol *protocol.Protocol

	// Clock stamps offline transitions. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger

	// OnOffline fires when the session's socket drops. The registry
	// uses it to start the grace period.
	OnOffline func(err error)
}

// Session is one generic IPC session. It owns a persistent protocol
// and swaps replacement sockets into it as the client reconnects.
type Session struct {
	token  string
	proto  *protocol.Protocol
	clk    clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	offlineSince  time.Time
	offline       bool
	disposed      bool
	closeFns      []func()
	offlineFn     func(error)
	removeWatcher func()
}

// New builds a session around an established protocol and starts
// watching its socket.
func New(cfg Config) *Session {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		token:     cfg.Token,
		proto:     cfg.Protocol,
		clk:       clk,
		logger:    logger.With("session", cfg.Token),
		offlineFn: cfg.OnOffline,
	}
	s.removeWatcher = s.proto.OnSocketClose(func(err error) { s.SetOffline(err) })
	return s
}

// Token returns the session's reconnection token.
func (s *Session) Token() string { return s.token }

// Protocol returns the session's persistent protocol.
func (s *Session) Protocol() *protocol.Protocol { return s.proto }

// Online reports whether a live socket is attached.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline && !s.disposed
}

// SetOffline records the loss of the session's socket. Idempotent; the
// first call stamps offlineSince and notifies the registry. The
// session stays addressable by its token.
func (s *Session) SetOffline(err error) {
	s.mu.Lock()
	if s.disposed || s.offline {
		s.mu.Unlock()
		return
	}
	s.offline = true
	s.offlineSince = s.clk.Now()
	offlineFn := s.offlineFn
	s.mu.Unlock()

	s.logger.Info("session offline", "error", err)
	if offlineFn != nil {
		offlineFn(err)
	}
}

// Resume swaps the reconnecting client's socket into the retained
// protocol. The incoming protocol carried only the handshake; its
// socket and any bytes it buffered move to this session, and the
// leftover shell is disposed.
//
// The peer is told the reconnection succeeded (the ok message) before
// any queued replay, so the client always observes ok first.
func (s *Session) Resume(incoming *protocol.Protocol) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.offline = false
	s.offlineSince = time.Time{}
	s.mu.Unlock()

	socket := incoming.GetSocket()
	socket.PauseReads()
	initialData := incoming.ReadEntireBuffer()
	incoming.Dispose()

	s.proto.BeginAcceptReconnection(socket, initialData)
	s.proto.SendControl(handshake.OKMessage())
	socket.ResumeReads()
	s.proto.EndAcceptReconnection()

	s.logger.Info("session resumed", "socket", socket.TraceID())
	return nil
}

// Dispose ends the session: the protocol is destroyed (sending reason
// to the peer when one is given) and close listeners fire exactly
// once.
func (s *Session) Dispose(reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	closeFns := s.closeFns
	s.closeFns = nil
	removeWatcher := s.removeWatcher
	s.mu.Unlock()

	removeWatcher()
	s.proto.Destroy(reason)
	s.logger.Info("session disposed", "reason", reason)
	for _, f := range closeFns {
		f()
	}
}

// OnClose registers a listener for the session's end. A listener added
// after disposal runs immediately.
func (s *Session) OnClose(f func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		f()
		return
	}
	s.closeFns = append(s.closeFns, f)
	s.mu.Unlock()
}
