// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outpost-dev/outpost/lib/codec"
	"github.com/outpost-dev/outpost/protocol"
)

// Server holds the channel registry and attaches sessions to it.
// Handlers are registered once at startup; attachment happens per
// session as clients arrive.
type Server struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer builds an empty channel server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register adds a named channel. Channel names are unique; a duplicate
// registration is a programming error and panics at startup rather
// than failing at runtime.
func (s *Server) Register(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[name]; exists {
		panic(fmt.Sprintf("channel: duplicate registration of channel %q", name))
	}
	s.handlers[name] = handler
}

func (s *Server) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Conn is one session attached to the channel server. Requests
// dispatch in arrival order; the protocol's delivery loop is the
// session's single logical stream.
type Conn struct {
	server *Server
	proto  *protocol.Protocol
	ctx    Context
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	emitters  map[string]*emitter
	listeners map[uint64]*emitter
}

// emitter is one running event source, shared by every listener with
// the same (channel, event, args) on the session.
type emitter struct {
	key string

	mu      sync.Mutex
	ids     map[uint64]struct{}
	cancel  func()
	stopped bool
}

func (e *emitter) addID(id uint64) {
	e.mu.Lock()
	e.ids[id] = struct{}{}
	e.mu.Unlock()
}

// removeID drops a listener and reports whether the emitter is now
// unused.
func (e *emitter) removeID(id uint64) bool {
	e.mu.Lock()
	delete(e.ids, id)
	empty := len(e.ids) == 0
	e.mu.Unlock()
	return empty
}

func (e *emitter) listenerIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint64, 0, len(e.ids))
	for id := range e.ids {
		ids = append(ids, id)
	}
	return ids
}

func (e *emitter) stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// setCancel installs the teardown hook. A stop can land while the
// handler is still setting the subscription up; the late-arriving
// cancel then runs immediately instead of leaking the watch.
func (e *emitter) setCancel(cancel func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	e.cancel = cancel
	e.mu.Unlock()
}

// Attach hooks a session's protocol into the channel server. Call
// Close when the session ends to release event subscriptions.
func (s *Server) Attach(proto *protocol.Protocol, ctx Context) *Conn {
	c := &Conn{
		server:    s,
		proto:     proto,
		ctx:       ctx,
		logger:    s.logger.With("session", ctx.SessionToken),
		emitters:  make(map[string]*emitter),
		listeners: make(map[uint64]*emitter),
	}
	proto.OnMessage(c.handleMessage)
	return c
}

// handleMessage dispatches one request. It runs on the protocol's
// delivery goroutine, so requests on a session are strictly ordered.
func (c *Conn) handleMessage(payload []byte) {
	var req requestEnvelope
	if err := codec.Unmarshal(payload, &req); err != nil {
		c.logger.Error("undecodable channel request", "error", err)
		return
	}
	switch req.Kind {
	case requestKindCall:
		c.handleCall(req)
	case requestKindListen:
		c.handleListen(req)
	case requestKindUnlisten:
		c.handleUnlisten(req)
	default:
		c.logger.Warn("unknown channel request kind", "kind", req.Kind, "id", req.ID)
	}
}

func (c *Conn) handleCall(req requestEnvelope) {
	handler, ok := c.server.handler(req.Channel)
	if !ok {
		c.respondError(req.ID, &ChannelError{
			Code:    ErrCodeUnknownChannel,
			Message: fmt.Sprintf("unknown channel %q", req.Channel),
		})
		return
	}

	result, err := handler.Call(c.ctx, req.Name, req.Args)
	if err != nil {
		c.respondError(req.ID, asChannelError(err))
		return
	}
	data, err := codec.Marshal(result)
	if err != nil {
		c.logger.Error("unencodable channel result",
			"channel", req.Channel,
			"command", req.Name,
			"error", err,
		)
		c.respondError(req.ID, &ChannelError{Code: ErrCodeCallFailed, Message: "result encoding failed"})
		return
	}
	c.respond(responseEnvelope{ID: req.ID, Kind: responseKindResult, Data: data})
}

func (c *Conn) handleListen(req requestEnvelope) {
	handler, ok := c.server.handler(req.Channel)
	if !ok {
		c.respondError(req.ID, &ChannelError{
			Code:    ErrCodeUnknownChannel,
			Message: fmt.Sprintf("unknown channel %q", req.Channel),
		})
		return
	}

	key := req.Channel + "\x00" + req.Name + "\x00" + string(req.Args)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.emitters[key]; ok {
		// Another listener already runs this emitter; share it.
		existing.addID(req.ID)
		c.listeners[req.ID] = existing
		c.mu.Unlock()
		return
	}
	em := &emitter{key: key, ids: map[uint64]struct{}{req.ID: {}}}
	c.emitters[key] = em
	c.listeners[req.ID] = em
	c.mu.Unlock()

	cancel, err := handler.Listen(c.ctx, req.Name, req.Args, func(data any) {
		c.emitEvent(em, data)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.emitters, key)
		delete(c.listeners, req.ID)
		c.mu.Unlock()
		c.respondError(req.ID, asChannelError(err))
		return
	}
	em.setCancel(cancel)
}

func (c *Conn) handleUnlisten(req requestEnvelope) {
	c.mu.Lock()
	em, ok := c.listeners[req.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.listeners, req.ID)
	empty := em.removeID(req.ID)
	if empty {
		delete(c.emitters, em.key)
	}
	c.mu.Unlock()

	// Last listener gone: tear the underlying emitter down.
	if empty {
		em.stop()
	}
}

// emitEvent fans one event out to every listener sharing the emitter.
func (c *Conn) emitEvent(em *emitter, data any) {
	encoded, err := codec.Marshal(data)
	if err != nil {
		c.logger.Error("unencodable channel event", "error", err)
		return
	}
	for _, id := range em.listenerIDs() {
		c.respond(responseEnvelope{ID: id, Kind: responseKindEvent, Data: encoded})
	}
}

func (c *Conn) respondError(id uint64, chErr *ChannelError) {
	c.respond(responseEnvelope{ID: id, Kind: responseKindError, Error: chErr})
}

func (c *Conn) respond(env responseEnvelope) {
	encoded, err := codec.Marshal(env)
	if err != nil {
		c.logger.Error("unencodable channel response", "id", env.ID, "error", err)
		return
	}
	c.proto.Send(encoded)
}

// Close releases every event subscription. Wire it to the session's
// close event so OS-level resources behind watches never outlive the
// client.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	emitters := make([]*emitter, 0, len(c.emitters))
	for _, em := range c.emitters {
		emitters = append(emitters, em)
	}
	c.emitters = make(map[string]*emitter)
	c.listeners = make(map[uint64]*emitter)
	c.mu.Unlock()

	for _, em := range emitters {
		em.stop()
	}
}

// asChannelError passes typed channel errors through and wraps
// everything else as a call failure.
func asChannelError(err error) *ChannelError {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr
	}
	return &ChannelError{Code: ErrCodeCallFailed, Message: err.Error()}
}
