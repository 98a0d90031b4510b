// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-dev/outpost/bridge"
	"github.com/outpost-dev/outpost/handshake"
	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/protocol"
)

// ExtensionHostConfig configures an extension host session.
type ExtensionHostConfig struct {
	// Token is the reconnection token identifying this session.
	Token string

	// Binary, Args, and Env describe the child process to spawn.
	Binary string
	Args   []string
	Env    []string

	// DebugPort is advertised to the client in the debug control
	// message. Zero means no inspector.
	DebugPort int

	// ReadyTimeout bounds the wait for the child's READY message. Zero
	// means bridge.DefaultReadyTimeout.
	ReadyTimeout time.Duration

	// Clock drives child timers and offline stamps. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger

	// OnOffline fires when the client socket drops; the registry uses
	// it to start the grace period.
	OnOffline func(err error)

	// Spawn overrides child creation. Nil means bridge.Spawn; tests
	// substitute an in-process channel.
	Spawn func(bridge.Options) (*bridge.Child, error)
}

// ExtensionHost is a session whose data plane lives in a child
// process. The parent keeps a retained protocol for control messages
// (ok, debug port) and ships each attached socket to the child over
// the bridge channel.
type ExtensionHost struct {
	token     string
	debugPort int
	clk       clock.Clock
	logger    *slog.Logger
	child     *bridge.Child

	mu           sync.Mutex
	proto        *protocol.Protocol
	offlineSince time.Time
	offline      bool
	disposed     bool
	terminating  bool
	closeFns     []func()
	offlineFn    func(error)
}

// NewExtensionHost spawns the child process and waits for its READY
// message. The session starts with no client attached; call Attach
// with the handshaken connection.
func NewExtensionHost(cfg ExtensionHostConfig) (*ExtensionHost, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &ExtensionHost{
		token:     cfg.Token,
		debugPort: cfg.DebugPort,
		clk:       clk,
		logger:    logger.With("session", cfg.Token),
		offlineFn: cfg.OnOffline,
	}

	spawn := cfg.Spawn
	if spawn == nil {
		spawn = bridge.Spawn
	}
	child, err := spawn(bridge.Options{
		Binary:         cfg.Binary,
		Args:           cfg.Args,
		Env:            cfg.Env,
		ReadyTimeout:   cfg.ReadyTimeout,
		Clock:          clk,
		Logger:         h.logger,
		OnConsole:      h.handleConsole,
		OnDisconnected: h.handleDisconnected,
		OnExit:         h.handleExit,
	})
	if err != nil {
		return nil, fmt.Errorf("session: spawning extension host: %w", err)
	}
	h.child = child

	if err := child.WaitReady(); err != nil {
		child.Terminate()
		return nil, fmt.Errorf("session: extension host not ready: %w", err)
	}
	return h, nil
}

// Token returns the session's reconnection token.
func (h *ExtensionHost) Token() string { return h.token }

// Child returns the session's child process handle.
func (h *ExtensionHost) Child() *bridge.Child { return h.child }

// Online reports whether a live client socket is attached.
func (h *ExtensionHost) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.offline && !h.disposed && h.proto != nil
}

// Attach adopts the first client connection: the debug control message
// goes out, then the socket and every undelivered byte are handed to
// the child. The incoming protocol is retained for later control
// traffic; its reads stay paused because the child owns the data plane
// from here on.
func (h *ExtensionHost) Attach(incoming *protocol.Protocol) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return ErrSessionDisposed
	}
	h.proto = incoming
	h.mu.Unlock()

	incoming.OnSocketClose(func(err error) { h.SetOffline(err) })
	incoming.SendControl(handshake.DebugMessage(h.debugPort))
	return h.handOffCurrentSocket()
}

// Resume swaps a reconnecting client's socket into the retained
// protocol, re-announces success and the debug port, and re-runs the
// child handoff so the already-running child receives the new socket.
func (h *ExtensionHost) Resume(incoming *protocol.Protocol) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return ErrSessionDisposed
	}
	h.offline = false
	h.offlineSince = time.Time{}
	retained := h.proto
	h.mu.Unlock()

	socket := incoming.GetSocket()
	socket.PauseReads()
	initialData := incoming.ReadEntireBuffer()
	incoming.Dispose()

	retained.BeginAcceptReconnection(socket, initialData)
	retained.SendControl(handshake.OKMessage())
	retained.SendControl(handshake.DebugMessage(h.debugPort))
	retained.EndAcceptReconnection()

	return h.handOffCurrentSocket()
}

// handOffCurrentSocket pauses the retained protocol's reads, snapshots
// its undelivered bytes, and ships socket plus snapshot to the child.
// Reads stay paused: from this point the child is the only reader.
func (h *ExtensionHost) handOffCurrentSocket() error {
	h.mu.Lock()
	proto := h.proto
	h.mu.Unlock()

	socket := proto.GetSocket()
	socket.PauseReads()
	buffered := proto.ReadEntireBuffer()

	if err := h.child.SendSocket(socket, buffered); err != nil {
		return fmt.Errorf("session: handing socket to extension host: %w", err)
	}
	h.logger.Info("socket handed to extension host",
		"socket", socket.TraceID(),
		"buffered_bytes", len(buffered),
	)
	return nil
}

// SetOffline records the loss of the client socket. Idempotent.
func (h *ExtensionHost) SetOffline(err error) {
	h.mu.Lock()
	if h.disposed || h.offline {
		h.mu.Unlock()
		return
	}
	h.offline = true
	h.offlineSince = h.clk.Now()
	offlineFn := h.offlineFn
	h.mu.Unlock()

	h.logger.Info("extension host session offline", "error", err)
	if offlineFn != nil {
		offlineFn(err)
	}
}

// Dispose ends the session: the retained protocol is destroyed, the
// child is asked to terminate, and close listeners fire exactly once.
func (h *ExtensionHost) Dispose(reason string) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	h.terminating = true
	proto := h.proto
	closeFns := h.closeFns
	h.closeFns = nil
	h.mu.Unlock()

	if proto != nil {
		proto.Destroy(reason)
	}
	h.child.Terminate()
	h.logger.Info("extension host session disposed", "reason", reason)
	for _, f := range closeFns {
		f()
	}
}

// OnClose registers a listener for the session's end. A listener added
// after disposal runs immediately.
func (h *ExtensionHost) OnClose(f func()) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		f()
		return
	}
	h.closeFns = append(h.closeFns, f)
	h.mu.Unlock()
}

// handleConsole forwards child console output into the host log.
func (h *ExtensionHost) handleConsole(severity, message string) {
	switch severity {
	case "error":
		h.logger.Error("extension host console", "message", message)
	case "warn":
		h.logger.Warn("extension host console", "message", message)
	default:
		h.logger.Info("extension host console", "message", message)
	}
}

// handleDisconnected reacts to the child reporting its client gone.
func (h *ExtensionHost) handleDisconnected() {
	h.SetOffline(nil)
}

// handleExit ends the session when the child process does. An exit the
// parent requested is logged quietly; anything else is an error.
func (h *ExtensionHost) handleExit(status bridge.ExitStatus) {
	h.mu.Lock()
	expected := h.terminating || status.Expected
	h.mu.Unlock()

	if expected {
		h.logger.Info("extension host exited", "code", status.Code)
	} else {
		h.logger.Error("extension host exited unexpectedly",
			"code", status.Code,
			"signal", status.Signal,
		)
	}
	h.Dispose("extension host exited")
}
