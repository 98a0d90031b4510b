// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/outpost-dev/outpost/bridge"
	"github.com/outpost-dev/outpost/channel"
	"github.com/outpost-dev/outpost/handshake"
	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/lib/netutil"
	"github.com/outpost-dev/outpost/protocol"
	"github.com/outpost-dev/outpost/session"
	"github.com/outpost-dev/outpost/wire"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server: closed")

// defaultTunnelDialTimeout bounds the dial to a tunnel's target port.
const defaultTunnelDialTimeout = 10 * time.Second

// ExtensionHostSpec describes the child process serving extension host
// connections.
type ExtensionHostSpec struct {
	Binary    string
	Args      []string
	Env       []string
	DebugPort int

	// ReadyTimeout bounds the wait for the child's READY message.
	ReadyTimeout time.Duration
}

// Config configures a Server.
type Config struct {
	// ConnectionToken, when set, is the shared secret clients prove
	// during the handshake. Empty accepts any response.
	ConnectionToken string

	// HandshakeTimeout bounds each connection handshake. Zero means
	// handshake.DefaultTimeout.
	HandshakeTimeout time.Duration

	// KeepAliveInterval is the spacing of protocol keep-alive frames.
	// Zero disables them.
	KeepAliveInterval time.Duration

	// GracePeriod is how long an offline session stays resumable. Zero
	// means session.DefaultGracePeriod.
	GracePeriod time.Duration

	// ExtensionHost describes the extension host child process.
	ExtensionHost ExtensionHostSpec

	// Channels serves management connections. Nil builds an empty
	// registry; register handlers before accepting clients.
	Channels *channel.Server

	// Clock drives every timer. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// SpawnChild overrides extension host child creation. Nil means
	// bridge.Spawn; tests substitute an in-process channel.
	SpawnChild func(bridge.Options) (*bridge.Child, error)

	// DialTunnel overrides how tunnel target ports are dialed. Nil
	// dials TCP on loopback.
	DialTunnel func(port int) (net.Conn, error)
}

// Server accepts connections, runs the handshake, and dispatches each
// socket to its session kind.
type Server struct {
	handshakeTimeout  time.Duration
	keepAliveInterval time.Duration
	exthost           ExtensionHostSpec
	signer            handshake.Signer
	registry          *session.Registry
	channels          *channel.Server
	clk               clock.Clock
	logger            *slog.Logger
	spawnChild        func(bridge.Options) (*bridge.Child, error)
	dialTunnel        func(port int) (net.Conn, error)

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
}

// New builds a server. Call Serve with a listener, or mount the server
// as an http.Handler for WebSocket transports.
func New(cfg Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channels := cfg.Channels
	if channels == nil {
		channels = channel.NewServer(logger)
	}
	var signer handshake.Signer = handshake.PassthroughSigner{}
	if cfg.ConnectionToken != "" {
		signer = handshake.NewMACSigner(cfg.ConnectionToken)
	}
	dialTunnel := cfg.DialTunnel
	if dialTunnel == nil {
		dialTunnel = func(port int) (net.Conn, error) {
			address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
			return net.DialTimeout("tcp", address, defaultTunnelDialTimeout)
		}
	}
	return &Server{
		handshakeTimeout:  cfg.HandshakeTimeout,
		keepAliveInterval: cfg.KeepAliveInterval,
		exthost:           cfg.ExtensionHost,
		signer:            signer,
		registry: session.NewRegistry(session.RegistryConfig{
			GracePeriod: cfg.GracePeriod,
			Clock:       clk,
			Logger:      logger,
		}),
		channels:   channels,
		clk:        clk,
		logger:     logger,
		spawnChild: cfg.SpawnChild,
		dialTunnel: dialTunnel,
		listeners:  make(map[net.Listener]struct{}),
	}
}

// Registry exposes the session registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// Channels exposes the channel server for handler registration.
func (s *Server) Channels() *channel.Server { return s.channels }

// Serve accepts raw stream connections (TCP or Unix socket) until the
// listener fails or the server closes.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listeners[listener] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, listener)
		s.mu.Unlock()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.HandleSocket(wire.NewNetSocket(conn, s.logger))
	}
}

// ServeHTTP upgrades a request to a WebSocket transport and handles it
// like any other socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := wire.Upgrade(w, r, s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}
	go s.HandleSocket(socket)
}

// HandleSocket runs one connection end to end: protocol, handshake,
// dispatch. It returns when the connection's setup is complete (or for
// tunnels, when the tunnel ends); session lifetime continues in the
// background.
func (s *Server) HandleSocket(socket wire.Socket) {
	logger := s.logger.With("socket", socket.TraceID())
	proto := protocol.New(protocol.Config{
		Socket:            socket,
		Clock:             s.clk,
		Logger:            logger,
		KeepAliveInterval: s.keepAliveInterval,
	})
	proto.Start()

	result, err := handshake.Run(proto, handshake.Options{
		Timeout: s.handshakeTimeout,
		Clock:   s.clk,
		Signer:  s.signer,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		if errors.Is(err, handshake.ErrSocketClosed) {
			proto.Destroy("")
		} else {
			proto.Destroy(err.Error())
		}
		return
	}

	logger = logger.With("kind", result.Kind, "session", result.ReconnectionToken)
	logger.Info("connection established", "reconnect", result.IsReconnect)

	switch result.Kind {
	case handshake.KindManagement:
		s.handleManagement(proto, result, logger)
	case handshake.KindExtensionHost:
		s.handleExtensionHost(proto, result, logger)
	case handshake.KindTunnel:
		s.handleTunnel(proto, result, logger)
	default:
		proto.Destroy(fmt.Sprintf("unsupported connection type %v", result.Kind))
	}
}

// handleManagement serves a generic IPC connection: a session wrapping
// the protocol, attached to the channel registry.
func (s *Server) handleManagement(proto *protocol.Protocol, result handshake.Result, logger *slog.Logger) {
	token := result.ReconnectionToken
	if result.IsReconnect {
		if err := s.registry.Resume(token, proto); err != nil {
			logger.Warn("management resume failed", "error", err)
			proto.Destroy(err.Error())
		}
		return
	}

	sess := session.New(session.Config{
		Token:    token,
		Protocol: proto,
		Clock:    s.clk,
		Logger:   logger,
		OnOffline: func(error) {
			s.registry.SessionOffline(token)
		},
	})
	if err := s.registry.Add(sess); err != nil {
		logger.Warn("management session rejected", "error", err)
		sess.Dispose(err.Error())
		return
	}

	conn := s.channels.Attach(proto, channel.Context{SessionToken: token})
	sess.OnClose(conn.Close)
	proto.SendControl(handshake.OKMessage())
}

// handleExtensionHost serves an extension host connection: a child
// process owns the data plane, the server keeps the control plane.
func (s *Server) handleExtensionHost(proto *protocol.Protocol, result handshake.Result, logger *slog.Logger) {
	token := result.ReconnectionToken
	if result.IsReconnect {
		if err := s.registry.Resume(token, proto); err != nil {
			logger.Warn("extension host resume failed", "error", err)
			proto.Destroy(err.Error())
		}
		return
	}

	h, err := session.NewExtensionHost(session.ExtensionHostConfig{
		Token:        token,
		Binary:       s.exthost.Binary,
		Args:         s.exthost.Args,
		Env:          s.exthost.Env,
		DebugPort:    s.exthost.DebugPort,
		ReadyTimeout: s.exthost.ReadyTimeout,
		Clock:        s.clk,
		Logger:       logger,
		OnOffline: func(error) {
			s.registry.SessionOffline(token)
		},
		Spawn: s.spawnChild,
	})
	if err != nil {
		logger.Error("extension host spawn failed", "error", err)
		proto.Destroy("failed to start extension host")
		return
	}
	if err := s.registry.Add(h); err != nil {
		logger.Warn("extension host session rejected", "error", err)
		h.Dispose(err.Error())
		return
	}
	if err := h.Attach(proto); err != nil {
		logger.Error("extension host socket handoff failed", "error", err)
		h.Dispose("socket handoff failed")
	}
}

// handleTunnel turns the connection into a raw byte bridge to a local
// port. The ok message is the last framed traffic; everything after it
// is tunnel payload. Blocks until the tunnel ends.
func (s *Server) handleTunnel(proto *protocol.Protocol, result handshake.Result, logger *slog.Logger) {
	if result.TunnelPort <= 0 || result.TunnelPort > 65535 {
		proto.Destroy(fmt.Sprintf("tunnel: invalid target port %d", result.TunnelPort))
		return
	}
	target, err := s.dialTunnel(result.TunnelPort)
	if err != nil {
		logger.Warn("tunnel dial failed", "port", result.TunnelPort, "error", err)
		proto.Destroy(fmt.Sprintf("tunnel: dialing port %d: %v", result.TunnelPort, err))
		return
	}

	// Quiesce the protocol before the relay takes over: reads pause so
	// no pump consumes tunnel bytes, bytes the client sent early are
	// recovered, and the ok message flushes as the final framed write.
	socket := proto.GetSocket()
	socket.PauseReads()
	leftover := proto.ReadEntireBuffer()
	proto.SendControl(handshake.OKMessage())
	proto.Dispose()
	socket.Drain()

	if len(leftover) > 0 {
		if _, err := target.Write(leftover); err != nil {
			logger.Warn("tunnel write failed", "error", err)
			target.Close()
			socket.Close()
			return
		}
	}

	logger.Info("tunnel open", "port", result.TunnelPort)
	if socket.HandoffState().SkipFraming {
		// Raw stream transport: bridge the connections directly. The
		// pause left a read deadline armed; clear it so the bridge can
		// read.
		socket.NetConn().SetReadDeadline(time.Time{})
		netutil.Bridge(socket.NetConn(), target)
		socket.Close()
	} else {
		// Framed transport: relay through the socket adapter so tunnel
		// bytes keep their frame encoding.
		relayFramed(socket, target)
	}
	logger.Info("tunnel closed", "port", result.TunnelPort)
}

// relayFramed copies bytes between a framed socket and a raw
// connection until either side finishes, then closes both.
func relayFramed(socket wire.Socket, target net.Conn) {
	socket.OnData(func(chunk []byte) {
		if _, err := target.Write(chunk); err != nil {
			socket.Close()
		}
	})
	socket.OnClose(func(error) { target.Close() })
	socket.ResumeReads()

	buffer := make([]byte, 32*1024)
	for {
		n, err := target.Read(buffer)
		if n > 0 {
			if writeErr := socket.Write(buffer[:n]); writeErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	socket.Drain()
	socket.Close()
	target.Close()
}

// Close stops accepting connections and disposes every live session.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	s.registry.DisposeAll("host shutting down")
}
