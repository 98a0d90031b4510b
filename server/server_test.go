// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-dev/outpost/bridge"
	"github.com/outpost-dev/outpost/channel"
	"github.com/outpost-dev/outpost/handshake"
	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/lib/codec"
	"github.com/outpost-dev/outpost/lib/testutil"
	"github.com/outpost-dev/outpost/protocol"
	"github.com/outpost-dev/outpost/session"
	"github.com/outpost-dev/outpost/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unixPair returns both ends of a socketpair as UnixConns; extension
// host tests need real descriptors for the child handoff.
func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("creating socketpair: %v", err)
	}
	toConn := func(fd int, name string) *net.UnixConn {
		file := os.NewFile(uintptr(fd), name)
		conn, err := net.FileConn(file)
		file.Close()
		if err != nil {
			t.Fatalf("converting %s: %v", name, err)
		}
		return conn.(*net.UnixConn)
	}
	a := toConn(fds[0], "pair-a")
	b := toConn(fds[1], "pair-b")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// testClient is a scripted remote client speaking the full stack:
// wire adapter, persistent protocol, handshake, channel envelopes.
type testClient struct {
	conn     net.Conn
	socket   *wire.NetSocket
	proto    *protocol.Protocol
	messages chan []byte
	controls chan []byte
}

func newTestClient(conn net.Conn) *testClient {
	c := newHandshakeClient(conn)
	c.proto.OnMessage(func(p []byte) { c.messages <- p })
	return c
}

// newHandshakeClient builds a client that delivers only control
// messages. Regular frames stay buffered, so a resume can move them
// into a retained protocol together with the socket.
func newHandshakeClient(conn net.Conn) *testClient {
	c := &testClient{
		conn:     conn,
		socket:   wire.NewNetSocket(conn, discardLogger()),
		messages: make(chan []byte, 64),
		controls: make(chan []byte, 64),
	}
	c.proto = protocol.New(protocol.Config{Socket: c.socket, Logger: discardLogger()})
	c.proto.OnControl(func(p []byte) { c.controls <- p })
	c.proto.Start()
	return c
}

// connect wires a fresh pipe into the server's socket handler.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	go srv.HandleSocket(wire.NewNetSocket(serverConn, discardLogger()))
	return newTestClient(clientConn)
}

// challenge waits for the server's sign message and returns its data.
func (c *testClient) challenge(t *testing.T) string {
	t.Helper()
	payload := testutil.RequireReceive(t, c.controls, time.Second, "challenge message")
	var msg handshake.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("parsing challenge: %v", err)
	}
	if msg.Type != "sign" {
		t.Fatalf("got control %q, want sign", msg.Type)
	}
	return msg.Data
}

// sendConnectionType answers the challenge. A nil sign function echoes
// the challenge back, which a passthrough server accepts.
func (c *testClient) sendConnectionType(t *testing.T, msg handshake.ControlMessage, sign func(string) string) {
	t.Helper()
	challenge := c.challenge(t)
	if sign == nil {
		sign = func(s string) string { return s }
	}
	msg.Type = "connectionType"
	msg.SignedData = sign(challenge)
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encoding connectionType: %v", err)
	}
	c.proto.SendControl(payload)
}

// expectControl waits for the next control message of the given type.
func (c *testClient) expectControl(t *testing.T, wantType string) handshake.ControlMessage {
	t.Helper()
	payload := testutil.RequireReceive(t, c.controls, time.Second, "control message %q", wantType)
	var msg handshake.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("parsing control message %q: %v", payload, err)
	}
	if msg.Type != wantType {
		t.Fatalf("got control %+v, want type %q", msg, wantType)
	}
	return msg
}

// reconnect resumes a session over a fresh transport. The handshake
// runs on a short-lived protocol; its socket and any bytes it buffered
// then swap into the client's retained protocol, which keeps its
// delivery and numbering state across the churn the way a real client
// does.
func (c *testClient) reconnect(t *testing.T, srv *Server, token string) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	go srv.HandleSocket(wire.NewNetSocket(serverConn, discardLogger()))

	temp := newHandshakeClient(clientConn)
	temp.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     token,
		IsReconnect:           true,
	}, nil)
	temp.expectControl(t, "ok")

	temp.socket.PauseReads()
	leftover := temp.proto.ReadEntireBuffer()
	temp.proto.Dispose()

	c.proto.BeginAcceptReconnection(temp.socket, leftover)
	temp.socket.ResumeReads()
	c.proto.EndAcceptReconnection()
	c.conn = clientConn
	c.socket = temp.socket
}

// Client-side copies of the channel wire envelopes.
type clientRequest struct {
	ID      uint64           `cbor:"id"`
	Kind    string           `cbor:"kind"`
	Channel string           `cbor:"channel"`
	Name    string           `cbor:"name"`
	Args    codec.RawMessage `cbor:"args,omitempty"`
}

type clientResponse struct {
	ID    uint64           `cbor:"id"`
	Kind  string           `cbor:"kind"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
	Error *struct {
		Code    string `cbor:"code"`
		Message string `cbor:"message"`
	} `cbor:"error,omitempty"`
}

// call issues a channel call and waits for its response.
func (c *testClient) call(t *testing.T, id uint64, channelName, command string, args ...any) clientResponse {
	t.Helper()
	encodedArgs, err := codec.Marshal(args)
	if err != nil {
		t.Fatalf("encoding args: %v", err)
	}
	request, err := codec.Marshal(clientRequest{
		ID:      id,
		Kind:    "call",
		Channel: channelName,
		Name:    command,
		Args:    encodedArgs,
	})
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	c.proto.Send(request)

	payload := testutil.RequireReceive(t, c.messages, time.Second, "response to call %d", id)
	var resp clientResponse
	if err := codec.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID != id {
		t.Fatalf("got response for call %d, want %d", resp.ID, id)
	}
	return resp
}

// echoHandler answers "echo" with its arguments.
type echoHandler struct{}

func (echoHandler) Call(ctx channel.Context, command string, args codec.RawMessage) (any, error) {
	switch command {
	case "echo":
		var decoded []any
		if err := codec.Unmarshal(args, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	default:
		return nil, channel.UnknownCommand(command)
	}
}

func (echoHandler) Listen(ctx channel.Context, event string, args codec.RawMessage, emit func(any)) (func(), error) {
	return nil, channel.UnknownEvent(event)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1000, 0))
	cfg.Clock = clk
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv := New(cfg)
	srv.Channels().Register("echo-service", echoHandler{})
	t.Cleanup(srv.Close)
	return srv, clk
}

// A management client connects, works, drops, and resumes with the
// same token; the channel data plane survives the reconnection.
func TestManagementConnectAndReconnect(t *testing.T) {
	srv, clk := newTestServer(t, Config{})

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-1",
	}, nil)
	client.expectControl(t, "ok")

	resp := client.call(t, 1, "echo-service", "echo", "hello")
	if resp.Kind != "result" {
		t.Fatalf("got %+v, want result", resp)
	}

	// Drop the transport; the session goes offline and the grace timer
	// arms.
	client.conn.Close()
	clk.WaitForTimers(1)
	if srv.Registry().Len() != 1 {
		t.Fatalf("registry has %d sessions, want the offline one retained", srv.Registry().Len())
	}

	// Reconnect under the same token, keeping the client protocol.
	client.reconnect(t, srv, "tok-1")

	resp = client.call(t, 2, "echo-service", "echo", "again")
	if resp.Kind != "result" {
		t.Fatalf("got %+v, want result after resume", resp)
	}
	// The server replays anything unacknowledged at drop time; the
	// retained protocol drops those duplicates by ID.
	testutil.RequireNoReceive(t, client.messages, 50*time.Millisecond, "duplicate delivery after resume")
}

func TestReconnectUnknownTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "ghost",
		IsReconnect:           true,
	}, nil)

	msg := client.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "unknown") {
		t.Fatalf("error reason %q, want unknown token", msg.Reason)
	}
}

func TestDuplicateTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	first := connect(t, srv)
	first.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-dup",
	}, nil)
	first.expectControl(t, "ok")

	second := connect(t, srv)
	second.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-dup",
	}, nil)
	msg := second.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "already in use") {
		t.Fatalf("error reason %q, want token in use", msg.Reason)
	}

	// The original session is unaffected.
	resp := first.call(t, 1, "echo-service", "echo", "still here")
	if resp.Kind != "result" {
		t.Fatalf("got %+v, want result on the first connection", resp)
	}
}

// An expired grace period disposes the session; the token answers
// reconnects with a disposal error, not an unknown token.
func TestGraceExpiryDisposesSession(t *testing.T) {
	srv, clk := newTestServer(t, Config{})

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-exp",
	}, nil)
	client.expectControl(t, "ok")

	client.conn.Close()
	clk.WaitForTimers(1)
	clk.Advance(session.DefaultGracePeriod)

	deadline := time.Now().Add(time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never disposed after grace expiry")
		}
		time.Sleep(time.Millisecond)
	}

	late := connect(t, srv)
	late.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-exp",
		IsReconnect:           true,
	}, nil)
	msg := late.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "disposed") {
		t.Fatalf("error reason %q, want disposed session", msg.Reason)
	}
}

func TestConnectionTokenValidation(t *testing.T) {
	srv, _ := newTestServer(t, Config{ConnectionToken: "secret"})

	// A wrong signature is rejected.
	intruder := connect(t, srv)
	intruder.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-bad",
	}, func(string) string { return "forged" })
	msg := intruder.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "rejected") {
		t.Fatalf("error reason %q, want rejection", msg.Reason)
	}

	// The real token signs the challenge correctly.
	signer := handshake.NewMACSigner("secret")
	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-good",
	}, signer.Sign)
	client.expectControl(t, "ok")
}

// A tunnel connection becomes a raw byte bridge to the dialed target
// after the ok message.
func TestTunnelBridgesRawBytes(t *testing.T) {
	targetServer, targetPeer := net.Pipe()
	t.Cleanup(func() {
		targetServer.Close()
		targetPeer.Close()
	})
	ports := make(chan int, 1)
	srv, _ := newTestServer(t, Config{
		DialTunnel: func(port int) (net.Conn, error) {
			ports <- port
			return targetServer, nil
		},
	})
	// Echo everything reaching the target.
	go io.Copy(targetPeer, targetPeer)

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "tunnel",
		ReconnectionToken:     "tok-tun",
		TunnelPort:            15000,
	}, nil)
	client.expectControl(t, "ok")
	if got := testutil.RequireReceive(t, ports, time.Second, "dialed port"); got != 15000 {
		t.Fatalf("dialed port %d, want 15000", got)
	}

	// Drop to raw bytes on the client side too.
	client.socket.PauseReads()
	client.proto.Dispose()
	client.conn.SetReadDeadline(time.Time{})

	if _, err := client.conn.Write([]byte("ping")); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	buffer := make([]byte, 4)
	client.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client.conn, buffer); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if string(buffer) != "ping" {
		t.Fatalf("echoed %q, want ping", buffer)
	}
}

func TestTunnelDialFailureReported(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		DialTunnel: func(port int) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "tunnel",
		ReconnectionToken:     "tok-tun",
		TunnelPort:            15000,
	}, nil)
	msg := client.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "dialing port 15000") {
		t.Fatalf("error reason %q, want dial failure", msg.Reason)
	}
}

// fakeChild runs the child's end of the bridge channel in-process.
type fakeChild struct {
	endpoint *bridge.Endpoint
	handoffs chan *bridge.Handoff
}

func fakeSpawn(t *testing.T, child *fakeChild) func(bridge.Options) (*bridge.Child, error) {
	return func(opts bridge.Options) (*bridge.Child, error) {
		parentConn, childConn := unixPair(t)
		child.endpoint = bridge.NewEndpoint(childConn, discardLogger())
		go func() {
			child.endpoint.SendReady()
			for {
				handoff, err := child.endpoint.Receive()
				if err != nil {
					return
				}
				child.handoffs <- handoff
			}
		}()
		return bridge.Adopt(parentConn, opts), nil
	}
}

// An extension host connection spawns the child, announces the debug
// port, and hands the socket over; the data plane then runs between
// the client and the child.
func TestExtensionHostConnection(t *testing.T) {
	child := &fakeChild{handoffs: make(chan *bridge.Handoff, 4)}
	srv, _ := newTestServer(t, Config{
		ExtensionHost: ExtensionHostSpec{DebugPort: 9229},
		SpawnChild:    fakeSpawn(t, child),
	})

	// Extension host handoffs need a real descriptor.
	serverConn, clientConn := unixPair(t)
	go srv.HandleSocket(wire.NewNetSocket(serverConn, discardLogger()))
	client := newTestClient(clientConn)

	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "extensionHost",
		ReconnectionToken:     "tok-ext",
	}, nil)
	msg := client.expectControl(t, "debug")
	if msg.DebugPort != 9229 {
		t.Fatalf("debug port %d, want 9229", msg.DebugPort)
	}

	handoff := testutil.RequireReceive(t, child.handoffs, time.Second, "socket handoff")
	socket, err := handoff.Socket(discardLogger())
	if err != nil {
		t.Fatalf("rebuilding socket in child: %v", err)
	}
	childProto := protocol.New(protocol.Config{
		Socket:      socket,
		Logger:      discardLogger(),
		InitialData: handoff.InitialData,
	})
	childMessages := make(chan []byte, 16)
	childProto.OnMessage(func(p []byte) { childMessages <- p })
	childProto.Start()
	defer childProto.Destroy("")

	client.proto.Send([]byte("to-child"))
	got := testutil.RequireReceive(t, childMessages, time.Second, "message inside the child")
	if string(got) != "to-child" {
		t.Fatalf("child got %q, want to-child", got)
	}
}

func TestExtensionHostSpawnFailureReported(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		SpawnChild: func(bridge.Options) (*bridge.Child, error) {
			return nil, errors.New("no such binary")
		},
	})

	client := connect(t, srv)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "extensionHost",
		ReconnectionToken:     "tok-ext",
	}, nil)
	msg := client.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "failed to start extension host") {
		t.Fatalf("error reason %q, want spawn failure", msg.Reason)
	}
}

// Serve accepts over a real listener; Close stops the accept loop and
// disposes every live session.
func TestServeAndClose(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := newTestClient(conn)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-srv",
	}, nil)
	client.expectControl(t, "ok")

	srv.Close()
	msg := client.expectControl(t, "error")
	if !strings.Contains(msg.Reason, "shutting down") {
		t.Fatalf("error reason %q, want shutdown notice", msg.Reason)
	}
	err = testutil.RequireReceive(t, serveDone, time.Second, "Serve returning")
	if !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Serve returned %v, want ErrServerClosed", err)
	}
}

func TestServeUnixListener(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	socketPath := testutil.SocketDir(t) + "/host.sock"
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go srv.Serve(listener)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := newTestClient(conn)
	client.sendConnectionType(t, handshake.ControlMessage{
		DesiredConnectionType: "management",
		ReconnectionToken:     "tok-unix",
	}, nil)
	client.expectControl(t, "ok")

	resp := client.call(t, 1, "echo-service", "echo", "over unix")
	if resp.Kind != "result" {
		t.Fatalf("got %+v, want result", resp)
	}
}
