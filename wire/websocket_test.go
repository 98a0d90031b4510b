// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/outpost-dev/outpost/lib/testutil"
)

// encodeFrame serializes a frame for feeding to the parser or a pipe.
func encodeFrame(t *testing.T, frame ws.Frame) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := ws.WriteFrame(&buffer, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	return buffer.Bytes()
}

// clientBinaryFrame builds a masked client frame, optionally deflated
// with the given send-side compression state.
func clientBinaryFrame(t *testing.T, payload []byte, state *FlateState) ws.Frame {
	t.Helper()
	var rsv byte
	if state != nil {
		compressed, err := state.Deflate(payload)
		if err != nil {
			t.Fatalf("Deflate: %v", err)
		}
		payload = compressed
		rsv = ws.Rsv(true, false, false)
	}
	frame := ws.NewBinaryFrame(payload)
	frame.Header.Rsv = rsv
	return ws.MaskFrame(frame)
}

func startWebSocket(t *testing.T, options WebSocketOptions) (*WebSocketSocket, net.Conn, chan []byte, chan error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	socket, err := NewWebSocketSocket(serverConn, options)
	if err != nil {
		t.Fatalf("NewWebSocketSocket: %v", err)
	}
	dataCh := make(chan []byte, 64)
	closeCh := make(chan error, 1)
	socket.OnData(func(p []byte) { dataCh <- p })
	socket.OnClose(func(err error) { closeCh <- err })
	socket.Start()
	return socket, clientConn, dataCh, closeCh
}

func TestWebSocketDeliversFramePayloads(t *testing.T) {
	_, client, dataCh, _ := startWebSocket(t, WebSocketOptions{})

	go func() {
		client.Write(encodeFrame(t, clientBinaryFrame(t, []byte("one"), nil)))
		client.Write(encodeFrame(t, clientBinaryFrame(t, []byte("two"), nil)))
	}()

	first := testutil.RequireReceive(t, dataCh, 5*time.Second, "first message")
	second := testutil.RequireReceive(t, dataCh, 5*time.Second, "second message")
	if string(first) != "one" || string(second) != "two" {
		t.Errorf("received %q, %q; want %q, %q", first, second, "one", "two")
	}
}

func TestWebSocketWriteProducesReadableFrame(t *testing.T) {
	socket, client, _, _ := startWebSocket(t, WebSocketOptions{})

	readDone := make(chan ws.Frame, 1)
	go func() {
		frame, err := ws.ReadFrame(client)
		if err != nil {
			return
		}
		readDone <- frame
	}()

	if err := socket.Write([]byte("from-server")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frame := testutil.RequireReceive(t, readDone, 5*time.Second, "client reading frame")
	if frame.Header.OpCode != ws.OpBinary {
		t.Errorf("opcode = %v, want binary", frame.Header.OpCode)
	}
	if frame.Header.Masked {
		t.Error("server frame is masked")
	}
	if string(frame.Payload) != "from-server" {
		t.Errorf("payload = %q, want %q", frame.Payload, "from-server")
	}
}

func TestWebSocketCompressedRoundTrip(t *testing.T) {
	socket, client, dataCh, _ := startWebSocket(t, WebSocketOptions{PermessageDeflate: true})

	clientSend := &FlateState{}
	go func() {
		client.Write(encodeFrame(t, clientBinaryFrame(t, []byte("compressed hello"), clientSend)))
		client.Write(encodeFrame(t, clientBinaryFrame(t, []byte("compressed hello too"), clientSend)))
	}()

	first := testutil.RequireReceive(t, dataCh, 5*time.Second, "first compressed message")
	second := testutil.RequireReceive(t, dataCh, 5*time.Second, "second compressed message")
	if string(first) != "compressed hello" || string(second) != "compressed hello too" {
		t.Errorf("received %q, %q", first, second)
	}

	// Server-to-client direction: the client inflates with its own
	// receive state.
	clientReceive := &FlateState{}
	readDone := make(chan []byte, 1)
	go func() {
		frame, err := ws.ReadFrame(client)
		if err != nil {
			return
		}
		plain, err := clientReceive.Inflate(frame.Payload)
		if err != nil {
			return
		}
		readDone <- plain
	}()
	if err := socket.Write([]byte("server speaks")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	plain := testutil.RequireReceive(t, readDone, 5*time.Second, "client inflating frame")
	if string(plain) != "server speaks" {
		t.Errorf("client decoded %q, want %q", plain, "server speaks")
	}
}

func TestWebSocketPingAnsweredWithPong(t *testing.T) {
	_, client, _, _ := startWebSocket(t, WebSocketOptions{})

	readDone := make(chan ws.Frame, 1)
	go func() {
		frame, err := ws.ReadFrame(client)
		if err != nil {
			return
		}
		readDone <- frame
	}()

	ping := ws.MaskFrame(ws.NewPingFrame([]byte("ping-body")))
	go client.Write(encodeFrame(t, ping))

	frame := testutil.RequireReceive(t, readDone, 5*time.Second, "pong frame")
	if frame.Header.OpCode != ws.OpPong {
		t.Errorf("opcode = %v, want pong", frame.Header.OpCode)
	}
	if string(frame.Payload) != "ping-body" {
		t.Errorf("pong payload = %q, want %q", frame.Payload, "ping-body")
	}
}

func TestFrameParserHandlesSplitFrames(t *testing.T) {
	parser := newFrameParser(false)
	encoded := encodeFrame(t, clientBinaryFrame(t, []byte("split-across-feeds"), nil))

	messages, closed, err := parser.feed(encoded[:5])
	if err != nil || closed || len(messages) != 0 {
		t.Fatalf("partial feed: messages=%d closed=%v err=%v", len(messages), closed, err)
	}
	if len(parser.remainder()) != 5 {
		t.Errorf("remainder = %d bytes, want 5", len(parser.remainder()))
	}

	messages, closed, err = parser.feed(encoded[5:])
	if err != nil || closed {
		t.Fatalf("completing feed: closed=%v err=%v", closed, err)
	}
	if len(messages) != 1 || string(messages[0]) != "split-across-feeds" {
		t.Fatalf("messages = %q, want one %q", messages, "split-across-feeds")
	}
	if len(parser.remainder()) != 0 {
		t.Errorf("remainder = %d bytes after complete frame, want 0", len(parser.remainder()))
	}
}

// TestWebSocketHandoffReplayContinuesCompression simulates the child
// side of a socket handoff: a fresh adapter seeded with the parent's
// recorded raw stream must decode messages whose backreferences point
// into pre-handoff data.
func TestWebSocketHandoffReplayContinuesCompression(t *testing.T) {
	parent, parentClient, parentData, _ := startWebSocket(t, WebSocketOptions{PermessageDeflate: true})

	clientSend := &FlateState{}
	go func() {
		parentClient.Write(encodeFrame(t, clientBinaryFrame(t, []byte("the quick brown fox"), clientSend)))
		parentClient.Write(encodeFrame(t, clientBinaryFrame(t, []byte("jumps over the lazy dog"), clientSend)))
	}()
	testutil.RequireReceive(t, parentData, 5*time.Second, "parent message one")
	testutil.RequireReceive(t, parentData, 5*time.Second, "parent message two")

	parent.PauseReads()
	state := parent.HandoffState()
	if !state.PermessageDeflate || state.SkipFraming {
		t.Fatalf("handoff state = %+v", state)
	}

	// Child reconstructs the adapter on a new connection carrying the
	// rest of the stream.
	_, childClient, childData, _ := startWebSocket(t, WebSocketOptions{
		PermessageDeflate: true,
		ReplayBytes:       state.InflateBytes,
	})
	go func() {
		// Same client compression state: this message backreferences
		// the two pre-handoff messages.
		childClient.Write(encodeFrame(t, clientBinaryFrame(t, []byte("the quick brown fox jumps over the lazy dog"), clientSend)))
	}()

	message := testutil.RequireReceive(t, childData, 5*time.Second, "post-handoff message")
	if string(message) != "the quick brown fox jumps over the lazy dog" {
		t.Errorf("child decoded %q", message)
	}
}
