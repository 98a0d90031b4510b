// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/lib/testutil"
	"github.com/outpost-dev/outpost/protocol"
	"github.com/outpost-dev/outpost/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness joins a server protocol under handshake to a scripted client
// protocol.
type harness struct {
	server         *protocol.Protocol
	client         *protocol.Protocol
	clientControls chan ControlMessage
	clientConn     net.Conn
	clock          *clock.FakeClock
	outcomes       chan runOutcome
}

type runOutcome struct {
	result Result
	err    error
}

func newHarness(t *testing.T, signer Signer) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	h := &harness{
		server:         protocol.New(protocol.Config{Socket: wire.NewNetSocket(serverConn, discardLogger()), Logger: discardLogger()}),
		client:         protocol.New(protocol.Config{Socket: wire.NewNetSocket(clientConn, discardLogger()), Logger: discardLogger()}),
		clientControls: make(chan ControlMessage, 16),
		clientConn:     clientConn,
		clock:          clock.Fake(time.Unix(1000, 0)),
		outcomes:       make(chan runOutcome, 1),
	}
	h.client.OnControl(func(payload []byte) {
		var msg ControlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Errorf("client received unparseable control message: %v", err)
			return
		}
		h.clientControls <- msg
	})
	h.server.Start()
	h.client.Start()

	go func() {
		result, err := Run(h.server, Options{
			Clock:  h.clock,
			Signer: signer,
			Logger: discardLogger(),
		})
		h.outcomes <- runOutcome{result: result, err: err}
	}()
	return h
}

// sendFromClient marshals msg and sends it on the client's control
// channel.
func (h *harness) sendFromClient(t *testing.T, msg ControlMessage) {
	t.Helper()
	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encoding client message: %v", err)
	}
	h.client.SendControl(encoded)
}

// requireCleanedUp asserts that the finished handshake released its
// timer and close watcher.
func (h *harness) requireCleanedUp(t *testing.T) {
	t.Helper()
	if pending := h.clock.PendingCount(); pending != 0 {
		t.Fatalf("%d timers still pending after handshake, want 0", pending)
	}
	if watchers := h.server.SocketCloseWatcherCount(); watchers != 0 {
		t.Fatalf("%d close watchers still registered after handshake, want 0", watchers)
	}
}

func TestRunNegotiatesConnection(t *testing.T) {
	signer := NewMACSigner("shared-token")
	h := newHarness(t, signer)

	challenge := testutil.RequireReceive(t, h.clientControls, time.Second, "opening challenge")
	if challenge.Type != "sign" || challenge.Data == "" {
		t.Fatalf("got %+v, want a sign message with challenge data", challenge)
	}

	// An auth message triggers a repeat of the challenge for clients
	// that connected before the opening send.
	h.sendFromClient(t, ControlMessage{Type: "auth", Auth: "credential"})
	repeat := testutil.RequireReceive(t, h.clientControls, time.Second, "repeated challenge")
	if repeat.Type != "sign" || repeat.Data != challenge.Data {
		t.Fatalf("got %+v, want the same challenge repeated", repeat)
	}

	h.sendFromClient(t, ControlMessage{
		Type:                  "connectionType",
		SignedData:            signer.Sign(challenge.Data),
		DesiredConnectionType: "extensionHost",
		ReconnectionToken:     "session-abc",
		IsReconnect:           true,
		Commit:                "deadbeef",
		TunnelPort:            0,
	})

	outcome := testutil.RequireReceive(t, h.outcomes, time.Second, "handshake completion")
	if outcome.err != nil {
		t.Fatalf("handshake failed: %v", outcome.err)
	}
	want := Result{
		Kind:              KindExtensionHost,
		ReconnectionToken: "session-abc",
		IsReconnect:       true,
		Commit:            "deadbeef",
	}
	if outcome.result != want {
		t.Fatalf("got %+v, want %+v", outcome.result, want)
	}
	h.requireCleanedUp(t)
}

func TestRunTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	testutil.RequireReceive(t, h.clientControls, time.Second, "opening challenge")

	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultTimeout)

	outcome := testutil.RequireReceive(t, h.outcomes, time.Second, "timeout outcome")
	if !errors.Is(outcome.err, ErrTimeout) {
		t.Fatalf("got error %v, want ErrTimeout", outcome.err)
	}
	h.requireCleanedUp(t)
}

func TestRunFailsOnSocketClose(t *testing.T) {
	h := newHarness(t, nil)
	testutil.RequireReceive(t, h.clientControls, time.Second, "opening challenge")

	h.clientConn.Close()

	outcome := testutil.RequireReceive(t, h.outcomes, time.Second, "socket-closed outcome")
	if !errors.Is(outcome.err, ErrSocketClosed) {
		t.Fatalf("got error %v, want ErrSocketClosed", outcome.err)
	}
	h.requireCleanedUp(t)
}

func TestRunRejectsBadSignature(t *testing.T) {
	h := newHarness(t, NewMACSigner("shared-token"))
	testutil.RequireReceive(t, h.clientControls, time.Second, "opening challenge")

	h.sendFromClient(t, ControlMessage{
		Type:                  "connectionType",
		SignedData:            "not-a-valid-mac",
		DesiredConnectionType: "management",
		ReconnectionToken:     "session-abc",
	})

	outcome := testutil.RequireReceive(t, h.outcomes, time.Second, "rejection outcome")
	if !errors.Is(outcome.err, ErrRejected) {
		t.Fatalf("got error %v, want ErrRejected", outcome.err)
	}
	h.requireCleanedUp(t)
}

func TestRunRejectsMalformedMessages(t *testing.T) {
	cases := []struct {
		name    string
		message ControlMessage
	}{
		{"unknown type", ControlMessage{Type: "bogus"}},
		{"unknown connection type", ControlMessage{Type: "connectionType", DesiredConnectionType: "carrier-pigeon", ReconnectionToken: "x"}},
		{"missing token", ControlMessage{Type: "connectionType", DesiredConnectionType: "management"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			testutil.RequireReceive(t, h.clientControls, time.Second, "opening challenge")

			h.sendFromClient(t, tc.message)
			outcome := testutil.RequireReceive(t, h.outcomes, time.Second, "malformed outcome")
			if !errors.Is(outcome.err, ErrMalformed) {
				t.Fatalf("got error %v, want ErrMalformed", outcome.err)
			}
			h.requireCleanedUp(t)
		})
	}
}

func TestMACSigner(t *testing.T) {
	signer := NewMACSigner("token")
	response := signer.Sign("challenge")
	if !signer.Validate("challenge", response) {
		t.Fatal("signer rejected its own response")
	}
	if signer.Validate("other-challenge", response) {
		t.Fatal("signer accepted a response for the wrong challenge")
	}
	if NewMACSigner("different-token").Validate("challenge", response) {
		t.Fatal("signer accepted a response built from a different token")
	}
}

func TestKindWireSpelling(t *testing.T) {
	for _, kind := range []Kind{KindManagement, KindExtensionHost, KindTunnel} {
		parsed, ok := parseKind(kind.String())
		if !ok || parsed != kind {
			t.Fatalf("round trip of %v failed: got %v, ok=%v", kind, parsed, ok)
		}
	}
	if _, ok := parseKind("unknown"); ok {
		t.Fatal("parseKind accepted an unknown spelling")
	}
}
