// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/protocol"
)

// DefaultTimeout bounds how long a client may take to complete the
// handshake before the socket is abandoned.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout reports that the client did not finish the handshake
	// in time.
	ErrTimeout = errors.New("handshake: timed out")

	// ErrSocketClosed reports that the transport dropped before the
	// handshake finished.
	ErrSocketClosed = errors.New("handshake: socket closed")

	// ErrMalformed reports a client message the handshake could not
	// accept.
	ErrMalformed = errors.New("handshake: malformed client message")

	// ErrRejected reports a failed challenge response.
	ErrRejected = errors.New("handshake: challenge response rejected")
)

// Options configures a handshake run.
type Options struct {
	// Timeout bounds the whole handshake. Zero means DefaultTimeout.
	Timeout time.Duration

	// Clock drives the timeout. Nil means clock.Real().
	Clock clock.Clock

	// Signer checks the client's challenge response. Nil means
	// PassthroughSigner.
	Signer Signer

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Result is a completed handshake.
type Result struct {
	// Kind is the negotiated connection type.
	Kind Kind

	// ReconnectionToken identifies the logical session this
	// connection belongs to.
	ReconnectionToken string

	// IsReconnect reports whether the client is resuming an existing
	// session.
	IsReconnect bool

	// Commit is the host build the client expects, empty if the
	// client did not pin one.
	Commit string

	// TunnelPort is the requested local port for tunnel connections.
	TunnelPort int
}

// outcome is the single value a handshake resolves to.
type outcome struct {
	result Result
	err    error
}

// Run performs the server side of the connection handshake over p's
// control channel and blocks until it completes, times out, or the
// socket closes. Exactly one outcome wins; the timeout timer, the
// socket close watcher, and the control handler are released on every
// path.
//
// Run owns p's control handler for its duration. On success the caller
// installs the session's handler before the next control message can
// matter: the protocol holds undelivered messages while no handler is
// registered.
func Run(p *protocol.Protocol, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	signer := opts.Signer
	if signer == nil {
		signer = PassthroughSigner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outcomes := make(chan outcome, 1)
	var once sync.Once
	finish := func(o outcome) {
		once.Do(func() { outcomes <- o })
	}

	challenge := uuid.NewString()
	challengeMessage, err := json.Marshal(ControlMessage{Type: "sign", Data: challenge})
	if err != nil {
		return Result{}, fmt.Errorf("handshake: encoding challenge: %w", err)
	}

	p.OnControl(func(payload []byte) {
		var msg ControlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			finish(outcome{err: fmt.Errorf("%w: %v", ErrMalformed, err)})
			return
		}
		switch msg.Type {
		case "auth":
			// The client may have missed the opening challenge if it
			// connected mid-send; answer its auth with a fresh copy.
			p.SendControl(challengeMessage)

		case "connectionType":
			if !signer.Validate(challenge, msg.SignedData) {
				finish(outcome{err: ErrRejected})
				return
			}
			kind, ok := parseKind(msg.DesiredConnectionType)
			if !ok {
				finish(outcome{err: fmt.Errorf("%w: unknown connection type %q", ErrMalformed, msg.DesiredConnectionType)})
				return
			}
			if msg.ReconnectionToken == "" {
				finish(outcome{err: fmt.Errorf("%w: missing reconnection token", ErrMalformed)})
				return
			}
			finish(outcome{result: Result{
				Kind:              kind,
				ReconnectionToken: msg.ReconnectionToken,
				IsReconnect:       msg.IsReconnect,
				Commit:            msg.Commit,
				TunnelPort:        msg.TunnelPort,
			}})

		default:
			finish(outcome{err: fmt.Errorf("%w: unexpected message type %q", ErrMalformed, msg.Type)})
		}
	})

	removeCloseWatcher := p.OnSocketClose(func(err error) {
		logger.Debug("socket closed during handshake", "error", err)
		finish(outcome{err: ErrSocketClosed})
	})
	timer := clk.AfterFunc(timeout, func() {
		finish(outcome{err: ErrTimeout})
	})

	p.SendControl(challengeMessage)

	o := <-outcomes
	timer.Stop()
	removeCloseWatcher()
	p.OnControl(nil)
	return o.result, o.err
}
