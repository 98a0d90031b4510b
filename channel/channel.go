// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"github.com/outpost-dev/outpost/lib/codec"
)

// Context identifies the session a request arrived on. Handlers use it
// to scope state per client.
type Context struct {
	// SessionToken is the session's reconnection token.
	SessionToken string

	// RemoteAuthority names the client-side authority this session
	// serves, as negotiated out of band. May be empty.
	RemoteAuthority string
}

// Handler serves one named channel.
//
// Call handles a request/response command; the returned value is
// CBOR-encoded into the response. Unimplemented commands must return
// UnknownCommand, not a nil result.
//
// Listen starts one underlying event emitter. emit may be called from
// any goroutine until the returned cancel function runs; the server
// reference-counts emitters, so Listen runs once per distinct
// (event, args) on a session no matter how many client listeners
// share it. Unimplemented events must return UnknownEvent.
type Handler interface {
	Call(ctx Context, command string, args codec.RawMessage) (any, error)

	Listen(ctx Context, event string, args codec.RawMessage, emit func(data any)) (cancel func(), err error)
}

// Request kinds on the wire.
const (
	requestKindCall     = "call"
	requestKindListen   = "listen"
	requestKindUnlisten = "unlisten"
)

// Response kinds on the wire.
const (
	responseKindResult = "result"
	responseKindError  = "error"
	responseKindEvent  = "event"
)

// requestEnvelope is one client request, CBOR-encoded in a regular
// protocol message.
type requestEnvelope struct {
	ID      uint64           `cbor:"id"`
	Kind    string           `cbor:"kind"`
	Channel string           `cbor:"channel"`
	Name    string           `cbor:"name"`
	Args    codec.RawMessage `cbor:"args,omitempty"`
}

// responseEnvelope is one server reply or event frame. ID correlates
// with the originating request; listen requests receive any number of
// event frames until unlistened.
type responseEnvelope struct {
	ID    uint64           `cbor:"id"`
	Kind  string           `cbor:"kind"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
	Error *ChannelError    `cbor:"error,omitempty"`
}
