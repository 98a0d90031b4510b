// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "fmt"

// ErrorCode classifies a channel failure on the wire.
type ErrorCode string

const (
	// ErrCodeUnknownChannel names a channel nothing registered.
	ErrCodeUnknownChannel ErrorCode = "unknown-channel"

	// ErrCodeUnknownCommand names a command the channel's handler
	// does not implement.
	ErrCodeUnknownCommand ErrorCode = "unknown-command"

	// ErrCodeUnknownEvent names an event the channel's handler does
	// not emit.
	ErrCodeUnknownEvent ErrorCode = "unknown-event"

	// ErrCodeCallFailed wraps an ordinary handler error.
	ErrCodeCallFailed ErrorCode = "call-failed"
)

// ChannelError is a channel failure delivered to the calling client.
// It is distinguishable from a successful empty result.
type ChannelError struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message"`
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel: %s: %s", e.Code, e.Message)
}

// UnknownCommand builds the error a handler returns for a command it
// does not implement.
func UnknownCommand(command string) *ChannelError {
	return &ChannelError{Code: ErrCodeUnknownCommand, Message: fmt.Sprintf("unknown command %q", command)}
}

// UnknownEvent builds the error a handler returns for an event it
// does not emit.
func UnknownEvent(event string) *ChannelError {
	return &ChannelError{Code: ErrCodeUnknownEvent, Message: fmt.Sprintf("unknown event %q", event)}
}
