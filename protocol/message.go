// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageType discriminates protocol frames.
type MessageType byte

const (
	// MessageTypeNone is never sent; it marks an unset value.
	MessageTypeNone MessageType = iota

	// MessageTypeRegular carries an application payload. Regular
	// messages have an ID, are queued until acknowledged, and are
	// replayed after a reconnection.
	MessageTypeRegular

	// MessageTypeControl carries handshake and protocol-management
	// payloads. Control messages have no ID, are never queued for
	// replay, and are dispatched ahead of later regular messages.
	MessageTypeControl

	// MessageTypeAck acknowledges regular messages. The Ack header
	// field holds the highest delivered ID; the sender prunes its
	// replay queue up to it.
	MessageTypeAck

	// MessageTypeKeepAlive keeps NAT mappings and proxies warm. No
	// payload; ignored by the delivery path.
	MessageTypeKeepAlive

	// MessageTypeDisconnect announces an orderly shutdown of the
	// logical session, as opposed to a transport drop that the peer
	// may reconnect from.
	MessageTypeDisconnect

	// MessageTypePause asks the peer to stop sending regular
	// messages until MessageTypeResume. Control messages still flow.
	MessageTypePause

	// MessageTypeResume lifts a pause.
	MessageTypeResume

	// MessageTypeReplayRequest asks the peer to resend every
	// unacknowledged regular message.
	MessageTypeReplayRequest
)

// headerLength is the fixed frame header: type (1), id (4, big-endian
// uint32), ack (4), payload length (4).
const headerLength = 13

// maxPayloadLength caps a single frame's payload.
const maxPayloadLength = 16 * 1024 * 1024

// message is one protocol frame.
type message struct {
	Type    MessageType
	ID      uint32
	Ack     uint32
	Payload []byte
}

// encodeMessage serializes m into a fresh buffer.
func encodeMessage(m message) []byte {
	encoded := make([]byte, headerLength+len(m.Payload))
	encoded[0] = byte(m.Type)
	binary.BigEndian.PutUint32(encoded[1:5], m.ID)
	binary.BigEndian.PutUint32(encoded[5:9], m.Ack)
	binary.BigEndian.PutUint32(encoded[9:13], uint32(len(m.Payload)))
	copy(encoded[headerLength:], m.Payload)
	return encoded
}

// messageReader incrementally parses frames from an append-only byte
// stream. Peek exposes the next complete frame without consuming it so
// the protocol can hold delivery until a handler is registered.
type messageReader struct {
	buffer []byte
}

// append adds raw stream bytes.
func (r *messageReader) append(p []byte) {
	r.buffer = append(r.buffer, p...)
}

// peek returns the next complete frame, if one is buffered. The
// returned payload aliases the buffer; consume before retaining it.
func (r *messageReader) peek() (message, bool, error) {
	if len(r.buffer) < headerLength {
		return message{}, false, nil
	}
	payloadLength := binary.BigEndian.Uint32(r.buffer[9:13])
	if payloadLength > maxPayloadLength {
		return message{}, false, fmt.Errorf("protocol: payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	total := headerLength + int(payloadLength)
	if len(r.buffer) < total {
		return message{}, false, nil
	}
	return message{
		Type:    MessageType(r.buffer[0]),
		ID:      binary.BigEndian.Uint32(r.buffer[1:5]),
		Ack:     binary.BigEndian.Uint32(r.buffer[5:9]),
		Payload: r.buffer[headerLength:total],
	}, true, nil
}

// consume discards the frame returned by the last peek.
func (r *messageReader) consume() {
	payloadLength := binary.BigEndian.Uint32(r.buffer[9:13])
	r.buffer = r.buffer[headerLength+int(payloadLength):]
}

// drain returns all buffered, unconsumed bytes and empties the reader.
func (r *messageReader) drain() []byte {
	drained := r.buffer
	r.buffer = nil
	return drained
}
