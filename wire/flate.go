// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// flateWindowSize is the DEFLATE sliding window: backreferences reach
// at most 32 KiB into prior output, so keeping the last 32 KiB of each
// direction's plaintext is a complete compression context.
const flateWindowSize = 32 * 1024

// flateTail is the sync-flush marker RFC 7692 strips from the end of
// every compressed message. Appended back before inflating.
var flateTail = []byte{0x00, 0x00, 0xff, 0xff}

// flateFinalBlock is an empty stored block with the final bit set.
// Appended after the tail when inflating so the decompressor sees a
// terminated stream instead of reporting an unexpected EOF.
var flateFinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// FlateState implements permessage-deflate with context takeover. Each
// direction keeps a sliding window of recent plaintext used as the
// dictionary for the next message, so backreferences may reach into
// earlier messages.
//
// Not safe for concurrent use; the owning socket serializes access
// per direction.
type FlateState struct {
	readWindow  []byte
	writeWindow []byte
}

// Inflate decompresses one message payload (tail already stripped by
// the sender) and advances the receive window.
func (f *FlateState) Inflate(compressed []byte) ([]byte, error) {
	stream := make([]byte, 0, len(compressed)+len(flateTail)+len(flateFinalBlock))
	stream = append(stream, compressed...)
	stream = append(stream, flateTail...)
	stream = append(stream, flateFinalBlock...)

	reader := flate.NewReaderDict(bytes.NewReader(stream), f.readWindow)
	plain, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("wire: inflate message: %w", err)
	}
	f.readWindow = appendWindow(f.readWindow, plain)
	return plain, nil
}

// Deflate compresses one message payload, strips the sync-flush tail,
// and advances the send window.
func (f *FlateState) Deflate(plain []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := flate.NewWriterDict(&buffer, flate.DefaultCompression, f.writeWindow)
	if err != nil {
		return nil, fmt.Errorf("wire: deflate init: %w", err)
	}
	if _, err := writer.Write(plain); err != nil {
		return nil, fmt.Errorf("wire: deflate message: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("wire: deflate flush: %w", err)
	}

	compressed := buffer.Bytes()
	if len(compressed) < len(flateTail) || !bytes.Equal(compressed[len(compressed)-len(flateTail):], flateTail) {
		return nil, fmt.Errorf("wire: deflate output missing sync-flush tail")
	}
	compressed = compressed[:len(compressed)-len(flateTail)]

	f.writeWindow = appendWindow(f.writeWindow, plain)
	return compressed, nil
}

// appendWindow appends data to a sliding window, keeping the last
// flateWindowSize bytes.
func appendWindow(window, data []byte) []byte {
	window = append(window, data...)
	if excess := len(window) - flateWindowSize; excess > 0 {
		window = append(window[:0], window[excess:]...)
	}
	return window
}
