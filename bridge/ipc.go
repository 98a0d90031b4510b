// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// IPC message types. The parent sends socket and terminate messages;
// the child sends the rest.
const (
	messageTypeReady        = "READY"
	messageTypeSocket       = "IPC_SOCKET"
	messageTypeConsole      = "CONSOLE"
	messageTypeDisconnected = "DISCONNECTED"
	messageTypeTerminate    = "TERMINATE"
)

// ipcMessage is the JSON body of one bridge channel message. A socket
// message additionally carries a file descriptor as ancillary data on
// the same write.
type ipcMessage struct {
	Type string `json:"type"`

	// InitialDataChunk is protocol data the parent buffered but never
	// delivered, base64-encoded. The child feeds it to its protocol
	// ahead of anything read from the descriptor.
	InitialDataChunk []byte `json:"initialDataChunk,omitempty"`

	// SkipFraming is true when the descriptor carries a raw byte
	// stream rather than WebSocket frames.
	SkipFraming bool `json:"skipFraming,omitempty"`

	// PermessageDeflate is true when WebSocket compression was
	// negotiated on the descriptor.
	PermessageDeflate bool `json:"permessageDeflate,omitempty"`

	// InflateBytes is the raw stream prefix the child replays to
	// rebuild frame-parser and decompressor state, base64-encoded.
	InflateBytes []byte `json:"inflateBytes,omitempty"`

	// Severity and Message carry child console output.
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// maxIPCMessageLength bounds a single channel message. Initial data
// and inflate state can be sizable but never approach this.
const maxIPCMessageLength = 64 * 1024 * 1024

// ipcConn frames ipcMessages over a Unix stream socket and collects
// file descriptors arriving as ancillary data. Each message is a
// 4-byte big-endian length followed by the JSON body; a descriptor
// rides on the same sendmsg call as its socket message.
type ipcConn struct {
	conn *net.UnixConn

	writeMu sync.Mutex

	readMu sync.Mutex
	buffer []byte
	fds    []int
}

func newIPCConn(conn *net.UnixConn) *ipcConn {
	return &ipcConn{conn: conn}
}

// writeMessage sends one message, attaching fd when it is >= 0.
func (c *ipcConn) writeMessage(msg ipcMessage, fd int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bridge: encoding %s message: %w", msg.Type, err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	var rights []byte
	if fd >= 0 {
		rights = unix.UnixRights(fd)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, _, err := c.conn.WriteMsgUnix(frame, rights, nil); err != nil {
		return fmt.Errorf("bridge: writing %s message: %w", msg.Type, err)
	}
	return nil
}

// readMessage blocks until one complete message is available.
// Descriptors received alongside any read are queued for takeFD.
func (c *ipcConn) readMessage() (ipcMessage, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if len(c.buffer) >= 4 {
			length := binary.BigEndian.Uint32(c.buffer)
			if length > maxIPCMessageLength {
				return ipcMessage{}, fmt.Errorf("bridge: message length %d exceeds maximum %d", length, maxIPCMessageLength)
			}
			if len(c.buffer) >= 4+int(length) {
				body := c.buffer[4 : 4+length]
				var msg ipcMessage
				if err := json.Unmarshal(body, &msg); err != nil {
					return ipcMessage{}, fmt.Errorf("bridge: decoding message: %w", err)
				}
				c.buffer = c.buffer[4+length:]
				return msg, nil
			}
		}

		data := make([]byte, 64*1024)
		oob := make([]byte, unix.CmsgSpace(4*4))
		n, oobn, _, _, err := c.conn.ReadMsgUnix(data, oob)
		if n > 0 {
			c.buffer = append(c.buffer, data[:n]...)
		}
		if oobn > 0 {
			if err := c.collectRights(oob[:oobn]); err != nil {
				return ipcMessage{}, err
			}
		}
		if err != nil {
			return ipcMessage{}, err
		}
	}
}

// collectRights parses ancillary data and queues any descriptors.
func (c *ipcConn) collectRights(oob []byte) error {
	controlMessages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("bridge: parsing control message: %w", err)
	}
	for _, controlMessage := range controlMessages {
		fds, err := unix.ParseUnixRights(&controlMessage)
		if err != nil {
			return fmt.Errorf("bridge: parsing descriptor rights: %w", err)
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// takeFD pops the oldest received descriptor.
func (c *ipcConn) takeFD() (int, bool) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.fds) == 0 {
		return -1, false
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, true
}

func (c *ipcConn) close() error {
	return c.conn.Close()
}
