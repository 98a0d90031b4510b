// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import "encoding/json"

// Kind is the connection type a client requests during handshake.
type Kind int

const (
	// KindManagement is a generic IPC connection carrying channel
	// traffic.
	KindManagement Kind = iota + 1

	// KindExtensionHost is a connection whose data plane is handed
	// off to a spawned extension host process.
	KindExtensionHost

	// KindTunnel is a raw byte tunnel to a local port.
	KindTunnel
)

// String returns the wire spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindManagement:
		return "management"
	case KindExtensionHost:
		return "extensionHost"
	case KindTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// parseKind maps a wire spelling back to a Kind.
func parseKind(s string) (Kind, bool) {
	switch s {
	case "management":
		return KindManagement, true
	case "extensionHost":
		return KindExtensionHost, true
	case "tunnel":
		return KindTunnel, true
	default:
		return 0, false
	}
}

// ControlMessage is the JSON envelope for every handshake-layer
// control message, in both directions. Unused fields are omitted per
// message type.
type ControlMessage struct {
	// Type discriminates the message: "auth", "sign",
	// "connectionType", "ok", "error", "debug".
	Type string `json:"type"`

	// Data is the challenge payload on a "sign" message.
	Data string `json:"data,omitempty"`

	// Auth is an opaque client credential on an "auth" message.
	Auth string `json:"auth,omitempty"`

	// SignedData is the client's answer to the challenge, carried on
	// the "connectionType" message.
	SignedData string `json:"signedData,omitempty"`

	// DesiredConnectionType names the connection kind on a
	// "connectionType" message: "management", "extensionHost", or
	// "tunnel".
	DesiredConnectionType string `json:"desiredConnectionType,omitempty"`

	// ReconnectionToken identifies the logical session. Required on
	// "connectionType"; the same token resumes the same session.
	ReconnectionToken string `json:"reconnectionToken,omitempty"`

	// IsReconnect marks a "connectionType" message as resuming an
	// existing session rather than opening a new one.
	IsReconnect bool `json:"isReconnect,omitempty"`

	// Commit pins the client's expected host build on a
	// "connectionType" message.
	Commit string `json:"commit,omitempty"`

	// TunnelPort is the local port to forward for tunnel
	// connections.
	TunnelPort int `json:"tunnelPort,omitempty"`

	// Reason describes the failure on an "error" message.
	Reason string `json:"reason,omitempty"`

	// DebugPort advertises the extension host inspector port on a
	// "debug" message.
	DebugPort int `json:"debugPort,omitempty"`
}

// OKMessage is the session-established acknowledgement.
func OKMessage() []byte {
	encoded, _ := json.Marshal(ControlMessage{Type: "ok"})
	return encoded
}

// DebugMessage advertises the extension host debug port.
func DebugMessage(port int) []byte {
	encoded, _ := json.Marshal(ControlMessage{Type: "debug", DebugPort: port})
	return encoded
}

// ErrorMessage reports a fatal session error to the client.
func ErrorMessage(reason string) []byte {
	encoded, _ := json.Marshal(ControlMessage{Type: "error", Reason: reason})
	return encoded
}
