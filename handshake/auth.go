// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Signer produces and checks challenge responses. The host sends each
// client a fresh challenge; the client answers with Sign(challenge) and
// the host accepts the connection only if Validate agrees.
type Signer interface {
	// Sign answers a challenge.
	Sign(challenge string) string

	// Validate reports whether response is a valid answer to
	// challenge.
	Validate(challenge, response string) bool
}

// MACSigner authenticates with a keyed BLAKE3 MAC over the challenge.
// Both ends derive the key from the shared connection token.
type MACSigner struct {
	key [32]byte
}

var _ Signer = (*MACSigner)(nil)

// NewMACSigner derives a signer from the shared connection token.
func NewMACSigner(connectionToken string) *MACSigner {
	return &MACSigner{key: blake3.Sum256([]byte(connectionToken))}
}

// Sign answers a challenge.
func (s *MACSigner) Sign(challenge string) string {
	hasher, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length; the key is
		// always 32 bytes here.
		panic(err)
	}
	hasher.Write([]byte(challenge))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Validate reports whether response is a valid answer to challenge.
func (s *MACSigner) Validate(challenge, response string) bool {
	expected := s.Sign(challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// PassthroughSigner accepts every response. Used when no connection
// token is configured.
type PassthroughSigner struct{}

var _ Signer = PassthroughSigner{}

// Sign returns the challenge unchanged.
func (PassthroughSigner) Sign(challenge string) string { return challenge }

// Validate always reports true.
func (PassthroughSigner) Validate(challenge, response string) bool { return true }
