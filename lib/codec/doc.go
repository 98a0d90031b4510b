// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes Outpost's CBOR configuration. Channel
// request, response, and event bodies are encoded as deterministic
// CBOR (RFC 8949 §4.2) so that the same logical value always produces
// identical bytes. Consumers import this package rather than
// fxamacker/cbor directly.
package codec
