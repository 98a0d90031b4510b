// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel multiplexes named channels over a session's message
// stream. Each channel is a handler registered once at startup and
// exposes request/response calls plus event subscriptions; every
// incoming request names its channel, so one persistent protocol
// carries arbitrarily many independent services.
//
// Requests on the same session dispatch in arrival order (the session
// is a single logical stream); the server imposes no ordering across
// sessions. Event subscriptions are reference-counted per emitter so
// that OS-level resources behind a watch are created once and torn
// down when the last listener, or the session itself, goes away.
//
// Unknown channels, commands, and events fail with typed errors
// rather than silent no-ops; clients depend on that to detect version
// skew.
package channel
