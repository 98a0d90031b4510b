// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the protocol and session layers so
// that every timeout in the system (handshake deadline, reconnection
// grace period, keep-alive interval, bridge ready-wait) can be driven
// deterministically in tests.
//
// Production code injects Real(); tests inject Fake() and call Advance
// to fire timers. Protocol and session code never calls the time
// package directly for scheduling.
package clock
