// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package session models one logical client session, identified by its
// reconnection token and outliving any individual transport.
//
// A session is Online while a protocol with a live socket is attached,
// Offline after the socket drops (the session stays addressable by its
// token), and Disposed after an explicit close or grace-period expiry.
// [Session] is the generic IPC form; [ExtensionHost] additionally owns
// a child process and hands each attached socket to it. [Registry]
// maps reconnection tokens to live sessions, runs the offline grace
// period, and remembers disposed tokens so a late reconnect gets a
// definitive error instead of a silent miss.
package session
