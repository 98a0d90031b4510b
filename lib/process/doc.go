// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the Outpost
// binaries.
package process
