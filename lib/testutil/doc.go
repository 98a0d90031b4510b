// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the
// repository: timeout-guarded channel operations and short socket
// directories. Test-only; production code must not import it.
package testutil
