// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Outpost host configuration.
//
// Configuration comes from a single YAML file named by:
//   - the OUTPOST_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallbacks or automatic discovery, and environment
// variables never override file values. This keeps configuration
// deterministic and auditable.
package config
