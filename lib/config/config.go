// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration for outpostd.
type Config struct {
	// Listen configures the client-facing listener.
	Listen ListenConfig `yaml:"listen"`

	// ConnectionToken, when set, is the shared secret clients must
	// prove during the handshake. Empty disables the check.
	ConnectionToken string `yaml:"connection_token"`

	// Timeouts configures protocol and session timing.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// ExtensionHost configures the child process serving
	// extension-host connections.
	ExtensionHost ExtensionHostConfig `yaml:"extension_host"`
}

// ListenConfig names the listener endpoint. Exactly one of Address
// (TCP) or SocketPath (Unix) must be set.
type ListenConfig struct {
	// Address is a TCP listen address, for example "127.0.0.1:8000".
	Address string `yaml:"address"`

	// SocketPath is a Unix socket path, for local-only deployments.
	SocketPath string `yaml:"socket_path"`
}

// TimeoutsConfig holds the host's timing knobs. Zero values select
// the defaults applied by Default.
type TimeoutsConfig struct {
	// Handshake bounds the connection handshake.
	Handshake time.Duration `yaml:"handshake"`

	// ReconnectionGrace is how long an offline session stays
	// resumable.
	ReconnectionGrace time.Duration `yaml:"reconnection_grace"`

	// ChildReady bounds the wait for the extension host's READY
	// message.
	ChildReady time.Duration `yaml:"child_ready"`

	// KeepAliveInterval is the spacing of protocol keep-alive frames.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// ExtensionHostConfig describes the extension host child process.
type ExtensionHostConfig struct {
	// Binary is the child executable path.
	Binary string `yaml:"binary"`

	// Args are extra arguments passed to the child.
	Args []string `yaml:"args"`

	// DebugPort is the inspector port advertised to clients. Zero
	// disables the inspector.
	DebugPort int `yaml:"debug_port"`
}

// Default returns the configuration used when the file leaves values
// unset.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: "127.0.0.1:8000"},
		Timeouts: TimeoutsConfig{
			Handshake:         10 * time.Second,
			ReconnectionGrace: 3 * time.Minute,
			ChildReady:        5 * time.Second,
			KeepAliveInterval: 5 * time.Second,
		},
	}
}

// Load reads the file named by OUTPOST_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("OUTPOST_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OUTPOST_CONFIG environment variable not set; " +
			"set it to the path of your outpost.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// An explicit socket path replaces the default TCP address rather
	// than listening on both.
	if cfg.Listen.SocketPath != "" && cfg.Listen.Address == Default().Listen.Address {
		cfg.Listen.Address = ""
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency. All
// problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Address == "" && c.Listen.SocketPath == "" {
		errs = append(errs, fmt.Errorf("listen.address or listen.socket_path is required"))
	}
	if c.Listen.Address != "" && c.Listen.SocketPath != "" {
		errs = append(errs, fmt.Errorf("listen.address and listen.socket_path are mutually exclusive"))
	}
	if c.Timeouts.Handshake <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.handshake must be positive"))
	}
	if c.Timeouts.ReconnectionGrace <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.reconnection_grace must be positive"))
	}
	if c.Timeouts.ChildReady <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.child_ready must be positive"))
	}
	if c.Timeouts.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("timeouts.keep_alive_interval must not be negative"))
	}
	if c.ExtensionHost.Binary == "" {
		errs = append(errs, fmt.Errorf("extension_host.binary is required"))
	}
	if c.ExtensionHost.DebugPort < 0 || c.ExtensionHost.DebugPort > 65535 {
		errs = append(errs, fmt.Errorf("extension_host.debug_port must be a valid port"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
