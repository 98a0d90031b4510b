// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-dev/outpost/lib/clock"
	"github.com/outpost-dev/outpost/protocol"
)

// DefaultGracePeriod is how long an offline session stays addressable
// by its reconnection token before disposal.
const DefaultGracePeriod = 3 * time.Minute

var (
	// ErrUnknownSession reports a reconnection token the registry has
	// never seen.
	ErrUnknownSession = errors.New("session: unknown reconnection token")

	// ErrSessionDisposed reports a token whose session was disposed.
	// Disposed tokens are never reused for recovery.
	ErrSessionDisposed = errors.New("session: session was disposed")

	// ErrTokenInUse reports an attempt to register a second live
	// session under an existing token.
	ErrTokenInUse = errors.New("session: reconnection token already in use")
)

// Resumable is the session surface the registry manages. Both session
// kinds implement it.
type Resumable interface {
	Token() string
	Resume(incoming *protocol.Protocol) error
	SetOffline(err error)
	Dispose(reason string)
	OnClose(func())
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// GracePeriod bounds how long an offline session survives. Zero
	// means DefaultGracePeriod.
	GracePeriod time.Duration

	// Clock drives grace timers. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Registry maps reconnection tokens to sessions. Offline sessions are
// disposed after the grace period; disposed tokens leave a tombstone
// so a late reconnect gets ErrSessionDisposed rather than
// ErrUnknownSession.
type Registry struct {
	clk    clock.Clock
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	session    Resumable
	tombstone  bool
	graceTimer *clock.Timer
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		clk:     clk,
		logger:  logger,
		grace:   grace,
		entries: make(map[string]*registryEntry),
	}
}

// Add registers a live session under its token. The registry retires
// the token when the session closes. A tombstoned token may be reused
// by a fresh session.
func (r *Registry) Add(s Resumable) error {
	token := s.Token()
	r.mu.Lock()
	if existing, ok := r.entries[token]; ok && !existing.tombstone {
		r.mu.Unlock()
		return ErrTokenInUse
	}
	r.entries[token] = &registryEntry{session: s}
	r.mu.Unlock()

	s.OnClose(func() { r.retire(token) })
	return nil
}

// Resume hands a reconnecting client's protocol to the session owning
// its token, cancelling any running grace timer.
func (r *Registry) Resume(token string, incoming *protocol.Protocol) error {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	if entry.tombstone {
		r.mu.Unlock()
		return ErrSessionDisposed
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
		entry.graceTimer = nil
	}
	session := entry.session
	r.mu.Unlock()

	return session.Resume(incoming)
}

// SessionOffline starts the grace period for a token. When it expires
// without a resume, the session is disposed. Calling it again while a
// timer runs is a no-op.
func (r *Registry) SessionOffline(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[token]
	if !ok || entry.tombstone || entry.graceTimer != nil {
		return
	}
	r.logger.Info("session offline, grace period running",
		"session", token,
		"grace", r.grace,
	)
	entry.graceTimer = r.clk.AfterFunc(r.grace, func() {
		r.expire(token)
	})
}

// expire disposes a session whose grace period ran out.
func (r *Registry) expire(token string) {
	r.mu.Lock()
	entry, ok := r.entries[token]
	if !ok || entry.tombstone {
		r.mu.Unlock()
		return
	}
	session := entry.session
	r.mu.Unlock()

	r.logger.Info("reconnection grace period expired", "session", token)
	session.Dispose("reconnection grace period expired")
}

// retire tombstones a closed session's token.
func (r *Registry) retire(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[token]
	if !ok {
		return
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
		entry.graceTimer = nil
	}
	entry.tombstone = true
	entry.session = nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := 0
	for _, entry := range r.entries {
		if !entry.tombstone {
			live++
		}
	}
	return live
}

// DisposeAll disposes every live session, for host shutdown.
func (r *Registry) DisposeAll(reason string) {
	r.mu.Lock()
	var sessions []Resumable
	for _, entry := range r.entries {
		if !entry.tombstone {
			sessions = append(sessions, entry.session)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Dispose(reason)
	}
}
