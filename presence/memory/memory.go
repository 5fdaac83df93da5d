// Package memory provides an in-process implementation of the presence.Mirror
// interface. State is local to the process, so it offers no cross-process
// continuity; it exists for tests and single-node deployments that still want
// the mirrored code path exercised.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-registry/presence"
)

var _ presence.Mirror = (*Mirror)(nil)

// Mirror implements presence.Mirror with a map of key to absolute expiry.
// Expired records are swept lazily on access. Safe for concurrent use.
type Mirror struct {
	mu      sync.Mutex
	records map[string]time.Time

	keyPrefix string
	now       func() time.Time
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithKeyPrefix sets the presence-key namespace. Defaults to
// presence.DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(m *Mirror) { m.keyPrefix = prefix }
}

// WithClock overrides the time source for TTL accounting.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// New creates an in-process mirror.
func New(opts ...Option) *Mirror {
	m := &Mirror{
		records: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarkPresent implements presence.Mirror.
func (m *Mirror) MarkPresent(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[presence.Key(m.keyPrefix, sessionID)] = m.now().Add(ttl)
	return nil
}

// ClearPresence implements presence.Mirror.
func (m *Mirror) ClearPresence(ctx context.Context, sessionID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, presence.Key(m.keyPrefix, sessionID))
	return nil
}

// CheckPresence implements presence.Mirror.
func (m *Mirror) CheckPresence(ctx context.Context, sessionID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	key := presence.Key(m.keyPrefix, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.records[key]
	if !ok {
		return false, nil
	}
	if m.now().After(expiresAt) {
		delete(m.records, key)
		return false, nil
	}
	return true, nil
}

// Close implements presence.Mirror.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]time.Time)
	return nil
}
