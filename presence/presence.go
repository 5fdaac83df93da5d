// Package presence defines the optional distributed mirror that records which
// session ids currently exist somewhere in a fleet. A presence record is a
// sentinel value under a prefixed key with a TTL; it never carries session
// state. Its existence licenses rehydration on a process that has no local
// handle for the id, nothing more.
//
// Implementations
//
//	memory : in-process map used for tests / single-node setups
//	redis  : Redis-backed mirror for cross-process continuity
//
// The registry treats every mirror fault as advisory: errors returned from
// these methods are logged and swallowed at the call site, never surfaced to
// the registry's callers.
package presence

import (
	"context"
	"strings"
	"time"
)

// Sentinel is the fixed value written under a presence key. It carries no
// payload; only key existence matters.
const Sentinel = "1"

// DefaultKeyPrefix namespaces presence keys when no prefix is configured.
const DefaultKeyPrefix = "mcp:session"

// Mirror records session id existence with per-record TTL.
type Mirror interface {
	// MarkPresent writes the sentinel under the id's key with the given
	// lifetime, refreshing the TTL if the record already exists.
	MarkPresent(ctx context.Context, sessionID string, ttl time.Duration) error

	// ClearPresence deletes the id's record. Absent records are a no-op.
	ClearPresence(ctx context.Context, sessionID string) error

	// CheckPresence reports whether a record for the id currently exists.
	CheckPresence(ctx context.Context, sessionID string) (bool, error)

	// Close releases the mirror's resources.
	Close() error
}

// Key builds the mirror key for a session id. A trailing colon on the
// configured prefix is normalized away; an empty prefix takes the default.
func Key(prefix, sessionID string) string {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + ":" + sessionID
}
