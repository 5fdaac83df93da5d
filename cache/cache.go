// Package cache provides the bounded, TTL-aware local store of live session
// handles using github.com/hashicorp/golang-lru/v2 for least-recently-used
// eviction. It is always the authoritative source for handle retrieval; the
// presence mirror only records that an id exists somewhere.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-registry/transport"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCapacity bounds the number of tracked handles per process.
	DefaultCapacity = 20
	// DefaultTTL is the idle lifetime of a tracked handle.
	DefaultTTL = 10 * time.Minute
)

// Config configures a Cache. Zero values take the package defaults.
type Config struct {
	// Capacity is the maximum number of tracked handles. Insertion past
	// capacity evicts the least recently used entry.
	Capacity int
	// TTL is the per-entry lifetime. Expiry is checked lazily on access.
	TTL time.Duration
	// DisableSlidingExpiration stops successful lookups from resetting an
	// entry's remaining TTL. Sliding expiration is on by default.
	DisableSlidingExpiration bool
	// Clock overrides the time source for TTL accounting. Tests inject a
	// fake; production leaves this nil for time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type entry struct {
	handle    transport.Handle
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU of session id to handle with per-entry TTL.
// It is safe for concurrent use. At most one handle is tracked per id.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]

	capacity int
	ttl      time.Duration
	sliding  bool
	now      func() time.Time
}

// New creates a Cache with the given configuration.
func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()
	entries, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache{
		entries:  entries,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		sliding:  !cfg.DisableSlidingExpiration,
		now:      cfg.Clock,
	}, nil
}

// Set registers handle under id, replacing any prior entry for that id. If
// the insertion displaces a least-recently-used entry, that entry's handle is
// returned so the caller can close it outside the cache lock.
func (c *Cache) Set(id string, h transport.Handle) (evicted transport.Handle, wasEvicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.entries.Contains(id) && c.entries.Len() >= c.capacity {
		if _, victim, ok := c.entries.GetOldest(); ok {
			c.entries.RemoveOldest()
			evicted = victim.handle
			wasEvicted = true
		}
	}
	c.entries.Add(id, &entry{handle: h, expiresAt: c.now().Add(c.ttl)})
	return evicted, wasEvicted
}

// Get returns the handle tracked under id. Missing and expired ids both
// report ok=false; an expired entry is removed on the way out. A hit counts
// as recent use for eviction ordering and, unless sliding expiration is
// disabled, resets the entry's remaining TTL.
func (c *Cache) Get(id string) (h transport.Handle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(id)
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.After(e.expiresAt) {
		c.entries.Remove(id)
		return nil, false
	}
	if c.sliding {
		e.expiresAt = now.Add(c.ttl)
	}
	return e.handle, true
}

// Delete removes the entry for id. Absent ids are a no-op.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(id)
}

// Len returns the current count of tracked entries. Entries past their TTL
// still count until a lookup sweeps them; expiry is lazy.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Purge drops every entry without touching the handles.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
