package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-session-registry/cache"
	"github.com/ggoodman/mcp-session-registry/presence"
	presenceredis "github.com/ggoodman/mcp-session-registry/presence/redis"
	"github.com/ggoodman/mcp-session-registry/transport"
	"github.com/ggoodman/mcp-session-registry/transport/streamable"
)

// mirrorOpTimeout is the hard ceiling on any single mirror call. A hung
// mirror must never stall local session handling; go-redis's bounded retries
// fit inside this budget.
const mirrorOpTimeout = 2 * time.Second

// Status classifies the outcome of resolving a session id.
type Status string

const (
	// StatusNone means no handle is tracked for the id, locally or (in
	// mirrored mode) anywhere in the fleet.
	StatusNone Status = "none"
	// StatusExisting means the local cache held a live handle.
	StatusExisting Status = "existing"
	// StatusRegenerated means the id was known to the presence mirror and a
	// fresh handle was synthesized for it. The handle carries no accumulated
	// protocol state; the caller must re-initialize it (for the streamable
	// transport, MarkInitialized) before resuming normal handling.
	StatusRegenerated Status = "regenerated"
)

// Resolution is the outcome of Resolve. Transport is nil when Status is
// StatusNone.
type Resolution struct {
	Status    Status
	Transport transport.Handle
}

// Option configures a Registry beyond its Config.
type Option func(*newConfig)

type newConfig struct {
	logger  *slog.Logger
	mirror  presence.Mirror
	factory transport.Factory
	genID   func() string
	clock   func() time.Time
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMirror injects a presence mirror, overriding the Redis mirror the
// registry would otherwise build from Config in mirrored mode.
func WithMirror(m presence.Mirror) Option {
	return func(c *newConfig) { c.mirror = m }
}

// WithTransportFactory sets the factory used by CreateTransport and
// rehydration. Defaults to the streamable transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(c *newConfig) { c.factory = f }
}

// WithIDGenerator sets the session id generator for new sessions. Defaults
// to uuid.NewString.
func WithIDGenerator(gen func() string) Option {
	return func(c *newConfig) { c.genID = gen }
}

// WithClock overrides the time source used for local TTL accounting.
func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.clock = now }
}

// Registry tracks the live session handles of one process and, in mirrored
// mode, records their presence in a distributed mirror so a peer process can
// rehydrate a session it has never seen. The local cache is authoritative;
// the mirror is advisory and every mirror fault degrades the affected
// operation to local-only behavior.
//
// Safe for concurrent use.
type Registry struct {
	cfg     Config
	log     *slog.Logger
	local   *cache.Cache
	mirror  presence.Mirror // nil in local mode or when degraded
	factory transport.Factory
	genID   func() string
}

// New constructs a Registry. Malformed configuration fails fast; a mirrored
// configuration whose Redis client cannot be built degrades to local-only
// operation with a logged warning rather than failing.
func New(cfg Config, opts ...Option) (*Registry, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nc := &newConfig{}
	for _, opt := range opts {
		opt(nc)
	}
	if nc.logger == nil {
		nc.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if nc.factory == nil {
		nc.factory = func(o transport.Options) (transport.Handle, error) {
			return streamable.New(o)
		}
	}
	if nc.genID == nil {
		nc.genID = uuid.NewString
	}

	local, err := cache.New(cache.Config{
		Capacity:                 cfg.Capacity,
		TTL:                      cfg.TTL,
		DisableSlidingExpiration: cfg.DisableSlidingExpiration,
		Clock:                    nc.clock,
	})
	if err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:     cfg,
		log:     nc.logger,
		local:   local,
		mirror:  nc.mirror,
		factory: nc.factory,
		genID:   nc.genID,
	}

	if cfg.Mode == ModeMirrored && r.mirror == nil {
		m, err := presenceredis.New(presenceredis.Config{
			URL:       cfg.Redis.URL,
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			// Mirror mode is an enhancement, never a hard requirement.
			r.log.Warn("presence mirror unavailable, continuing local-only",
				slog.String("err", err.Error()))
		} else {
			r.mirror = m
		}
	}

	return r, nil
}

// Resolve maps a session id to one of three outcomes: an existing local
// handle, a regenerated handle synthesized from mirror presence, or none. An
// empty id and an unknown id both resolve to none; mirror faults are
// swallowed and collapse to none.
func (r *Registry) Resolve(ctx context.Context, sessionID string) (Resolution, error) {
	if sessionID == "" {
		return Resolution{Status: StatusNone}, nil
	}

	if h, ok := r.local.Get(sessionID); ok {
		// Keep the mirror's TTL roughly in step with the slid local entry.
		if !r.cfg.DisableSlidingExpiration {
			r.markPresent(ctx, sessionID)
		}
		return Resolution{Status: StatusExisting, Transport: h}, nil
	}

	if r.mirror == nil || !r.checkPresence(ctx, sessionID) {
		return Resolution{Status: StatusNone}, nil
	}

	// The id is alive somewhere in the fleet. Synthesize a replacement handle
	// bound to the same id; its protocol state starts empty and the caller is
	// told so via StatusRegenerated.
	h, err := r.factory(transport.Options{
		SessionIDGenerator: func() string { return sessionID },
	})
	if err != nil {
		return Resolution{Status: StatusNone}, fmt.Errorf("registry: regenerate session %q: %w", sessionID, err)
	}
	if h.SessionID() == "" {
		h.SetSessionID(sessionID)
	}
	r.Register(ctx, sessionID, h)

	r.log.InfoContext(ctx, "session rehydrated from presence mirror",
		slog.String("session_id", sessionID))
	return Resolution{Status: StatusRegenerated, Transport: h}, nil
}

// Register tracks handle under sessionID, replacing any prior handle for the
// id. It chains the handle's close notification so that closing always
// deregisters the session, locally and in the mirror, exactly once. In
// mirrored mode the id's presence record is written as a side effect.
func (r *Registry) Register(ctx context.Context, sessionID string, h transport.Handle) {
	r.chainCloseCleanup(sessionID, h)

	if victim, evicted := r.local.Set(sessionID, h); evicted {
		// Capacity pressure displaced the least recently used session. An
		// untracked handle can never be resolved again, so it is closed
		// rather than leaked; its chained cleanup deregisters it.
		r.log.InfoContext(ctx, "session evicted by capacity pressure",
			slog.String("session_id", victim.SessionID()),
			slog.Int("capacity", r.cfg.Capacity))
		r.closeHandle(ctx, victim)
	}

	r.markPresent(ctx, sessionID)
}

// Deregister removes the session locally and clears its presence record.
// Safe to call for an unknown id.
func (r *Registry) Deregister(ctx context.Context, sessionID string) {
	r.local.Delete(sessionID)
	r.clearPresence(ctx, sessionID)
}

// Size returns the number of locally tracked sessions.
func (r *Registry) Size() int {
	return r.local.Len()
}

// CreateTransportOptions configures CreateTransport.
type CreateTransportOptions struct {
	// OnSessionEstablished runs after the registry's own bookkeeping once the
	// new handle has a session id. Callers attach application-level setup
	// here (e.g. wiring protocol tooling to the session).
	OnSessionEstablished func(ctx context.Context, h transport.Handle) error
}

// CreateTransport builds a new unestablished handle for a first-contact
// request. When the handle's session is established it registers itself
// under its generated id before the caller's own callback runs, and its
// close notification is chained to registry cleanup.
func (r *Registry) CreateTransport(ctx context.Context, opts CreateTransportOptions) (transport.Handle, error) {
	h, err := r.factory(transport.Options{
		SessionIDGenerator: r.genID,
		OnSessionEstablished: func(ctx context.Context, h transport.Handle) error {
			r.Register(ctx, h.SessionID(), h)
			if opts.OnSessionEstablished != nil {
				return opts.OnSessionEstablished(ctx, h)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: create transport: %w", err)
	}
	return h, nil
}

// Close releases the mirror connection. Locally tracked handles keep running;
// they belong to their protocol owners.
func (r *Registry) Close() error {
	r.local.Purge()
	if r.mirror != nil {
		return r.mirror.Close()
	}
	return nil
}

// chainCloseCleanup wraps the handle's close notification: any previously
// installed behavior runs first, then the session is deregistered. The
// deregistration half runs at most once even if the hook fires repeatedly.
func (r *Registry) chainCloseCleanup(sessionID string, h transport.Handle) {
	prev := h.OnClose()
	var once sync.Once
	h.SetOnClose(func() {
		if prev != nil {
			prev()
		}
		once.Do(func() {
			r.Deregister(context.Background(), sessionID)
		})
	})
}

// closeHandle shuts down an evicted handle, preferring a context-aware Close
// when the concrete type offers one over firing the raw hook chain.
func (r *Registry) closeHandle(ctx context.Context, h transport.Handle) {
	if c, ok := h.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			r.log.WarnContext(ctx, "evicted session close failed",
				slog.String("session_id", h.SessionID()),
				slog.String("err", err.Error()))
		}
		return
	}
	if fn := h.OnClose(); fn != nil {
		fn()
	}
}

// --- Mirror call boundary ---
//
// Every mirror call runs detached from the request's cancellation with a
// hard timeout, and its error is logged and swallowed. The local cache
// remains authoritative whatever the mirror does.

func (r *Registry) mirrorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), mirrorOpTimeout)
}

func (r *Registry) markPresent(ctx context.Context, sessionID string) {
	if r.mirror == nil {
		return
	}
	mctx, cancel := r.mirrorCtx(ctx)
	defer cancel()
	if err := r.mirror.MarkPresent(mctx, sessionID, r.cfg.TTL); err != nil {
		r.log.WarnContext(ctx, "presence mark failed",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
	}
}

func (r *Registry) clearPresence(ctx context.Context, sessionID string) {
	if r.mirror == nil {
		return
	}
	mctx, cancel := r.mirrorCtx(ctx)
	defer cancel()
	if err := r.mirror.ClearPresence(mctx, sessionID); err != nil {
		r.log.WarnContext(ctx, "presence clear failed",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
	}
}

func (r *Registry) checkPresence(ctx context.Context, sessionID string) bool {
	mctx, cancel := r.mirrorCtx(ctx)
	defer cancel()
	present, err := r.mirror.CheckPresence(mctx, sessionID)
	if err != nil {
		// Unknown-on-error reads as absent; the caller sees a plain miss.
		r.log.WarnContext(ctx, "presence check failed",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return false
	}
	return present
}
