// Package streamable provides the reference transport.Handle implementation
// for streamable HTTP sessions. It carries the session id, the initialize
// handshake marker, and a close-once lifecycle; protocol message handling is
// layered on by the HTTP controller that owns the handle.
package streamable

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/mcp-session-registry/transport"
	"github.com/google/uuid"
)

var _ transport.Handle = (*Transport)(nil)

var (
	// ErrAlreadyEstablished is returned by Establish on a handle that already
	// carries a session id.
	ErrAlreadyEstablished = errors.New("transport already established")
)

// Transport is a stateful streamable HTTP session handle.
//
// A Transport moves through three phases: constructed (no session id),
// established (id assigned, handshake pending or complete), and closed. The
// zero value is not usable; construct via New.
type Transport struct {
	mu sync.Mutex

	sessionID   string
	initialized bool
	closed      bool

	genID         func() string
	onEstablished func(ctx context.Context, h transport.Handle) error
	onClose       func()
}

// New constructs an unestablished Transport. It satisfies transport.Factory
// modulo the concrete return type:
//
//	registry.WithTransportFactory(func(opts transport.Options) (transport.Handle, error) {
//		return streamable.New(opts)
//	})
func New(opts transport.Options) (*Transport, error) {
	gen := opts.SessionIDGenerator
	if gen == nil {
		gen = uuid.NewString
	}
	return &Transport{
		genID:         gen,
		onEstablished: opts.OnSessionEstablished,
	}, nil
}

// Establish assigns a session id from the generator and fires the
// on-session-established callback. Called by the protocol layer once the
// client's initialize exchange succeeds.
func (t *Transport) Establish(ctx context.Context) error {
	t.mu.Lock()
	if t.sessionID != "" {
		t.mu.Unlock()
		return ErrAlreadyEstablished
	}
	t.sessionID = t.genID()
	cb := t.onEstablished
	t.mu.Unlock()

	if cb != nil {
		return cb(ctx, t)
	}
	return nil
}

// SessionID implements transport.Handle.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetSessionID implements transport.Handle.
func (t *Transport) SetSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = id
}

// OnClose implements transport.Handle.
func (t *Transport) OnClose() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onClose
}

// SetOnClose implements transport.Handle.
func (t *Transport) SetOnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Initialized reports whether the session's initialize handshake has
// completed (or been skipped for a rehydrated handle).
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// MarkInitialized records that the handshake phase is behind this handle.
// Rehydrated handles are marked by the controller so the client is not asked
// to re-run initialize against a session it already negotiated.
func (t *Transport) MarkInitialized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
}

// Close ends the session and fires the close hook chain exactly once.
// Subsequent calls are no-ops.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}
