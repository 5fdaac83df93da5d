// Package transport defines the capability surface the session registry
// requires from a stateful protocol handle. The registry never inspects a
// handle beyond this contract: it assigns and reads the session id, and it
// chains onto the close notification so that a handle going away always
// deregisters itself.
//
// Concrete handle types live elsewhere (see transport/streamable for the
// reference implementation). Protocol framing, handshake state, and message
// routing are entirely the handle's business.
package transport

import "context"

// Handle is the minimal contract for a stateful session handle.
//
// Implementations must tolerate SetOnClose being called to wrap a previously
// installed hook: the registry reads the current hook, installs a replacement
// that invokes it first, and appends its own cleanup. A handle fires its hook
// when the underlying connection or session ends, however that happens.
type Handle interface {
	// SessionID returns the id this handle is bound to, or "" before one has
	// been assigned.
	SessionID() string

	// SetSessionID binds the handle to a session id. Called at most once by
	// the registry when rehydrating a handle for a previously known id.
	SetSessionID(id string)

	// OnClose returns the currently installed close hook, or nil.
	OnClose() func()

	// SetOnClose replaces the close hook. The hook runs when the handle's
	// session ends for any reason.
	SetOnClose(fn func())
}

// Options configures a handle at construction time.
type Options struct {
	// SessionIDGenerator produces the session id the handle binds to when its
	// session is established. The registry pins this to a fixed id when
	// rehydrating.
	SessionIDGenerator func() string

	// OnSessionEstablished runs once the handle has a session id, before the
	// handle serves its first request. The registry uses it for bookkeeping;
	// callers layer application setup on top via the registry's own options.
	OnSessionEstablished func(ctx context.Context, h Handle) error
}

// Factory constructs a new, unestablished handle. The registry is handed a
// Factory at construction and never builds a concrete transport type itself.
type Factory func(opts Options) (Handle, error)
