package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-registry/presence"
	"github.com/ggoodman/mcp-session-registry/presence/memory"
	"github.com/ggoodman/mcp-session-registry/transport"
	"github.com/ggoodman/mcp-session-registry/transport/streamable"
)

// fakeHandle implements transport.Handle plus a context-aware Close so the
// registry's eviction path can be observed.
type fakeHandle struct {
	mu      sync.Mutex
	id      string
	onClose func()
	closed  int
}

func (f *fakeHandle) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeHandle) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *fakeHandle) OnClose() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onClose
}

func (f *fakeHandle) SetOnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeHandle) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed++
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeHandle) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ transport.Handle = (*fakeHandle)(nil)

// failingMirror errors on every call.
type failingMirror struct{}

var errMirrorDown = errors.New("mirror down")

func (failingMirror) MarkPresent(ctx context.Context, sessionID string, ttl time.Duration) error {
	return errMirrorDown
}
func (failingMirror) ClearPresence(ctx context.Context, sessionID string) error {
	return errMirrorDown
}
func (failingMirror) CheckPresence(ctx context.Context, sessionID string) (bool, error) {
	return false, errMirrorDown
}
func (failingMirror) Close() error { return errMirrorDown }

// countingMirror counts calls through to an inner mirror.
type countingMirror struct {
	presence.Mirror
	mu     sync.Mutex
	marks  int
	clears int
}

func (c *countingMirror) MarkPresent(ctx context.Context, sessionID string, ttl time.Duration) error {
	c.mu.Lock()
	c.marks++
	c.mu.Unlock()
	return c.Mirror.MarkPresent(ctx, sessionID, ttl)
}

func (c *countingMirror) ClearPresence(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
	return c.Mirror.ClearPresence(ctx, sessionID)
}

func (c *countingMirror) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRegisterThenResolveExisting(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	h := &fakeHandle{id: "sess-1"}
	r.Register(ctx, "sess-1", h)

	res, err := r.Resolve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusExisting {
		t.Fatalf("Resolve() status = %q, want %q", res.Status, StatusExisting)
	}
	if res.Transport != h {
		t.Fatalf("Resolve() returned %v, want the registered handle", res.Transport)
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}
}

func TestResolveEmptyIDIsNone(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()

	res, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve(\"\") status = %q, want %q", res.Status, StatusNone)
	}
	if res.Transport != nil {
		t.Fatal("Resolve(\"\") returned a transport")
	}
}

func TestResolveUnknownIDIsNone(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()

	res, err := r.Resolve(context.Background(), "never-registered")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve() status = %q, want %q", res.Status, StatusNone)
	}
}

func TestCapacityEvictionHonorsRecentUse(t *testing.T) {
	r, err := New(Config{Capacity: 2})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	ha := &fakeHandle{id: "a"}
	hb := &fakeHandle{id: "b"}
	hc := &fakeHandle{id: "c"}

	r.Register(ctx, "a", ha)
	r.Register(ctx, "b", hb)

	// Refresh "a" so "b" is the LRU victim.
	if res, _ := r.Resolve(ctx, "a"); res.Status != StatusExisting {
		t.Fatalf("Resolve(a) status = %q, want existing", res.Status)
	}

	r.Register(ctx, "c", hc)

	if res, _ := r.Resolve(ctx, "b"); res.Status != StatusNone {
		t.Fatalf("Resolve(b) status = %q, want none after eviction", res.Status)
	}
	if res, _ := r.Resolve(ctx, "a"); res.Status != StatusExisting {
		t.Fatalf("Resolve(a) status = %q, want existing", res.Status)
	}
	if res, _ := r.Resolve(ctx, "c"); res.Status != StatusExisting {
		t.Fatalf("Resolve(c) status = %q, want existing", res.Status)
	}
	if r.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", r.Size())
	}

	// The displaced handle must have been force-closed, not leaked.
	if hb.closeCount() != 1 {
		t.Fatalf("evicted handle closed %d times, want 1", hb.closeCount())
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	r, err := New(Config{TTL: 100 * time.Millisecond}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	r.Register(ctx, "sess-1", &fakeHandle{id: "sess-1"})

	clock.Advance(150 * time.Millisecond)
	res, err := r.Resolve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve() status = %q after TTL elapsed, want none", res.Status)
	}
}

func TestMirroredRegisterWritesPresence(t *testing.T) {
	clock := newFakeClock()
	mirror := memory.New(memory.WithKeyPrefix("test"), memory.WithClock(clock.Now))
	r, err := New(
		Config{Mode: ModeMirrored, TTL: 100 * time.Millisecond, KeyPrefix: "test"},
		WithMirror(mirror),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	r.Register(ctx, "sess", &fakeHandle{id: "sess"})

	present, err := mirror.CheckPresence(ctx, "sess")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if !present {
		t.Fatal("presence record missing after Register in mirrored mode")
	}

	// The record carries the registry's TTL.
	clock.Advance(150 * time.Millisecond)
	if present, _ := mirror.CheckPresence(ctx, "sess"); present {
		t.Fatal("presence record survived past the configured TTL")
	}
}

func TestMirrorFaultsNeverSurface(t *testing.T) {
	r, err := New(
		Config{Mode: ModeMirrored},
		WithMirror(failingMirror{}),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	h := &fakeHandle{id: "sess-1"}
	r.Register(ctx, "sess-1", h)

	res, err := r.Resolve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Resolve() with a failing mirror returned error: %v", err)
	}
	if res.Status != StatusExisting {
		t.Fatalf("Resolve() status = %q, want existing from the local fast path", res.Status)
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}

	// A miss with a failing mirror collapses to none, not an error.
	res, err = r.Resolve(ctx, "unknown")
	if err != nil {
		t.Fatalf("Resolve(unknown) returned error: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve(unknown) status = %q, want none", res.Status)
	}

	r.Deregister(ctx, "sess-1")
	if r.Size() != 0 {
		t.Fatalf("Size() = %d after Deregister, want 0", r.Size())
	}
}

func TestMirroredModeWithoutConnectionDegradesToLocal(t *testing.T) {
	// Mirrored mode with no connection info cannot build a Redis client.
	// That is not a configuration error: the registry must come up in
	// local-only operation with a logged warning.
	var warned bool
	log := slog.New(logHookHandler{
		Handler: slog.NewTextHandler(io.Discard, nil),
		onWarn:  func() { warned = true },
	})

	r, err := New(Config{Mode: ModeMirrored}, WithLogger(log))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	if !warned {
		t.Fatal("degrading to local-only did not log a warning")
	}

	// The local fast path works as in local mode.
	h := &fakeHandle{id: "sess-1"}
	r.Register(ctx, "sess-1", h)

	res, err := r.Resolve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusExisting {
		t.Fatalf("Resolve() status = %q, want existing", res.Status)
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}

	// No mirror means no rehydration: an unknown id is a plain miss.
	res, err = r.Resolve(ctx, "sess-from-elsewhere")
	if err != nil {
		t.Fatalf("Resolve(unknown) failed: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve(unknown) status = %q, want none", res.Status)
	}
}

// logHookHandler invokes onWarn for records at warn level or above.
type logHookHandler struct {
	slog.Handler
	onWarn func()
}

func (h logHookHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.onWarn()
	}
	return h.Handler.Handle(ctx, r)
}

func TestRehydrationFromMirrorPresence(t *testing.T) {
	mirror := memory.New()
	r, err := New(
		Config{Mode: ModeMirrored},
		WithMirror(mirror),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	// Another process in the fleet marked this session alive.
	if err := mirror.MarkPresent(ctx, "sess-remote", time.Minute); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}

	res, err := r.Resolve(ctx, "sess-remote")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusRegenerated {
		t.Fatalf("Resolve() status = %q, want regenerated", res.Status)
	}
	if got := res.Transport.SessionID(); got != "sess-remote" {
		t.Fatalf("regenerated handle bound to %q, want original id %q", got, "sess-remote")
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d after rehydration, want 1", r.Size())
	}

	// A later resolve sees it as an ordinary existing session.
	res, err = r.Resolve(ctx, "sess-remote")
	if err != nil {
		t.Fatalf("second Resolve() failed: %v", err)
	}
	if res.Status != StatusExisting {
		t.Fatalf("second Resolve() status = %q, want existing", res.Status)
	}

	// Closing the regenerated handle removes both records.
	st, ok := res.Transport.(*streamable.Transport)
	if !ok {
		t.Fatalf("regenerated handle is %T, want *streamable.Transport", res.Transport)
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d after close, want 0", r.Size())
	}
	if present, _ := mirror.CheckPresence(ctx, "sess-remote"); present {
		t.Fatal("presence record survived the handle's close")
	}
}

func TestCloseNotificationChainsAndDeduplicates(t *testing.T) {
	inner := memory.New()
	mirror := &countingMirror{Mirror: inner}
	r, err := New(
		Config{Mode: ModeMirrored},
		WithMirror(mirror),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	var priorCalls int
	h := &fakeHandle{id: "sess-1"}
	h.SetOnClose(func() { priorCalls++ })

	r.Register(ctx, "sess-1", h)

	// The close hook fires twice; prior behavior runs each time but the
	// registry deregisters exactly once.
	h.OnClose()()
	h.OnClose()()

	if priorCalls != 2 {
		t.Fatalf("prior close behavior ran %d times, want 2 (chained, not replaced)", priorCalls)
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d after close, want 0", r.Size())
	}
	if got := mirror.clearCount(); got != 1 {
		t.Fatalf("mirror ClearPresence called %d times, want exactly 1", got)
	}
}

func TestCreateTransportRegistersOnEstablish(t *testing.T) {
	r, err := New(Config{}, WithIDGenerator(func() string { return "sess-new" }))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	var sawID string
	h, err := r.CreateTransport(ctx, CreateTransportOptions{
		OnSessionEstablished: func(ctx context.Context, h transport.Handle) error {
			// Registry bookkeeping runs first: the session must already be
			// resolvable from inside the caller's callback.
			res, err := r.Resolve(ctx, h.SessionID())
			if err != nil || res.Status != StatusExisting {
				t.Errorf("session not resolvable during establish: status=%v err=%v", res.Status, err)
			}
			sawID = h.SessionID()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("CreateTransport() failed: %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d before establish, want 0", r.Size())
	}

	st := h.(*streamable.Transport)
	if err := st.Establish(ctx); err != nil {
		t.Fatalf("Establish() failed: %v", err)
	}

	if sawID != "sess-new" {
		t.Fatalf("caller callback saw id %q, want %q", sawID, "sess-new")
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d after establish, want 1", r.Size())
	}

	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size() = %d after close, want 0", r.Size())
	}
}

func TestLocalModeNeverRehydrates(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer r.Close()

	res, err := r.Resolve(context.Background(), "sess-from-elsewhere")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Status != StatusNone {
		t.Fatalf("Resolve() status = %q in local mode, want none", res.Status)
	}
}
