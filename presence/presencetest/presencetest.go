// Package presencetest provides a reusable conformance suite for
// presence.Mirror implementations. Both the in-process and Redis mirrors run
// this suite so their TTL and key semantics cannot drift apart.
package presencetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-session-registry/presence"
)

// MirrorFactory creates a fresh Mirror instance for testing. Implementations
// should register cleanup via t.Cleanup.
type MirrorFactory func(t *testing.T) presence.Mirror

// RunMirrorTests runs the complete presence.Mirror conformance suite against
// the provided factory. The suite uses real clocks, so factories should hand
// back mirrors wired to wall time.
func RunMirrorTests(t *testing.T, factory MirrorFactory) {
	t.Run("MarkThenCheck", func(t *testing.T) { testMarkThenCheck(t, factory) })
	t.Run("MissingIDIsAbsent", func(t *testing.T) { testMissingIDIsAbsent(t, factory) })
	t.Run("MarkRefreshesTTL", func(t *testing.T) { testMarkRefreshesTTL(t, factory) })
	t.Run("RecordExpires", func(t *testing.T) { testRecordExpires(t, factory) })
	t.Run("ClearRemovesRecord", func(t *testing.T) { testClearRemovesRecord(t, factory) })
	t.Run("ClearIsIdempotent", func(t *testing.T) { testClearIsIdempotent(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testSessionIsolation(t, factory) })
}

func testMarkThenCheck(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.MarkPresent(ctx, "sess-1", time.Minute); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}

	present, err := m.CheckPresence(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if !present {
		t.Fatal("CheckPresence() = false immediately after MarkPresent()")
	}
}

func testMissingIDIsAbsent(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	present, err := m.CheckPresence(ctx, "never-marked")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if present {
		t.Fatal("CheckPresence() = true for an id that was never marked")
	}
}

func testMarkRefreshesTTL(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.MarkPresent(ctx, "sess-1", 150*time.Millisecond); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Re-mark just before expiry; the record must survive past the original
	// deadline.
	if err := m.MarkPresent(ctx, "sess-1", 150*time.Millisecond); err != nil {
		t.Fatalf("MarkPresent() refresh failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	present, err := m.CheckPresence(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if !present {
		t.Fatal("record expired despite TTL refresh")
	}
}

func testRecordExpires(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.MarkPresent(ctx, "sess-1", 50*time.Millisecond); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	present, err := m.CheckPresence(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if present {
		t.Fatal("CheckPresence() = true after the record's TTL elapsed")
	}
}

func testClearRemovesRecord(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.MarkPresent(ctx, "sess-1", time.Minute); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}
	if err := m.ClearPresence(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearPresence() failed: %v", err)
	}

	present, err := m.CheckPresence(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if present {
		t.Fatal("CheckPresence() = true after ClearPresence()")
	}
}

func testClearIsIdempotent(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.ClearPresence(ctx, "never-marked"); err != nil {
		t.Fatalf("ClearPresence() on an absent record failed: %v", err)
	}
	if err := m.ClearPresence(ctx, "never-marked"); err != nil {
		t.Fatalf("repeated ClearPresence() failed: %v", err)
	}
}

func testSessionIsolation(t *testing.T, factory MirrorFactory) {
	m := factory(t)
	ctx := context.Background()

	if err := m.MarkPresent(ctx, "sess-1", time.Minute); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}
	if err := m.MarkPresent(ctx, "sess-2", time.Minute); err != nil {
		t.Fatalf("MarkPresent() failed: %v", err)
	}
	if err := m.ClearPresence(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearPresence() failed: %v", err)
	}

	present, err := m.CheckPresence(ctx, "sess-2")
	if err != nil {
		t.Fatalf("CheckPresence() failed: %v", err)
	}
	if !present {
		t.Fatal("clearing sess-1 removed sess-2's record")
	}
}
