package contextstore

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMemoryBackendGetSetDelete(t *testing.T) {
	store := New(NewMemoryBackend(0), 1024, nil)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestSetRejectsOversizedPayloadBeforeStateChange(t *testing.T) {
	store := New(NewMemoryBackend(0), 4, nil)
	ctx := context.Background()

	err := store.Set(ctx, "k", "toolong", time.Minute)
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("oversized write must not mutate state")
	}
}

func TestTTLExpiryReturnsAbsent(t *testing.T) {
	store := New(NewMemoryBackend(0), 1024, nil)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected expired key to be absent")
	}
}

func TestClearSessionIsIdempotentAndPrefixBased(t *testing.T) {
	store := New(NewMemoryBackend(0), 1024, nil)
	ctx := context.Background()
	sessions := NewSessions(store, 0, nil)

	if err := sessions.Touch(ctx, "abc", "x", "1", time.Minute); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := store.Set(ctx, "session:other:y", "2", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := sessions.Close(ctx, "abc"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok, _ := sessions.Get(ctx, "abc", "x"); ok {
		t.Fatal("expected session abc to be cleared")
	}
	if _, ok, _ := store.Get(ctx, "session:other:y"); !ok {
		t.Fatal("clearing session abc must not affect other sessions")
	}

	// Idempotent: closing an already-closed session succeeds.
	if err := sessions.Close(ctx, "abc"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionTouchRejectsWriteOverBudget(t *testing.T) {
	store := New(NewMemoryBackend(0), 1024, nil)
	ctx := context.Background()
	sessions := NewSessions(store, 10, nil)

	if err := sessions.Touch(ctx, "abc", "x", "12345", time.Minute); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := sessions.Touch(ctx, "abc", "y", "123456", time.Minute); err != ErrSessionBudgetExceeded {
		t.Fatalf("err = %v, want ErrSessionBudgetExceeded", err)
	}
	if _, ok, _ := sessions.Get(ctx, "abc", "y"); ok {
		t.Fatal("rejected write must not mutate state")
	}

	// Overwriting the existing key accounts for its own prior size, so
	// staying within budget still succeeds.
	if err := sessions.Touch(ctx, "abc", "x", "1234567890", time.Minute); err != nil {
		t.Fatalf("Touch overwrite within budget: %v", err)
	}
}

func TestSessionPrefixShape(t *testing.T) {
	if p := SessionPrefix("abc"); !strings.HasPrefix(p, "session:") || !strings.HasSuffix(p, ":") {
		t.Fatalf("SessionPrefix = %q, want session:{id}: shape", p)
	}
}

func TestMemoryBackendEvictsLRUAtCapacity(t *testing.T) {
	b := NewMemoryBackend(2)
	ctx := context.Background()

	_ = b.Set(ctx, "a", "1", 0)
	_ = b.Set(ctx, "b", "2", 0)
	if _, ok, _ := b.Get(ctx, "a"); !ok {
		t.Fatal("a should still be present")
	}
	_ = b.Set(ctx, "c", "3", 0)

	if _, ok, _ := b.Get(ctx, "b"); ok {
		t.Fatal("b should have been evicted as least-recently-used")
	}
	if _, ok, _ := b.Get(ctx, "a"); !ok {
		t.Fatal("a should survive eviction since it was touched most recently")
	}
}
