package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/agentwire/core"
)

// Interface compliance (compile-time assertion)
var _ Store = (*InMemoryStore)(nil)

func newTestStore(t *testing.T) *InMemoryStore {
	t.Helper()
	s := NewInMemoryStore(func(o *InMemoryOptions) { o.ReapInterval = 10 * time.Millisecond })
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInMemoryStore_GetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	v1, err := s.Set(ctx, "k", []byte("a"), SetOptions{ExpectedVersion: VersionAny})
	if err != nil || v1 != 1 {
		t.Fatalf("first set: version=%d err=%v", v1, err)
	}

	val, ver, err := s.Get(ctx, "k")
	if err != nil || string(val) != "a" || ver != 1 {
		t.Fatalf("get: val=%q ver=%d err=%v", val, ver, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestInMemoryStore_VersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Create-only semantics: expected version 0 requires absence.
	if _, err := s.Set(ctx, "k", []byte("a"), SetOptions{ExpectedVersion: 0}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Set(ctx, "k", []byte("b"), SetOptions{ExpectedVersion: 0}); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on second create, got %v", err)
	}

	v2, err := s.Set(ctx, "k", []byte("b"), SetOptions{ExpectedVersion: 1})
	if err != nil || v2 != 2 {
		t.Fatalf("cas update: version=%d err=%v", v2, err)
	}
	if _, err := s.Set(ctx, "k", []byte("c"), SetOptions{ExpectedVersion: 1}); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
}

func TestInMemoryStore_ConcurrentCASOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, "k", []byte("base"), SetOptions{ExpectedVersion: 0}); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Set(ctx, "k", []byte("w"), SetOptions{ExpectedVersion: 1})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, core.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestInMemoryStore_TTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	notes, err := s.Subscribe(ctx, "run:")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set(ctx, "run:1", []byte("x"), SetOptions{ExpectedVersion: VersionAny, TTL: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	// Drain the set notification.
	select {
	case n := <-notes:
		if n.Kind != ChangeSet || n.Key != "run:1" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no set notification")
	}

	// Expired records read as not found and emit an expire notification.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notes:
			if n.Kind == ChangeExpire && n.Key == "run:1" {
				if _, _, err := s.Get(ctx, "run:1"); !errors.Is(err, core.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after expiry, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("no expire notification")
		}
	}
}

func TestInMemoryStore_SubscribePrefixFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes, err := s.Subscribe(ctx, "session:")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set(context.Background(), "run:other", []byte("x"), SetOptions{ExpectedVersion: VersionAny}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(context.Background(), "session:s1", []byte("y"), SetOptions{ExpectedVersion: VersionAny}); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-notes:
		if n.Key != "session:s1" {
			t.Fatalf("prefix filter leaked key %q", n.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for matching prefix")
	}

	cancel()
	select {
	case _, ok := <-notes:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
