package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newSession(id, accountID string, createdAt time.Time) Session {
	return Session{
		ID:            id,
		AccountID:     accountID,
		Role:          RoleAdmin,
		CreatedAt:     createdAt,
		ValidPeriodMS: int64(time.Hour / time.Millisecond),
	}
}

func TestSaveEvictsPriorSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	evicted, err := store.Save(ctx, newSession("sess-1", "acct-1", time.Now()))
	if err != nil {
		t.Fatalf("save first session: %v", err)
	}
	if evicted != "" {
		t.Fatalf("first login must evict nothing, got %q", evicted)
	}

	evicted, err = store.Save(ctx, newSession("sess-2", "acct-1", time.Now()))
	if err != nil {
		t.Fatalf("save second session: %v", err)
	}
	if evicted != "sess-1" {
		t.Fatalf("expected sess-1 evicted, got %q", evicted)
	}

	if _, err := store.Get(ctx, "sess-1"); err != ErrNotFound {
		t.Fatalf("evicted session must be gone, got err=%v", err)
	}
	if _, err := store.Get(ctx, "sess-2"); err != nil {
		t.Fatalf("new session must be live: %v", err)
	}
}

func TestConcurrentSavesLeaveOneSurvivor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			if _, err := store.Save(ctx, newSession(id, "acct-race", time.Now())); err != nil {
				t.Errorf("save %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	survivors := 0
	for i := 0; i < n; i++ {
		if _, err := store.Get(ctx, fmt.Sprintf("sess-%d", i)); err == nil {
			survivors++
		}
	}
	if survivors != 1 {
		t.Fatalf("expected exactly one live session, got %d", survivors)
	}
}

func TestGetExpiredSessionReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := newSession("sess-old", "acct-1", time.Now().Add(-2*time.Hour))
	if _, err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := store.Get(ctx, "sess-old"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestDeleteWithStaleIDKeepsNewerMapping(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Save(ctx, newSession("sess-old", "acct-1", time.Now())); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if _, err := store.Save(ctx, newSession("sess-new", "acct-1", time.Now())); err != nil {
		t.Fatalf("save new: %v", err)
	}

	// Logout of the already-replaced session arrives late.
	if err := store.Delete(ctx, "sess-old", "acct-1"); err != nil {
		t.Fatalf("delete stale: %v", err)
	}

	if _, err := store.Get(ctx, "sess-new"); err != nil {
		t.Fatalf("newer session must survive stale logout: %v", err)
	}

	// A fresh login for the same account must still evict sess-new, proving
	// the mapping was not removed by the stale delete.
	evicted, err := store.Save(ctx, newSession("sess-3", "acct-1", time.Now()))
	if err != nil {
		t.Fatalf("save third: %v", err)
	}
	if evicted != "sess-new" {
		t.Fatalf("expected sess-new evicted, got %q", evicted)
	}
}

func TestExpiredReportsLifetimeEdge(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Session{ID: "s", AccountID: "a", CreatedAt: created, ValidPeriodMS: 1000}

	if s.Expired(created.Add(999 * time.Millisecond)) {
		t.Fatal("session expired before valid period elapsed")
	}
	if s.Expired(created.Add(1000 * time.Millisecond)) {
		t.Fatal("session must still be valid exactly at created_at + valid_period")
	}
	if !s.Expired(created.Add(1001 * time.Millisecond)) {
		t.Fatal("session must be expired past valid period")
	}
}
