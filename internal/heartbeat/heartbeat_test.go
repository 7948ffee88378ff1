package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage/sqlite"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

func TestBeatRenewsOnlyOwnClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "mine", State: types.StateReady},
		{ID: "sw-2", Title: "also mine", State: types.StateReady},
		{ID: "sw-3", Title: "someone else's", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	for _, claim := range []struct{ id, worker string }{
		{"sw-1", "vm-a"}, {"sw-2", "vm-a"}, {"sw-3", "vm-b"},
	} {
		if err := store.Claim(ctx, claim.id, claim.worker); err != nil {
			t.Fatalf("Claim %s failed: %v", claim.id, err)
		}
	}

	m := NewMonitor(store, "vm-a", 0)
	n, err := m.Beat(ctx)
	if err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	if n != 2 {
		t.Errorf("renewed %d claims, want 2", n)
	}
}

func TestBeatWithNoClaims(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, "vm-idle", 0)
	n, err := m.Beat(context.Background())
	if err != nil {
		t.Fatalf("Beat failed: %v", err)
	}
	if n != 0 {
		t.Errorf("renewed %d claims, want 0", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	m := NewMonitor(store, "vm-a", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
