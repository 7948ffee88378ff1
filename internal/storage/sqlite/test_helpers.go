package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// newTestStore creates a Store backed by a temp-file database. File-based
// databases are more reliable than shared in-memory ones for connection
// pool scenarios, and t.TempDir gives each test its own isolated database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	store, err := New(ctx, t.TempDir()+"/test.db")
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

// mustCreate inserts tickets and fails the test on error.
func mustCreate(t *testing.T, store *Store, tickets ...*types.Ticket) {
	t.Helper()
	if err := store.CreateTickets(context.Background(), tickets); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
}

// readyTicket returns a minimal ready ticket for tests.
func readyTicket(id string, priority int) *types.Ticket {
	return &types.Ticket{
		ID:       id,
		Title:    "ticket " + id,
		State:    types.StateReady,
		Priority: priority,
	}
}

// claimAndVerify claims a ticket and moves it to verifying so lifecycle
// tests can start from the review stage.
func claimAndVerify(t *testing.T, store *Store, id, worker string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Claim(ctx, id, worker); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.BeginVerification(ctx, id, worker, "artifact-"+id); err != nil {
		t.Fatalf("BeginVerification failed: %v", err)
	}
}

// eventTypes extracts the ordered event type sequence for a ticket.
func eventTypes(t *testing.T, store *Store, id string) []types.EventType {
	t.Helper()
	events, err := store.GetEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

// pastTime returns a UTC timestamp d in the past.
func pastTime(d time.Duration) time.Time {
	return time.Now().UTC().Add(-d)
}
