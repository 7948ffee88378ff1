package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
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

func claimTicket(t *testing.T, store *sqlite.Store, id, worker string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateTickets(ctx, []*types.Ticket{{
		ID: id, Title: "ticket " + id, State: types.StateReady,
	}}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	if err := store.Claim(ctx, id, worker); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
}

type reclaimCounter struct {
	seen []string
}

func (h *reclaimCounter) ID() string                 { return "reclaim-counter" }
func (h *reclaimCounter) Handles() []types.EventType { return []types.EventType{types.EventReclaimed} }
func (h *reclaimCounter) Priority() int              { return 1 }
func (h *reclaimCounter) Handle(_ context.Context, n *eventbus.Notification) error {
	h.seen = append(h.seen, n.TicketID)
	return nil
}

// TestSweepReclaimsStale advances the reaper's clock past the heartbeat
// staleness window so a freshly-claimed ticket looks abandoned.
func TestSweepReclaimsStale(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New()
	counter := &reclaimCounter{}
	bus.Register(counter)

	r := New(store, bus, Options{StaleAfter: time.Minute, TicketTimeout: time.Hour})
	claimTicket(t, store, "sw-1", "vm-dead")

	ctx := context.Background()

	// Fresh claim: nothing to reap.
	reclaimed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("fresh claim reaped: %v", reclaimed)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	reclaimed, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "sw-1" {
		t.Fatalf("reclaimed = %v, want [sw-1]", reclaimed)
	}
	if len(counter.seen) != 1 || counter.seen[0] != "sw-1" {
		t.Errorf("bus saw %v, want [sw-1]", counter.seen)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateReady {
		t.Errorf("state = %s, want ready", tk.State)
	}
	if tk.Assignee != "" {
		t.Errorf("assignee = %q, want cleared", tk.Assignee)
	}
}

// TestSweepAbsoluteTimeout reaps a claim whose heartbeats are current but
// whose total runtime exceeded the per-ticket ceiling.
func TestSweepAbsoluteTimeout(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil, Options{StaleAfter: time.Hour, TicketTimeout: 10 * time.Minute})
	claimTicket(t, store, "sw-1", "vm-slow")

	ctx := context.Background()
	// Heartbeats stay fresh relative to the shifted clock, but the claim
	// itself is now past the absolute ceiling.
	r.now = func() time.Time { return time.Now().Add(15 * time.Minute) }
	if _, err := store.RenewHeartbeats(ctx, "vm-slow"); err != nil {
		t.Fatalf("RenewHeartbeats failed: %v", err)
	}

	// staleAfter=1h means the 15-minute-old heartbeat is not stale; only
	// the claim-age check can trigger.
	reclaimed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed = %v, want exactly sw-1", reclaimed)
	}
}

func TestSweepEmptyPool(t *testing.T) {
	store := newTestStore(t)
	r := New(store, nil, Options{})
	reclaimed, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reclaimed != nil {
		t.Errorf("expected nil for empty pool, got %v", reclaimed)
	}
}
