package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// expireHeartbeat backdates a claim so the reaper sees it as stale.
func expireHeartbeat(t *testing.T, store *Store, id string, age time.Duration) {
	t.Helper()
	stale := pastTime(age)
	if _, err := store.db.ExecContext(context.Background(),
		`UPDATE tickets SET last_heartbeat = ?, claimed_at = ? WHERE id = ?`,
		stale, stale, id); err != nil {
		t.Fatalf("failed to backdate heartbeat: %v", err)
	}
}

func TestReapStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, readyTicket("sw-1", 2))

	if err := store.Claim(ctx, "sw-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	expireHeartbeat(t, store, "sw-1", 10*time.Minute)

	reclaimed, err := store.ReapStale(ctx, pastTime(5*time.Minute), pastTime(time.Hour), 0)
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "sw-1" {
		t.Fatalf("expected sw-1 reclaimed, got %v", reclaimed)
	}
	if reclaimed[0].State != types.StateReady {
		t.Errorf("expected ready, got %s", reclaimed[0].State)
	}
	if reclaimed[0].Assignee != "" {
		t.Errorf("expected assignee cleared, got %s", reclaimed[0].Assignee)
	}

	// The reclaimed event records the previous assignee.
	events, err := store.GetEvents(ctx, "sw-1", 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if last.EventType != types.EventReclaimed {
		t.Fatalf("expected reclaimed event, got %s", last.EventType)
	}
	if last.Metadata == "" || last.OldState != types.StateInProgress || last.NewState != types.StateReady {
		t.Errorf("reclaimed event missing detail: %+v", last)
	}
}

func TestReapFreshClaimUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, readyTicket("sw-1", 2))

	if err := store.Claim(ctx, "sw-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	reclaimed, err := store.ReapStale(ctx, pastTime(5*time.Minute), pastTime(time.Hour), 0)
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("fresh claim must not be reaped, got %v", reclaimed)
	}
}

// TestReapAbsoluteTimeout verifies a ticket in progress too long is reclaimed
// even when its heartbeat is fresh.
func TestReapAbsoluteTimeout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, readyTicket("sw-1", 2))

	if err := store.Claim(ctx, "sw-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	// Backdate only the claim start; heartbeat stays current.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE tickets SET claimed_at = ? WHERE id = 'sw-1'`, pastTime(3*time.Hour)); err != nil {
		t.Fatalf("failed to backdate claimed_at: %v", err)
	}
	if _, err := store.RenewHeartbeats(ctx, "worker-a"); err != nil {
		t.Fatalf("RenewHeartbeats failed: %v", err)
	}

	reclaimed, err := store.ReapStale(ctx, pastTime(5*time.Minute), pastTime(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "sw-1" {
		t.Fatalf("expected absolute-timeout reclaim, got %v", reclaimed)
	}
}

// TestReapConcurrent is the two-reapers race: exactly one reclaimed event,
// ticket ends ready with assignee cleared.
func TestReapConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustCreate(t, store, readyTicket("sw-1", 2))

	if err := store.Claim(ctx, "sw-1", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	expireHeartbeat(t, store, "sw-1", 10*time.Minute)

	staleBefore := pastTime(5 * time.Minute)
	claimedBefore := pastTime(time.Hour)

	var wg sync.WaitGroup
	results := make([][]*types.Ticket, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reclaimed, err := store.ReapStale(ctx, staleBefore, claimedBefore, 0)
			if err != nil {
				t.Errorf("reaper %d failed: %v", n, err)
				return
			}
			results[n] = reclaimed
		}(i)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	if total != 1 {
		t.Errorf("expected exactly 1 reclaim across both reapers, got %d", total)
	}

	reclaimEvents := 0
	for _, et := range eventTypes(t, store, "sw-1") {
		if et == types.EventReclaimed {
			reclaimEvents++
		}
	}
	if reclaimEvents != 1 {
		t.Errorf("expected exactly 1 reclaimed event, got %d", reclaimEvents)
	}

	final, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if final.State != types.StateReady || final.Assignee != "" {
		t.Errorf("expected ready/unassigned, got %s/%q", final.State, final.Assignee)
	}
}
