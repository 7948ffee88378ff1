package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/dispatch"
	"github.com/corynaegle-ai/swarm-engine/internal/retry"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/storage/sqlite"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// fakeDispatcher accepts work items into a buffered channel and never runs
// anything.
type fakeDispatcher struct {
	items    []dispatch.WorkItem
	reports  chan dispatch.Report
	err      error
	capacity int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{reports: make(chan dispatch.Report, 16), capacity: 16}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, item dispatch.WorkItem) error {
	if d.err != nil {
		return d.err
	}
	d.items = append(d.items, item)
	return nil
}

func (d *fakeDispatcher) Capacity() int { return d.capacity - len(d.items) }

func (d *fakeDispatcher) Reports() <-chan dispatch.Report { return d.reports }

func newTestCoordinator(t *testing.T, d dispatch.Dispatcher, opts Options) (*Coordinator, *sqlite.Store) {
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
	retrier := retry.NewEngine(store, nil)
	return New(store, d, retrier, nil, opts), store
}

func TestPollClaimsAndDispatches(t *testing.T) {
	d := newFakeDispatcher()
	c, store := newTestCoordinator(t, d, Options{MaxAttempts: 4})
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "urgent", State: types.StateReady, Priority: 10},
		{ID: "sw-2", Title: "routine", State: types.StateReady, Priority: 1},
		{ID: "sw-3", Title: "waiting", State: types.StateBlocked, DependsOn: []string{"sw-1"}},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	n, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched %d, want 2", n)
	}
	if len(d.items) != 2 || d.items[0].TicketID != "sw-1" {
		t.Errorf("dispatch order = %v, want priority-first", d.items)
	}
	if d.items[0].Attempt != 1 || d.items[0].MaxAttempts != 4 {
		t.Errorf("attempt indicator = %d/%d, want 1/4", d.items[0].Attempt, d.items[0].MaxAttempts)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateInProgress {
		t.Errorf("state = %s, want in_progress", tk.State)
	}
	if tk.Assignee == "" || tk.LastHeartbeat == nil {
		t.Error("claim did not record a lease")
	}

	blocked, err := store.GetTicket(ctx, "sw-3")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if blocked.State != types.StateBlocked {
		t.Errorf("blocked ticket was dispatched (state=%s)", blocked.State)
	}
}

func TestPollCarriesFeedbackOnRetry(t *testing.T) {
	d := newFakeDispatcher()
	c, store := newTestCoordinator(t, d, Options{})
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "rework", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	if err := store.Claim(ctx, "sw-1", "vm-old"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.BeginVerification(ctx, "sw-1", "vm-old", "artifact-1"); err != nil {
		t.Fatalf("BeginVerification failed: %v", err)
	}
	if _, err := store.AddReviewFeedback(ctx, "sw-1", []types.Feedback{
		{Severity: "major", Message: "wrong output format"},
	}); err != nil {
		t.Fatalf("AddReviewFeedback failed: %v", err)
	}
	retrier := retry.NewEngine(store, nil)
	if _, err := retrier.RetryOrHold(ctx, &types.Ticket{ID: "sw-1"}, retry.ErrorInfo{
		Message: "review rejected", Category: types.CategoryCode, Confidence: 1,
	}); err != nil {
		t.Fatalf("RetryOrHold failed: %v", err)
	}
	if err := store.ExpediteRetry(ctx, "sw-1"); err != nil {
		t.Fatalf("ExpediteRetry failed: %v", err)
	}

	n, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	item := d.items[0]
	if item.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", item.Attempt)
	}
	if len(item.Feedback) != 1 || item.Feedback[0].Message != "wrong output format" {
		t.Errorf("feedback not forwarded: %+v", item.Feedback)
	}
}

// TestPollDispatchFailureReleasesClaim verifies a backend refusal does not
// strand the ticket in_progress until the reaper finds it.
func TestPollDispatchFailureReleasesClaim(t *testing.T) {
	d := newFakeDispatcher()
	d.err = errors.New("provisioning quota exceeded")
	c, store := newTestCoordinator(t, d, Options{})
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "unlucky", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	n, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("dispatched %d, want 0", n)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateReady {
		t.Errorf("state = %s, want ready (rescheduled)", tk.State)
	}
	if tk.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", tk.RetryCount)
	}
}

// TestReclaimEndsOldLease verifies that a reaped worker cannot pass its
// artifact off as the current attempt: the re-claim issues a distinct worker
// id, so the old worker's verification request no longer matches the assignee
// and is rejected, while the live worker's goes through.
func TestReclaimEndsOldLease(t *testing.T) {
	d := newFakeDispatcher()
	c, store := newTestCoordinator(t, d, Options{})
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "long haul", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	first := d.items[0].WorkerID

	// The worker goes silent; with staleBefore in the future every heartbeat
	// qualifies, so the ticket is reclaimed immediately.
	now := time.Now().UTC()
	reclaimed, err := store.ReapStale(ctx, now.Add(time.Hour), now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d tickets, want 1", len(reclaimed))
	}

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	second := d.items[1].WorkerID
	if second == first {
		t.Fatalf("re-claim reused worker id %q", first)
	}

	// The reaped worker finishes anyway and reports; its lease is dead.
	err = store.BeginVerification(ctx, "sw-1", first, "artifact-old")
	if !errors.Is(err, storage.ErrInvalidState) {
		t.Fatalf("stale worker's report accepted: err = %v, want ErrInvalidState", err)
	}
	if err := store.BeginVerification(ctx, "sw-1", second, "artifact-live"); err != nil {
		t.Fatalf("live worker's report rejected: %v", err)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.ArtifactRef != "artifact-live" {
		t.Errorf("artifact = %q, want the live worker's", tk.ArtifactRef)
	}
}

// TestPollRespectsBackendCapacity verifies the claim batch is clamped to what
// the backend can start, so no ticket is claimed only to wait unheartbeated
// in a backend queue.
func TestPollRespectsBackendCapacity(t *testing.T) {
	d := newFakeDispatcher()
	d.capacity = 1
	c, store := newTestCoordinator(t, d, Options{})
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "first", State: types.StateReady, Priority: 5},
		{ID: "sw-2", Title: "second", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	n, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}

	// The overflow ticket keeps its place in the ready pool, unclaimed.
	tk, err := store.GetTicket(ctx, "sw-2")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateReady || tk.Assignee != "" {
		t.Errorf("overflow ticket state=%s assignee=%q, want unclaimed ready", tk.State, tk.Assignee)
	}

	// A freed slot picks it up on the next poll.
	d.capacity = 2
	n, err = c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 1 || d.items[1].TicketID != "sw-2" {
		t.Fatalf("follow-up poll dispatched %d (%v), want sw-2", n, d.items)
	}
}

func TestPollEmptyQueue(t *testing.T) {
	d := newFakeDispatcher()
	c, _ := newTestCoordinator(t, d, Options{})
	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched %d from empty queue", n)
	}
}
