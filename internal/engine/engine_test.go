package engine

import (
	"context"
	"testing"

	"github.com/corynaegle-ai/swarm-engine/internal/dispatch"
	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/gate"
	"github.com/corynaegle-ai/swarm-engine/internal/storage/sqlite"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

type fakeDispatcher struct {
	items   []dispatch.WorkItem
	reports chan dispatch.Report
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{reports: make(chan dispatch.Report, 16)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, item dispatch.WorkItem) error {
	d.items = append(d.items, item)
	return nil
}

func (d *fakeDispatcher) Capacity() int { return 16 }

func (d *fakeDispatcher) Reports() <-chan dispatch.Report { return d.reports }

func (d *fakeDispatcher) last() dispatch.WorkItem {
	return d.items[len(d.items)-1]
}

type approvingReviewer struct{}

func (approvingReviewer) Review(_ context.Context, _ *gate.ReviewRequest) (*gate.ReviewResult, error) {
	return &gate.ReviewResult{Decision: gate.DecisionApprove, Score: 0.9}, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeDispatcher, *sqlite.Store) {
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
	d := newFakeDispatcher()
	return New(store, d, approvingReviewer{}, Options{}), d, store
}

func eventTypes(t *testing.T, store *sqlite.Store, id string) []types.EventType {
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

// TestLifecycleWithRetries runs a ticket that fails twice with transient
// errors before succeeding: it must finish done with retry_count=2 and an
// event log telling the full story in order.
func TestLifecycleWithRetries(t *testing.T) {
	e, d, store := newTestEngine(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "flaky work", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	for round := 0; round < 2; round++ {
		if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
			t.Fatalf("round %d: Poll = %d, %v", round, n, err)
		}
		if err := e.HandleReport(ctx, dispatch.Report{
			TicketID:     "sw-1",
			WorkerID:     d.last().WorkerID,
			Status:       dispatch.StatusFailure,
			ErrorMessage: "connection timed out",
		}); err != nil {
			t.Fatalf("round %d: HandleReport failed: %v", round, err)
		}
		if err := store.ExpediteRetry(ctx, "sw-1"); err != nil {
			t.Fatalf("round %d: ExpediteRetry failed: %v", round, err)
		}
	}

	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("final Poll = %d, %v", n, err)
	}
	if got := d.last().Attempt; got != 3 {
		t.Errorf("final attempt indicator = %d, want 3", got)
	}
	if err := e.HandleReport(ctx, dispatch.Report{
		TicketID:    "sw-1",
		WorkerID:    d.last().WorkerID,
		Status:      dispatch.StatusSuccess,
		ArtifactRef: "artifact-final",
	}); err != nil {
		t.Fatalf("success report failed: %v", err)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateDone {
		t.Errorf("state = %s, want done", tk.State)
	}
	if tk.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", tk.RetryCount)
	}

	want := []types.EventType{
		types.EventCreated,
		types.EventClaimed, types.EventDispatched, types.EventRetryScheduled,
		types.EventClaimed, types.EventDispatched, types.EventRetryScheduled,
		types.EventClaimed, types.EventDispatched,
		types.EventVerificationRequested, types.EventCompleted,
	}
	got := eventTypes(t, store, "sw-1")
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full log %v)", i, got[i], want[i], got)
		}
	}
}

// TestCompletionUnblocksDependent drives a two-ticket chain end to end.
func TestCompletionUnblocksDependent(t *testing.T) {
	e, d, store := newTestEngine(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "base", State: types.StateReady},
		{ID: "sw-2", Title: "dependent", State: types.StateBlocked, DependsOn: []string{"sw-1"}},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}

	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v", n, err)
	}
	if err := e.HandleReport(ctx, dispatch.Report{
		TicketID: "sw-1", WorkerID: d.last().WorkerID,
		Status: dispatch.StatusSuccess, ArtifactRef: "artifact-1",
	}); err != nil {
		t.Fatalf("HandleReport failed: %v", err)
	}

	// The dependent must now be claimable.
	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("dependent Poll = %d, %v", n, err)
	}
	if d.last().TicketID != "sw-2" {
		t.Errorf("dispatched %s, want sw-2", d.last().TicketID)
	}
}

// TestLateReportAfterCancel verifies a worker finishing after an operator
// cancel cannot resurrect the ticket.
func TestLateReportAfterCancel(t *testing.T) {
	e, d, store := newTestEngine(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "doomed", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v", n, err)
	}
	worker := d.last().WorkerID

	if err := e.Cancel(ctx, "sw-1", "scope cut"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := e.HandleReport(ctx, dispatch.Report{
		TicketID: "sw-1", WorkerID: worker,
		Status: dispatch.StatusSuccess, ArtifactRef: "artifact-late",
	}); err != nil {
		t.Fatalf("late success report should be dropped, got: %v", err)
	}
	if err := e.HandleReport(ctx, dispatch.Report{
		TicketID: "sw-1", WorkerID: worker,
		Status: dispatch.StatusFailure, ErrorMessage: "whatever",
	}); err != nil {
		t.Fatalf("late failure report should be dropped, got: %v", err)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateCancelled {
		t.Errorf("state = %s, want cancelled", tk.State)
	}
}

// TestCancelNotificationCarriesPriorState verifies the cancel notification
// reports the state the ticket actually left, not a blank.
func TestCancelNotificationCarriesPriorState(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "doomed", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v", n, err)
	}

	var got *eventbus.Notification
	e.Bus().Register(eventbus.HandlerFunc{Name: "capture", Fn: func(_ context.Context, n *eventbus.Notification) error {
		if n.EventType == types.EventCancelled {
			got = n
		}
		return nil
	}})

	if err := e.Cancel(ctx, "sw-1", "scope cut"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got == nil {
		t.Fatal("no cancelled notification dispatched")
	}
	if got.OldState != types.StateInProgress || got.NewState != types.StateCancelled {
		t.Errorf("transition = %s -> %s, want in_progress -> cancelled", got.OldState, got.NewState)
	}
}

// TestRequeueAfterHold exhausts a fatal ticket, then recovers it by operator
// requeue.
func TestRequeueAfterHold(t *testing.T) {
	e, d, store := newTestEngine(t)
	ctx := context.Background()

	if err := store.CreateTickets(ctx, []*types.Ticket{
		{ID: "sw-1", Title: "misconfigured", State: types.StateReady},
	}); err != nil {
		t.Fatalf("CreateTickets failed: %v", err)
	}
	if n, err := e.coord.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v", n, err)
	}
	if err := e.HandleReport(ctx, dispatch.Report{
		TicketID: "sw-1", WorkerID: d.last().WorkerID,
		Status: dispatch.StatusFailure, ErrorMessage: "invalid credentials",
	}); err != nil {
		t.Fatalf("HandleReport failed: %v", err)
	}

	tk, err := store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateOnHold {
		t.Fatalf("state = %s, want on_hold (fatal, no retries)", tk.State)
	}

	if err := e.Requeue(ctx, "sw-1"); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	tk, err = store.GetTicket(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if tk.State != types.StateReady || tk.RetryCount != 0 {
		t.Errorf("after requeue: state=%s retry_count=%d, want ready/0", tk.State, tk.RetryCount)
	}
}
