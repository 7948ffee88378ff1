package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

type recordingHandler struct {
	id       string
	handles  []types.EventType
	priority int
	seen     []*Notification
	err      error
}

func (h *recordingHandler) ID() string                 { return h.id }
func (h *recordingHandler) Handles() []types.EventType { return h.handles }
func (h *recordingHandler) Priority() int              { return h.priority }
func (h *recordingHandler) Handle(_ context.Context, n *Notification) error {
	h.seen = append(h.seen, n)
	return h.err
}

func TestDispatchFiltersAndOrders(t *testing.T) {
	bus := New()
	claimed := &recordingHandler{id: "claimed-only", handles: []types.EventType{types.EventClaimed}, priority: 10}
	all := &recordingHandler{id: "catch-all", priority: 5}
	bus.Register(claimed)
	bus.Register(all)

	n := &Notification{TicketID: "sw-1", EventType: types.EventClaimed,
		OldState: types.StateReady, NewState: types.StateInProgress}
	if err := bus.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(claimed.seen) != 1 || len(all.seen) != 1 {
		t.Fatalf("expected both handlers to see the event, got %d/%d",
			len(claimed.seen), len(all.seen))
	}

	other := &Notification{TicketID: "sw-1", EventType: types.EventCompleted,
		OldState: types.StateVerifying, NewState: types.StateDone}
	if err := bus.Dispatch(context.Background(), other); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(claimed.seen) != 1 {
		t.Error("filtered handler saw a non-matching event")
	}
	if len(all.seen) != 2 {
		t.Error("catch-all handler missed an event")
	}
}

// TestHandlerErrorDoesNotStopChain verifies a failing handler never blocks
// later handlers — notifications are observability, not control flow.
func TestHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New()
	failing := &recordingHandler{id: "failing", priority: 1, err: errors.New("boom")}
	after := &recordingHandler{id: "after", priority: 2}
	bus.Register(failing)
	bus.Register(after)

	n := &Notification{TicketID: "sw-1", EventType: types.EventReclaimed}
	if err := bus.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(after.seen) != 1 {
		t.Error("handler after a failing one was not called")
	}
}

func TestDispatchNil(t *testing.T) {
	bus := New()
	if err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil notification")
	}
}
