// Package resolver unblocks tickets whose prerequisites have completed.
package resolver

import (
	"context"
	"fmt"
	"log"

	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Resolver propagates ticket completion through the dependency graph.
// The acyclicity of the graph is validated once at ingestion; nothing here
// re-checks for cycles on the hot path.
type Resolver struct {
	store storage.Storage
	bus   *eventbus.Bus
}

// New creates a resolver. bus may be nil when no observers are wired.
func New(store storage.Storage, bus *eventbus.Bus) *Resolver {
	return &Resolver{store: store, bus: bus}
}

// OnTicketDone removes dependency edges on the completed ticket and returns
// the IDs of tickets that became ready. Safe to call more than once for the
// same completion: the storage layer resolves each edge exactly once.
func (r *Resolver) OnTicketDone(ctx context.Context, ticketID string) ([]string, error) {
	unblocked, err := r.store.ResolveDependents(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependents of %s: %w", ticketID, err)
	}

	if r.bus != nil {
		for _, id := range unblocked {
			n := &eventbus.Notification{
				TicketID:  id,
				EventType: types.EventDependencyResolved,
				OldState:  types.StateBlocked,
				NewState:  types.StateReady,
				Metadata:  fmt.Sprintf(`{"completed":%q}`, ticketID),
			}
			if err := r.bus.Dispatch(ctx, n); err != nil {
				log.Printf("resolver: notification for %s failed: %v", id, err)
			}
		}
	}
	return unblocked, nil
}
