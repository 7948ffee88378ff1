// Package eventbus provides an in-process notification bus for ticket state
// changes. Storage remains the source of truth; the bus only fans
// already-committed transitions out to observers (log handlers, metrics,
// dashboard feeds). Handler failures never affect the transition that
// produced the notification.
package eventbus

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Notification describes a committed ticket state transition.
type Notification struct {
	TicketID  string
	EventType types.EventType
	OldState  types.State
	NewState  types.State
	Metadata  string
}

// Handler processes notifications on the bus. Handlers are called in
// priority order (lower value first) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes. An empty
	// slice subscribes to everything.
	Handles() []types.EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single notification. Returning an error logs a
	// warning but does not stop the handler chain.
	Handle(ctx context.Context, n *Notification) error
}

// Bus dispatches notifications to registered handlers.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

// New creates a new notification bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch sends a notification to all matching handlers sequentially in
// priority order. Handler errors are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, n *Notification) error {
	if n == nil {
		return fmt.Errorf("eventbus: nil notification")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(n.EventType)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, n); err != nil {
			log.Printf("eventbus: handler %q error for %s: %v", h.ID(), n.EventType, err)
		}
	}
	return nil
}

// Handlers returns all registered handlers (for introspection).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the given event type, sorted by
// priority. Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType types.EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		handles := h.Handles()
		if len(handles) == 0 {
			matched = append(matched, h)
			continue
		}
		for _, t := range handles {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// HandlerFunc adapts a function into a catch-all Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, n *Notification) error
}

// ID implements Handler.
func (h HandlerFunc) ID() string { return h.Name }

// Handles implements Handler; HandlerFunc subscribes to all event types.
func (h HandlerFunc) Handles() []types.EventType { return nil }

// Priority implements Handler.
func (h HandlerFunc) Priority() int { return 100 }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, n *Notification) error { return h.Fn(ctx, n) }
