// Package coordinator drives the claim loop: it polls for ready work, claims
// tickets atomically, and hands them to the execution backend. Several
// coordinators may poll the same store; claim conflicts are expected
// contention and are skipped, never surfaced as failures.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/corynaegle-ai/swarm-engine/internal/dispatch"
	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/retry"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/telemetry"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Defaults.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 10
)

// Options configures a Coordinator. Zero values use the package defaults.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int // attempt ceiling surfaced to workers in work items
}

// Coordinator claims ready tickets and dispatches them.
type Coordinator struct {
	store       storage.Storage
	dispatcher  dispatch.Dispatcher
	retrier     *retry.Engine
	bus         *eventbus.Bus
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// New creates a coordinator. bus may be nil.
func New(store storage.Storage, dispatcher dispatch.Dispatcher, retrier *retry.Engine, bus *eventbus.Bus, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = retry.DefaultStrategies()[types.CategoryTransient].MaxRetries + 1
	}
	return &Coordinator{
		store:       store,
		dispatcher:  dispatcher,
		retrier:     retrier,
		bus:         bus,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
	}
}

// Run polls for ready work on a fixed cadence until the context is
// cancelled. Poll errors are logged and retried next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Poll(ctx); err != nil {
				log.Printf("coordinator: poll failed: %v", err)
			}
		}
	}
}

// Poll claims and dispatches up to one batch of ready tickets, returning how
// many were dispatched. Tickets lost to concurrent claimers are skipped.
// The batch is clamped to the backend's current capacity so a claimed ticket
// never sits in a backend queue with nobody heartbeating for it.
func (c *Coordinator) Poll(ctx context.Context) (int, error) {
	limit := c.batchSize
	if capacity := c.dispatcher.Capacity(); capacity < limit {
		limit = capacity
	}
	if limit <= 0 {
		return 0, nil
	}
	ready, err := c.store.ListReady(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list ready tickets: %w", err)
	}

	dispatched := 0
	for _, tk := range ready {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		workerID := workerIDFor(tk)
		if err := c.store.Claim(ctx, tk.ID, workerID); err != nil {
			if errors.Is(err, storage.ErrClaimConflict) || errors.Is(err, storage.ErrNotFound) {
				telemetry.CountClaimConflict(ctx)
				continue
			}
			return dispatched, fmt.Errorf("failed to claim %s: %w", tk.ID, err)
		}
		telemetry.CountClaim(ctx)
		c.notify(ctx, tk.ID, types.EventClaimed, workerID)

		if err := c.dispatchOne(ctx, tk, workerID); err != nil {
			log.Printf("coordinator: dispatch of %s failed: %v", tk.ID, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatchOne hands a claimed ticket to the backend. A dispatch failure is
// routed through the retry engine as an external failure so the claim is
// released immediately instead of waiting for the reaper.
func (c *Coordinator) dispatchOne(ctx context.Context, tk *types.Ticket, workerID string) error {
	item := dispatch.WorkItem{
		TicketID:           tk.ID,
		WorkerID:           workerID,
		Title:              tk.Title,
		Description:        tk.Description,
		AcceptanceCriteria: tk.AcceptanceCriteria,
		Feedback:           tk.ReviewFeedback,
		Attempt:            tk.RetryCount + 1,
		MaxAttempts:        c.maxAttempts,
	}

	if err := c.dispatcher.Dispatch(ctx, item); err != nil {
		info := retry.ErrorInfo{
			Message:    fmt.Sprintf("dispatch failed: %v", err),
			Category:   types.CategoryExternal,
			Confidence: 1.0,
		}
		if _, rerr := c.retrier.RetryOrHold(ctx, tk, info); rerr != nil {
			return fmt.Errorf("dispatch failed and rerouting failed: %v: %w", err, rerr)
		}
		return err
	}

	meta, _ := json.Marshal(map[string]any{"worker": workerID, "attempt": item.Attempt})
	if err := c.store.AppendEvent(ctx, tk.ID, types.EventDispatched,
		types.StateInProgress, types.StateInProgress, string(meta)); err != nil {
		log.Printf("coordinator: dispatched event for %s failed: %v", tk.ID, err)
	}
	c.notify(ctx, tk.ID, types.EventDispatched, workerID)
	return nil
}

func (c *Coordinator) notify(ctx context.Context, ticketID string, eventType types.EventType, workerID string) {
	if c.bus == nil {
		return
	}
	n := &eventbus.Notification{
		TicketID:  ticketID,
		EventType: eventType,
		OldState:  types.StateReady,
		NewState:  types.StateInProgress,
		Metadata:  fmt.Sprintf(`{"worker":%q}`, workerID),
	}
	if err := c.bus.Dispatch(ctx, n); err != nil {
		log.Printf("coordinator: notification for %s failed: %v", ticketID, err)
	}
}

// workerIDFor derives a per-claim worker identity. The ticket id and attempt
// number keep it readable; the random suffix makes every claim a distinct
// lease. A reap does not touch retry_count, so without the suffix a
// re-claimed ticket would hand the new worker the reaped worker's identity
// and the assignee guards could not tell their reports apart.
func workerIDFor(tk *types.Ticket) string {
	return fmt.Sprintf("vm-%s-a%d-%s", tk.ID, tk.RetryCount+1, uuid.NewString()[:8])
}
