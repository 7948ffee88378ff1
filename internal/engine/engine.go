// Package engine assembles the ticket execution pipeline: the coordinator
// claims and dispatches ready work, execution backends report outcomes
// asynchronously, the verification gate judges successful attempts, the retry
// policy engine routes failures, and the reaper recovers abandoned claims.
//
// The engine process is the only writer of ticket state. Workers communicate
// purely through dispatch reports and heartbeats; a worker that disappears
// mid-flight costs nothing but the reap interval.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/corynaegle-ai/swarm-engine/internal/coordinator"
	"github.com/corynaegle-ai/swarm-engine/internal/dispatch"
	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/gate"
	"github.com/corynaegle-ai/swarm-engine/internal/reaper"
	"github.com/corynaegle-ai/swarm-engine/internal/resolver"
	"github.com/corynaegle-ai/swarm-engine/internal/retry"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Options configures an Engine.
type Options struct {
	Coordinator       coordinator.Options
	Reaper            reaper.Options
	MaxReviewAttempts int
	Strategies        map[types.ErrorCategory]types.RetryStrategy
}

// Engine runs the full ticket lifecycle.
type Engine struct {
	store      storage.Storage
	dispatcher dispatch.Dispatcher
	bus        *eventbus.Bus
	retrier    *retry.Engine
	resolver   *resolver.Resolver
	gate       *gate.Gate
	coord      *coordinator.Coordinator
	reaper     *reaper.Reaper
}

// New wires an engine from its store, execution backend, and reviewer.
func New(store storage.Storage, dispatcher dispatch.Dispatcher, reviewer gate.Reviewer, opts Options) *Engine {
	bus := eventbus.New()
	retrier := retry.NewEngine(store, opts.Strategies)
	res := resolver.New(store, bus)
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		retrier:    retrier,
		resolver:   res,
		gate:       gate.New(store, reviewer, retrier, res, bus, opts.MaxReviewAttempts),
		coord:      coordinator.New(store, dispatcher, retrier, bus, opts.Coordinator),
		reaper:     reaper.New(store, bus, opts.Reaper),
	}
}

// Bus exposes the notification bus so callers can register observers
// (dashboard feeds, log handlers) before Run.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Run starts the coordinator, reaper, and report consumer, and blocks until
// the context is cancelled or one of the loops fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.coord.Run(ctx) })
	g.Go(func() error { return e.reaper.Run(ctx) })
	g.Go(func() error { return e.consumeReports(ctx) })
	return g.Wait()
}

func (e *Engine) consumeReports(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case report, ok := <-e.dispatcher.Reports():
			if !ok {
				return nil
			}
			if err := e.HandleReport(ctx, report); err != nil {
				log.Printf("engine: report for %s failed: %v", report.TicketID, err)
			}
		}
	}
}

// HandleReport applies one asynchronous outcome report. Reports from workers
// that no longer hold the claim — reaped, cancelled, or already rerouted
// tickets — are stale signals and are dropped without error.
func (e *Engine) HandleReport(ctx context.Context, report dispatch.Report) error {
	switch report.Status {
	case dispatch.StatusSuccess:
		return e.handleSuccess(ctx, report)
	case dispatch.StatusFailure:
		return e.handleFailure(ctx, report)
	default:
		return fmt.Errorf("unknown report status %q for %s", report.Status, report.TicketID)
	}
}

func (e *Engine) handleSuccess(ctx context.Context, report dispatch.Report) error {
	err := e.store.BeginVerification(ctx, report.TicketID, report.WorkerID, report.ArtifactRef)
	if errors.Is(err, storage.ErrInvalidState) || errors.Is(err, storage.ErrNotFound) {
		log.Printf("engine: dropping stale success report for %s from %s", report.TicketID, report.WorkerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to begin verification for %s: %w", report.TicketID, err)
	}
	e.notify(ctx, report.TicketID, types.EventVerificationRequested,
		types.StateInProgress, types.StateVerifying, report.WorkerID)

	if _, err := e.gate.Submit(ctx, report.TicketID); err != nil {
		return fmt.Errorf("verification of %s failed: %w", report.TicketID, err)
	}
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, report dispatch.Report) error {
	ticket, err := e.store.GetTicket(ctx, report.TicketID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("engine: dropping failure report for unknown ticket %s", report.TicketID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", report.TicketID, err)
	}
	if ticket.State != types.StateInProgress || ticket.Assignee != report.WorkerID {
		log.Printf("engine: dropping stale failure report for %s from %s (state=%s assignee=%s)",
			report.TicketID, report.WorkerID, ticket.State, ticket.Assignee)
		return nil
	}

	info := retry.ErrorInfo{Message: report.ErrorMessage}
	if _, err := e.retrier.RetryOrHold(ctx, ticket, info); err != nil {
		return fmt.Errorf("failed to route failure for %s: %w", report.TicketID, err)
	}
	return nil
}

// Cancel immediately and terminally cancels a ticket, bypassing the retry
// engine. Late reports from a worker still executing it are dropped as stale.
func (e *Engine) Cancel(ctx context.Context, ticketID, reason string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", ticketID, err)
	}
	if err := e.store.Cancel(ctx, ticketID, reason); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", ticketID, err)
	}
	e.notify(ctx, ticketID, types.EventCancelled, ticket.State, types.StateCancelled, reason)
	return nil
}

// Requeue returns an on_hold or needs_review ticket to the ready pool with
// its retry counters reset.
func (e *Engine) Requeue(ctx context.Context, ticketID string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", ticketID, err)
	}
	if err := e.store.Requeue(ctx, ticketID); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", ticketID, err)
	}
	e.notify(ctx, ticketID, types.EventRequeued, ticket.State, types.StateReady, "")
	return nil
}

// Statistics returns aggregate per-state ticket counts.
func (e *Engine) Statistics(ctx context.Context) (*types.Statistics, error) {
	return e.store.GetStatistics(ctx)
}

func (e *Engine) notify(ctx context.Context, ticketID string, eventType types.EventType, oldState, newState types.State, detail string) {
	meta := ""
	if detail != "" {
		b, _ := json.Marshal(map[string]string{"detail": detail})
		meta = string(b)
	}
	n := &eventbus.Notification{
		TicketID:  ticketID,
		EventType: eventType,
		OldState:  oldState,
		NewState:  newState,
		Metadata:  meta,
	}
	if err := e.bus.Dispatch(ctx, n); err != nil {
		log.Printf("engine: notification for %s failed: %v", ticketID, err)
	}
}
