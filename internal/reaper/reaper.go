// Package reaper returns abandoned work to the pool. A claim goes stale when
// its worker misses enough heartbeats, or unconditionally when it exceeds the
// absolute claim timeout; either way the ticket flips back to ready and the
// lease is cleared, so a crashed or wedged worker never strands a ticket.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/telemetry"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Defaults. StaleAfter should be a small multiple of the heartbeat interval
// so one dropped renewal does not cost a worker its claim.
const (
	DefaultInterval      = 60 * time.Second
	DefaultStaleAfter    = 5 * time.Minute
	DefaultTicketTimeout = 30 * time.Minute
	DefaultBatchLimit    = 100
)

// Reaper periodically scans for stale claims and reclaims them.
type Reaper struct {
	store         storage.Storage
	bus           *eventbus.Bus
	interval      time.Duration
	staleAfter    time.Duration
	ticketTimeout time.Duration
	batchLimit    int
	now           func() time.Time // swapped in tests
}

// Options configures a Reaper. Zero values use the package defaults.
type Options struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	TicketTimeout time.Duration
	BatchLimit    int
}

// New creates a reaper. bus may be nil.
func New(store storage.Storage, bus *eventbus.Bus, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.TicketTimeout <= 0 {
		opts.TicketTimeout = DefaultTicketTimeout
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	return &Reaper{
		store:         store,
		bus:           bus,
		interval:      opts.Interval,
		staleAfter:    opts.StaleAfter,
		ticketTimeout: opts.TicketTimeout,
		batchLimit:    opts.BatchLimit,
		now:           time.Now,
	}
}

// Run scans on a fixed cadence until the context is cancelled. Scan errors
// are logged and retried next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("reaper: sweep failed: %v", err)
			}
		}
	}
}

// Sweep reclaims every currently-stale ticket and returns the reclaimed set.
// Concurrent sweeps (multiple engine replicas) each reclaim a disjoint
// subset; the storage layer guarantees exactly one reclaim per ticket.
func (r *Reaper) Sweep(ctx context.Context) ([]*types.Ticket, error) {
	now := r.now().UTC()
	reclaimed, err := r.store.ReapStale(ctx,
		now.Add(-r.staleAfter), now.Add(-r.ticketTimeout), r.batchLimit)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) == 0 {
		return nil, nil
	}

	telemetry.CountReclaims(ctx, len(reclaimed))
	for _, tk := range reclaimed {
		log.Printf("reaper: reclaimed %s (retry_count=%d)", tk.ID, tk.RetryCount)
		if r.bus != nil {
			n := &eventbus.Notification{
				TicketID:  tk.ID,
				EventType: types.EventReclaimed,
				OldState:  types.StateInProgress,
				NewState:  types.StateReady,
			}
			if err := r.bus.Dispatch(ctx, n); err != nil {
				log.Printf("reaper: notification for %s failed: %v", tk.ID, err)
			}
		}
	}
	return reclaimed, nil
}
