// Package storage provides shared types for ticket storage.
//
// Concrete implementations live in the sqlite and mysql sub-packages.
// This package holds the interface and sentinel errors referenced by both
// the implementations and their consumers (engine, cmd/swarmd, etc.).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// ErrClaimConflict is returned when a claim attempt loses a race to another
// worker. Callers must treat this as expected contention, not a failure to
// surface to users.
var ErrClaimConflict = errors.New("ticket already claimed")

// ErrNotFound is returned when a requested ticket does not exist.
var ErrNotFound = errors.New("ticket not found")

// ErrInvalidState is returned when a conditional transition finds the ticket
// in a state that no longer permits it — e.g. a completion report arriving
// for a ticket an operator has since cancelled. Callers decide whether this
// is an error or an ignorable stale signal.
var ErrInvalidState = errors.New("ticket not in required state")

// Storage is the persistence interface for the ticket engine.
//
// Every state-changing method appends the corresponding event in the same
// transaction as the state change, so the event log is always a complete,
// ordered record of the ticket's lifecycle. Heartbeat renewal is the single
// exemption, to bound log volume.
type Storage interface {
	// Tickets
	CreateTickets(ctx context.Context, tickets []*types.Ticket) error
	GetTicket(ctx context.Context, id string) (*types.Ticket, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Claim coordination. ListReady returns ready tickets whose retry_after
	// has passed, priority descending then oldest first. Claim succeeds only
	// if the ticket is still ready; a lost race yields ErrClaimConflict.
	ListReady(ctx context.Context, limit int) ([]*types.Ticket, error)
	Claim(ctx context.Context, id, workerID string) error

	// Liveness. RenewHeartbeats touches last_heartbeat on every in_progress
	// ticket held by workerID and returns how many rows were renewed. It
	// appends no events.
	RenewHeartbeats(ctx context.Context, workerID string) (int, error)

	// ReapStale atomically returns to the pool every in_progress ticket whose
	// last_heartbeat is older than staleBefore or whose claim started before
	// claimedBefore. Concurrent reapers produce exactly one reclaim per
	// ticket. Returns the reclaimed tickets with assignee already cleared.
	ReapStale(ctx context.Context, staleBefore, claimedBefore time.Time, limit int) ([]*types.Ticket, error)

	// Verification flow. BeginVerification moves in_progress → verifying,
	// guarded by the reporting worker still holding the claim. Complete
	// moves verifying → done. AddReviewFeedback appends rejection feedback
	// (never overwriting earlier items), increments review_attempt_count,
	// and returns the new count.
	BeginVerification(ctx context.Context, id, workerID, artifactRef string) error
	Complete(ctx context.Context, id string) error
	AddReviewFeedback(ctx context.Context, id string, items []types.Feedback) (int, error)

	// Retry outcomes. ScheduleRetry moves in_progress/verifying → ready with
	// retry_after set and retry_count incremented; metadata carries the
	// classification and strategy snapshot. Hold moves the ticket to on_hold
	// with a persisted reason. MarkNeedsReview is the review-budget
	// escalation terminal, distinct from on_hold.
	ScheduleRetry(ctx context.Context, id string, retryAfter time.Time, metadata string) error
	Hold(ctx context.Context, id, reason, metadata string) error
	MarkNeedsReview(ctx context.Context, id, reason string) error

	// Operator actions. Cancel is immediate and terminal: any non-terminal
	// state goes straight to cancelled, bypassing the retry engine. Requeue
	// returns an on_hold or needs_review ticket to ready with counters reset.
	// ExpediteRetry clears a pending backoff window so a ready ticket is
	// claimable immediately.
	Cancel(ctx context.Context, id, reason string) error
	Requeue(ctx context.Context, id string) error
	ExpediteRetry(ctx context.Context, id string) error

	// ResolveDependents removes dependency edges pointing at the completed
	// ticket and flips fully-unblocked tickets from blocked to ready,
	// stamping unblocked_at. Idempotent under duplicate notifications.
	// Returns the IDs of newly-ready tickets.
	ResolveDependents(ctx context.Context, doneID string) ([]string, error)

	// Event log. AppendEvent is a pure insert with no update or delete path.
	AppendEvent(ctx context.Context, ticketID string, eventType types.EventType, oldState, newState types.State, metadata string) error
	GetEvents(ctx context.Context, ticketID string, limit int) ([]*types.Event, error)

	// Lifecycle
	Close() error
}
