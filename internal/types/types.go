// Package types defines core data structures for the swarm ticket engine.
package types

import (
	"fmt"
	"time"
)

// Ticket represents a unit of work flowing through the engine.
//
// The persistent store owns the record exclusively; workers hold only a
// transient lease (assignee + last_heartbeat), never the record itself.
type Ticket struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	State              State      `json:"state"`
	Priority           int        `json:"priority"` // higher = more urgent
	SizeHint           string     `json:"size_hint,omitempty"`
	DependsOn          []string   `json:"depends_on,omitempty"` // populated on ingestion/read
	Assignee           string     `json:"assignee,omitempty"`   // worker/VM id holding the claim
	RetryCount         int        `json:"retry_count"`
	RetryAfter         *time.Time `json:"retry_after,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	HoldReason         string     `json:"hold_reason,omitempty"`
	ReviewFeedback     []Feedback `json:"review_feedback,omitempty"` // append-only across rejections
	ReviewAttempts     int        `json:"review_attempt_count"`
	UnblockedAt        *time.Time `json:"unblocked_at,omitempty"`
	ArtifactRef        string     `json:"artifact_ref,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Validate checks that the ticket has valid field values.
func (t *Ticket) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("ticket id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.Priority < 0 {
		return fmt.Errorf("priority cannot be negative (got %d)", t.Priority)
	}
	if !t.State.IsValid() {
		return fmt.Errorf("invalid state: %s", t.State)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("ticket %s cannot depend on itself", t.ID)
		}
	}
	return nil
}

// State represents the lifecycle state of a ticket.
type State string

// Ticket state constants.
const (
	StatePending     State = "pending"      // created, dependency resolution not yet run
	StateBlocked     State = "blocked"      // waiting on depends_on tickets
	StateReady       State = "ready"        // eligible for claiming
	StateInProgress  State = "in_progress"  // claimed by a worker
	StateVerifying   State = "verifying"    // tentative artifact under review
	StateDone        State = "done"         // approved and complete
	StateOnHold      State = "on_hold"      // retry budget exhausted; operator can requeue
	StateNeedsReview State = "needs_review" // review budget exhausted; human escalation
	StateCancelled   State = "cancelled"    // operator-cancelled; never retried
)

// IsValid checks if the state value is valid.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateBlocked, StateReady, StateInProgress, StateVerifying,
		StateDone, StateOnHold, StateNeedsReview, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transitions apply.
// on_hold and needs_review are terminal for the engine but recoverable
// by an explicit operator requeue.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateCancelled, StateOnHold, StateNeedsReview:
		return true
	}
	return false
}

// Feedback is a single structured item from a verification rejection.
// Items are persisted verbatim so the next attempt can address each one
// individually; they are never summarized or truncated.
type Feedback struct {
	Attempt  int    `json:"attempt"` // review attempt that produced this item
	Severity string `json:"severity,omitempty"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// Event is an immutable audit trail entry. Events are insertion-ordered
// per ticket and never mutated or deleted.
type Event struct {
	ID        int64     `json:"id"`
	TicketID  string    `json:"ticket_id"`
	EventType EventType `json:"event_type"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Metadata  string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// EventType categorizes audit trail events.
type EventType string

// Event type constants.
const (
	EventCreated               EventType = "created"
	EventClaimed               EventType = "claimed"
	EventDispatched            EventType = "dispatched"
	EventVerificationRequested EventType = "verification_requested"
	EventReviewRejected        EventType = "review_rejected"
	EventCompleted             EventType = "completed"
	EventRetryScheduled        EventType = "retry_scheduled"
	EventOnHold                EventType = "on_hold"
	EventNeedsReview           EventType = "needs_review"
	EventReclaimed             EventType = "reclaimed"
	EventDependencyResolved    EventType = "dependency_resolved"
	EventCancelled             EventType = "cancelled"
	EventRequeued              EventType = "requeued"
)

// ErrorCategory classifies a ticket execution failure.
type ErrorCategory string

// Failure taxonomy.
const (
	CategoryTransient ErrorCategory = "transient" // network, rate limit
	CategoryExternal  ErrorCategory = "external"  // upstream dependency failure
	CategoryCode      ErrorCategory = "code"      // logic error in produced work
	CategoryFatal     ErrorCategory = "fatal"     // unrecoverable, never retried
)

// IsValid checks if the error category is a known value.
func (c ErrorCategory) IsValid() bool {
	switch c {
	case CategoryTransient, CategoryExternal, CategoryCode, CategoryFatal:
		return true
	}
	return false
}

// BackoffKind selects the delay growth curve for retries.
type BackoffKind string

// Backoff kinds.
const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryStrategy describes how failures in one category are retried.
// Strategies are configuration, not per-ticket state; the strategy used
// for a decision is snapshotted into the event metadata at decision time.
type RetryStrategy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    BackoffKind   `json:"backoff"`
	BaseDelay  time.Duration `json:"base_delay"`
}

// Delay computes the backoff delay for the given attempt (1-based).
func (s RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch s.Backoff {
	case BackoffLinear:
		return s.BaseDelay * time.Duration(attempt)
	default:
		return s.BaseDelay * time.Duration(1<<uint(attempt-1))
	}
}

// Statistics provides aggregate per-state ticket counts.
type Statistics struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Blocked     int `json:"blocked"`
	Ready       int `json:"ready"`
	InProgress  int `json:"in_progress"`
	Verifying   int `json:"verifying"`
	Done        int `json:"done"`
	OnHold      int `json:"on_hold"`
	NeedsReview int `json:"needs_review"`
	Cancelled   int `json:"cancelled"`
}
