// Package gate implements the verification gate: every completed work attempt
// passes through a reviewer before a ticket may reach done. The gate owns the
// routing that follows a verdict — approval completes the ticket and unblocks
// its dependents, rejection appends structured feedback and re-queues the work
// through the retry policy engine, escalation parks the ticket for a human.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/resolver"
	"github.com/corynaegle-ai/swarm-engine/internal/retry"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/telemetry"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// DefaultMaxReviewAttempts bounds how many rejections a ticket absorbs before
// it escalates to needs_review.
const DefaultMaxReviewAttempts = 3

// Decision is a reviewer verdict.
type Decision string

// Reviewer verdicts.
const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
)

// ReviewRequest carries everything a reviewer needs to judge one attempt.
// PriorFeedback holds the findings from earlier rejections so the reviewer
// can check they were addressed rather than re-litigating from scratch.
type ReviewRequest struct {
	TicketID           string
	Title              string
	Description        string
	AcceptanceCriteria string
	ArtifactRef        string
	Attempt            int
	PriorFeedback      []types.Feedback
}

// ReviewResult is a reviewer's verdict on one attempt. On reject, Feedback
// must name what is wrong; Score is the reviewer's 0-1 quality estimate.
type ReviewResult struct {
	Decision Decision         `json:"decision"`
	Score    float64          `json:"score"`
	Summary  string           `json:"summary,omitempty"`
	Feedback []types.Feedback `json:"feedback,omitempty"`
}

// Reviewer judges a completed work attempt. Implementations must not mutate
// ticket state; all routing belongs to the Gate.
type Reviewer interface {
	Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error)
}

// Outcome reports what the gate did with a submission.
type Outcome struct {
	Decision       Decision
	FinalState     types.State
	ReviewAttempts int
	Retried        bool
	Unblocked      []string
}

// Gate routes tickets through verification.
type Gate struct {
	store             storage.Storage
	reviewer          Reviewer
	retrier           *retry.Engine
	resolver          *resolver.Resolver
	bus               *eventbus.Bus
	maxReviewAttempts int
}

// New creates a gate. bus may be nil; maxReviewAttempts <= 0 uses
// DefaultMaxReviewAttempts.
func New(store storage.Storage, reviewer Reviewer, retrier *retry.Engine, res *resolver.Resolver, bus *eventbus.Bus, maxReviewAttempts int) *Gate {
	if maxReviewAttempts <= 0 {
		maxReviewAttempts = DefaultMaxReviewAttempts
	}
	return &Gate{
		store:             store,
		reviewer:          reviewer,
		retrier:           retrier,
		resolver:          res,
		bus:               bus,
		maxReviewAttempts: maxReviewAttempts,
	}
}

// Submit runs the reviewer over a ticket in verifying state and applies the
// verdict. A reviewer infrastructure failure is not a verdict: the ticket is
// routed through the retry engine as an external-dependency failure so review
// capacity problems never strand work in verifying.
func (g *Gate) Submit(ctx context.Context, ticketID string) (*Outcome, error) {
	ticket, err := g.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %s for review: %w", ticketID, err)
	}
	if ticket.State != types.StateVerifying {
		return nil, fmt.Errorf("ticket %s is %s: %w", ticketID, ticket.State, storage.ErrInvalidState)
	}

	req := &ReviewRequest{
		TicketID:           ticket.ID,
		Title:              ticket.Title,
		Description:        ticket.Description,
		AcceptanceCriteria: ticket.AcceptanceCriteria,
		ArtifactRef:        ticket.ArtifactRef,
		Attempt:            ticket.ReviewAttempts + 1,
		PriorFeedback:      ticket.ReviewFeedback,
	}

	result, err := g.reviewer.Review(ctx, req)
	if err != nil {
		return g.reviewerUnavailable(ctx, ticket, err)
	}

	telemetry.CountVerdict(ctx, string(result.Decision))

	switch result.Decision {
	case DecisionApprove:
		return g.approve(ctx, ticket, result)
	case DecisionReject:
		return g.reject(ctx, ticket, result)
	case DecisionEscalate:
		return g.escalate(ctx, ticket, result)
	default:
		return nil, fmt.Errorf("reviewer returned unknown decision %q for %s", result.Decision, ticketID)
	}
}

func (g *Gate) approve(ctx context.Context, ticket *types.Ticket, result *ReviewResult) (*Outcome, error) {
	if err := g.store.Complete(ctx, ticket.ID); err != nil {
		return nil, fmt.Errorf("failed to complete %s: %w", ticket.ID, err)
	}
	g.notify(ctx, ticket.ID, types.EventCompleted, types.StateVerifying, types.StateDone,
		fmt.Sprintf(`{"score":%.2f}`, result.Score))

	unblocked, err := g.resolver.OnTicketDone(ctx, ticket.ID)
	if err != nil {
		// The ticket is done; dependents are recovered by the next completion
		// in their subgraph or an operator requeue. Log and report the
		// approval anyway.
		log.Printf("gate: dependent resolution after %s failed: %v", ticket.ID, err)
	}

	return &Outcome{
		Decision:       DecisionApprove,
		FinalState:     types.StateDone,
		ReviewAttempts: ticket.ReviewAttempts,
		Unblocked:      unblocked,
	}, nil
}

func (g *Gate) reject(ctx context.Context, ticket *types.Ticket, result *ReviewResult) (*Outcome, error) {
	items := result.Feedback
	if len(items) == 0 {
		// A rejection with no findings still needs an addressable record.
		items = []types.Feedback{{Severity: "major", Message: result.Summary}}
		if result.Summary == "" {
			items[0].Message = "rejected without detail"
		}
	}

	attempts, err := g.store.AddReviewFeedback(ctx, ticket.ID, items)
	if err != nil {
		return nil, fmt.Errorf("failed to record review feedback for %s: %w", ticket.ID, err)
	}
	g.notify(ctx, ticket.ID, types.EventReviewRejected, types.StateVerifying, types.StateVerifying,
		mustJSON(map[string]any{"attempt": attempts, "findings": len(items)}))

	// The review budget is evaluated before the execution-retry budget: a
	// ticket that keeps producing rejectable work needs a human, regardless
	// of how many execution retries remain.
	if attempts >= g.maxReviewAttempts {
		reason := fmt.Sprintf("review attempts exhausted (%d/%d)", attempts, g.maxReviewAttempts)
		if err := g.store.MarkNeedsReview(ctx, ticket.ID, reason); err != nil {
			return nil, fmt.Errorf("failed to escalate %s: %w", ticket.ID, err)
		}
		g.notify(ctx, ticket.ID, types.EventNeedsReview, types.StateVerifying, types.StateNeedsReview, "")
		return &Outcome{
			Decision:       DecisionReject,
			FinalState:     types.StateNeedsReview,
			ReviewAttempts: attempts,
		}, nil
	}

	info := retry.ErrorInfo{
		Message: fmt.Sprintf("review rejected: %d finding(s) (attempt %d of %d)",
			len(items), attempts, g.maxReviewAttempts),
		Category:   types.CategoryCode,
		Confidence: 1.0,
	}
	decision, err := g.retrier.RetryOrHold(ctx, ticket, info)
	if err != nil {
		return nil, fmt.Errorf("failed to route rejection for %s: %w", ticket.ID, err)
	}

	outcome := &Outcome{
		Decision:       DecisionReject,
		ReviewAttempts: attempts,
		Retried:        decision.Retried,
		FinalState:     types.StateOnHold,
	}
	if decision.Retried {
		outcome.FinalState = types.StateReady
	}
	return outcome, nil
}

func (g *Gate) escalate(ctx context.Context, ticket *types.Ticket, result *ReviewResult) (*Outcome, error) {
	reason := result.Summary
	if reason == "" {
		reason = "reviewer escalated to human review"
	}
	if err := g.store.MarkNeedsReview(ctx, ticket.ID, reason); err != nil {
		return nil, fmt.Errorf("failed to escalate %s: %w", ticket.ID, err)
	}
	g.notify(ctx, ticket.ID, types.EventNeedsReview, types.StateVerifying, types.StateNeedsReview, "")
	return &Outcome{
		Decision:       DecisionEscalate,
		FinalState:     types.StateNeedsReview,
		ReviewAttempts: ticket.ReviewAttempts,
	}, nil
}

func (g *Gate) reviewerUnavailable(ctx context.Context, ticket *types.Ticket, revErr error) (*Outcome, error) {
	log.Printf("gate: reviewer failed for %s: %v", ticket.ID, revErr)
	info := retry.ErrorInfo{
		Message:    fmt.Sprintf("reviewer unavailable: %v", revErr),
		Category:   types.CategoryExternal,
		Confidence: 1.0,
	}
	decision, err := g.retrier.RetryOrHold(ctx, ticket, info)
	if err != nil {
		return nil, fmt.Errorf("failed to route reviewer failure for %s: %w", ticket.ID, err)
	}
	outcome := &Outcome{
		ReviewAttempts: ticket.ReviewAttempts,
		Retried:        decision.Retried,
		FinalState:     types.StateOnHold,
	}
	if decision.Retried {
		outcome.FinalState = types.StateReady
	}
	return outcome, nil
}

func (g *Gate) notify(ctx context.Context, ticketID string, eventType types.EventType, oldState, newState types.State, metadata string) {
	if g.bus == nil {
		return
	}
	n := &eventbus.Notification{
		TicketID:  ticketID,
		EventType: eventType,
		OldState:  oldState,
		NewState:  newState,
		Metadata:  metadata,
	}
	if err := g.bus.Dispatch(ctx, n); err != nil {
		log.Printf("gate: notification for %s failed: %v", ticketID, err)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
