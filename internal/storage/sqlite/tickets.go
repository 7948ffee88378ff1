package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

const ticketColumns = `id, title, description, acceptance_criteria, state, priority, size_hint,
	assignee, retry_count, retry_after, claimed_at, last_heartbeat, hold_reason,
	review_feedback, review_attempt_count, unblocked_at, artifact_ref, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*types.Ticket, error) {
	var t types.Ticket
	var assignee sql.NullString
	var retryAfter, claimedAt, lastHeartbeat, unblockedAt sql.NullTime
	var feedback string

	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.AcceptanceCriteria, &t.State,
		&t.Priority, &t.SizeHint, &assignee, &t.RetryCount, &retryAfter, &claimedAt,
		&lastHeartbeat, &t.HoldReason, &feedback, &t.ReviewAttempts, &unblockedAt,
		&t.ArtifactRef, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if assignee.Valid {
		t.Assignee = assignee.String
	}
	if retryAfter.Valid {
		t.RetryAfter = &retryAfter.Time
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if lastHeartbeat.Valid {
		t.LastHeartbeat = &lastHeartbeat.Time
	}
	if unblockedAt.Valid {
		t.UnblockedAt = &unblockedAt.Time
	}
	if feedback != "" && feedback != "[]" {
		if err := json.Unmarshal([]byte(feedback), &t.ReviewFeedback); err != nil {
			return nil, fmt.Errorf("failed to decode review feedback for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// CreateTickets inserts tickets and their dependency edges in one
// transaction, recording a created event for each.
func (s *Store) CreateTickets(ctx context.Context, tickets []*types.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op after successful commit

	for _, t := range tickets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid ticket %s: %w", t.ID, err)
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (id, title, description, acceptance_criteria, state,
				priority, size_hint, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.Title, t.Description, t.AcceptanceCriteria, t.State,
			t.Priority, t.SizeHint, createdAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert ticket %s: %w", t.ID, err)
		}

		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ticket_deps (ticket_id, depends_on_id, created_at)
				VALUES (?, ?, ?)
			`, t.ID, dep, now); err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, dep, err)
			}
		}

		meta, _ := json.Marshal(map[string]interface{}{
			"priority":   t.Priority,
			"depends_on": t.DependsOn,
		})
		if err := recordEvent(ctx, tx, t.ID, types.EventCreated, "", t.State, string(meta), now); err != nil {
			return fmt.Errorf("failed to record created event: %w", err)
		}
	}

	return tx.Commit()
}

// GetTicket retrieves a ticket by ID, including its outstanding dependencies.
func (s *Store) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on_id FROM ticket_deps WHERE ticket_id = ? ORDER BY depends_on_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	return t, rows.Err()
}

// GetStatistics returns per-state ticket counts.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tickets GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	defer rows.Close()

	stats := &types.Statistics{}
	for rows.Next() {
		var state types.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats.Total += count
		switch state {
		case types.StatePending:
			stats.Pending = count
		case types.StateBlocked:
			stats.Blocked = count
		case types.StateReady:
			stats.Ready = count
		case types.StateInProgress:
			stats.InProgress = count
		case types.StateVerifying:
			stats.Verifying = count
		case types.StateDone:
			stats.Done = count
		case types.StateOnHold:
			stats.OnHold = count
		case types.StateNeedsReview:
			stats.NeedsReview = count
		case types.StateCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}
