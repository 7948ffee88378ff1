package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Lifecycle transitions use conditional UPDATEs guarded by the current state.
// They do not need SKIP LOCKED: unlike claiming, there is exactly one engine
// driving a given ticket through verification at a time, and the state guard
// rejects anything stale (reaped workers, cancelled tickets).

// BeginVerification moves a ticket from in_progress to verifying once its
// worker reports a tentative artifact. Guarded by the worker still holding
// the claim.
func (s *Store) BeginVerification(ctx context.Context, id, workerID, artifactRef string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'verifying', artifact_ref = ?, updated_at = ?
		WHERE id = ? AND state = 'in_progress' AND assignee = ?
	`, artifactRef, now, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to begin verification: %w", err)
	}
	if err := requireAffected(result, id); err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]string{"artifact_ref": artifactRef, "worker": workerID})
	if err := recordEvent(ctx, tx, id, types.EventVerificationRequested, types.StateInProgress, types.StateVerifying, string(meta), now); err != nil {
		return fmt.Errorf("failed to record verification event: %w", err)
	}
	return tx.Commit()
}

// Complete moves a ticket from verifying to done after an approved review.
func (s *Store) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'done', assignee = NULL, updated_at = ?
		WHERE id = ? AND state = 'verifying'
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete ticket: %w", err)
	}
	if err := requireAffected(result, id); err != nil {
		return err
	}

	if err := recordEvent(ctx, tx, id, types.EventCompleted, types.StateVerifying, types.StateDone, "", now); err != nil {
		return fmt.Errorf("failed to record completed event: %w", err)
	}
	return tx.Commit()
}

// AddReviewFeedback appends rejection feedback and increments
// review_attempt_count, returning the new count. The persisted list is the
// full history across all rejections; nothing is summarized away.
func (s *Store) AddReviewFeedback(ctx context.Context, id string, items []types.Feedback) (int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing sql.NullString
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT review_feedback, review_attempt_count FROM tickets
		WHERE id = ? AND state = 'verifying'
		FOR UPDATE
	`, id).Scan(&existing, &attempts)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", storage.ErrInvalidState, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read feedback: %w", err)
	}

	var feedback []types.Feedback
	if existing.Valid && existing.String != "" && existing.String != "[]" {
		if err := json.Unmarshal([]byte(existing.String), &feedback); err != nil {
			return 0, fmt.Errorf("failed to decode existing feedback: %w", err)
		}
	}
	attempts++
	for i := range items {
		items[i].Attempt = attempts
	}
	feedback = append(feedback, items...)

	encoded, err := json.Marshal(feedback)
	if err != nil {
		return 0, fmt.Errorf("failed to encode feedback: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET review_feedback = ?, review_attempt_count = ?, updated_at = ?
		WHERE id = ?
	`, string(encoded), attempts, now, id); err != nil {
		return 0, fmt.Errorf("failed to store feedback: %w", err)
	}

	itemsJSON, _ := json.Marshal(items)
	meta := fmt.Sprintf(`{"attempt":%d,"feedback":%s}`, attempts, itemsJSON)
	if err := recordEvent(ctx, tx, id, types.EventReviewRejected, types.StateVerifying, types.StateVerifying, meta, now); err != nil {
		return 0, fmt.Errorf("failed to record rejection event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempts, nil
}

// ScheduleRetry returns a failed ticket to the pool with a backoff deadline
// and an incremented retry count. metadata carries the classification and
// strategy snapshot.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retryAfter time.Time, metadata string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := currentState(ctx, tx, id)
	if err != nil {
		return err
	}
	if old != types.StateInProgress && old != types.StateVerifying {
		return fmt.Errorf("%w: %s is %s", storage.ErrInvalidState, id, old)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'ready', assignee = NULL, claimed_at = NULL, last_heartbeat = NULL,
			retry_after = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, retryAfter.UTC(), now, id); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	if err := recordEvent(ctx, tx, id, types.EventRetryScheduled, old, types.StateReady, metadata, now); err != nil {
		return fmt.Errorf("failed to record retry event: %w", err)
	}
	return tx.Commit()
}

// Hold parks a ticket whose retry budget is exhausted, with a persisted
// reason.
func (s *Store) Hold(ctx context.Context, id, reason, metadata string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := currentState(ctx, tx, id)
	if err != nil {
		return err
	}
	if old != types.StateInProgress && old != types.StateVerifying {
		return fmt.Errorf("%w: %s is %s", storage.ErrInvalidState, id, old)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'on_hold', assignee = NULL, hold_reason = ?, updated_at = ?
		WHERE id = ?
	`, reason, now, id); err != nil {
		return fmt.Errorf("failed to hold ticket: %w", err)
	}

	if err := recordEvent(ctx, tx, id, types.EventOnHold, old, types.StateOnHold, metadata, now); err != nil {
		return fmt.Errorf("failed to record hold event: %w", err)
	}
	return tx.Commit()
}

// MarkNeedsReview escalates a ticket whose review-attempt budget is
// exhausted.
func (s *Store) MarkNeedsReview(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'needs_review', assignee = NULL, hold_reason = ?, updated_at = ?
		WHERE id = ? AND state = 'verifying'
	`, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark needs_review: %w", err)
	}
	if err := requireAffected(result, id); err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]string{"reason": reason})
	if err := recordEvent(ctx, tx, id, types.EventNeedsReview, types.StateVerifying, types.StateNeedsReview, string(meta), now); err != nil {
		return fmt.Errorf("failed to record needs_review event: %w", err)
	}
	return tx.Commit()
}

// Cancel is the no-retry path: straight to cancelled from any non-terminal
// state.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := currentState(ctx, tx, id)
	if err != nil {
		return err
	}
	if old == types.StateDone || old == types.StateCancelled {
		return fmt.Errorf("%w: %s is %s", storage.ErrInvalidState, id, old)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'cancelled', assignee = NULL, hold_reason = ?, updated_at = ?
		WHERE id = ?
	`, reason, now, id); err != nil {
		return fmt.Errorf("failed to cancel ticket: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"reason": reason})
	if err := recordEvent(ctx, tx, id, types.EventCancelled, old, types.StateCancelled, string(meta), now); err != nil {
		return fmt.Errorf("failed to record cancelled event: %w", err)
	}
	return tx.Commit()
}

// Requeue returns an on_hold or needs_review ticket to the pool with retry
// counters reset.
func (s *Store) Requeue(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := currentState(ctx, tx, id)
	if err != nil {
		return err
	}
	if old != types.StateOnHold && old != types.StateNeedsReview {
		return fmt.Errorf("%w: %s is %s", storage.ErrInvalidState, id, old)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'ready', retry_count = 0, retry_after = NULL, hold_reason = '', updated_at = ?
		WHERE id = ?
	`, now, id); err != nil {
		return fmt.Errorf("failed to requeue ticket: %w", err)
	}

	if err := recordEvent(ctx, tx, id, types.EventRequeued, old, types.StateReady, "", now); err != nil {
		return fmt.Errorf("failed to record requeued event: %w", err)
	}
	return tx.Commit()
}

// ExpediteRetry clears a pending backoff window so a ready ticket becomes
// claimable immediately. No state change, so no event.
func (s *Store) ExpediteRetry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET retry_after = NULL, updated_at = ?
		WHERE id = ? AND state = 'ready'
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to expedite retry: %w", err)
	}
	return requireAffected(result, id)
}

func currentState(ctx context.Context, tx *sql.Tx, id string) (types.State, error) {
	var state types.State
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM tickets WHERE id = ? FOR UPDATE`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read ticket state: %w", err)
	}
	return state, nil
}

func requireAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrInvalidState, id)
	}
	return nil
}
