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

// ListReady returns claimable tickets: state ready with retry_after unset or
// in the past, highest priority first, oldest first within a priority.
// retry_after is a scheduling hint, not a sleep — tickets still backing off
// are simply excluded here while unrelated tickets proceed.
func (s *Store) ListReady(ctx context.Context, limit int) ([]*types.Ticket, error) {
	now := time.Now().UTC()
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE state = 'ready'
		  AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY priority DESC, created_at ASC
	`
	args := []interface{}{now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// Claim atomically claims a ticket for a worker using compare-and-swap
// semantics: the UPDATE only succeeds if the ticket is still ready and
// retry-eligible. A lost race returns storage.ErrClaimConflict, which
// callers treat as expected contention.
func (s *Store) Claim(ctx context.Context, id, workerID string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op after successful commit

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'in_progress', assignee = ?, claimed_at = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND state = 'ready'
		  AND (retry_after IS NULL OR retry_after <= ?)
	`, workerID, now, now, now, id, now)
	if err != nil {
		return fmt.Errorf("failed to claim ticket: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM tickets WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("%w: %s", storage.ErrClaimConflict, id)
	}

	meta, _ := json.Marshal(map[string]string{"assignee": workerID})
	if err := recordEvent(ctx, tx, id, types.EventClaimed, types.StateReady, types.StateInProgress, string(meta), now); err != nil {
		return fmt.Errorf("failed to record claim event: %w", err)
	}

	return tx.Commit()
}

// RenewHeartbeats touches last_heartbeat for every in_progress ticket the
// worker holds. This is the one state write that records no event, to bound
// log volume.
func (s *Store) RenewHeartbeats(ctx context.Context, workerID string) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET last_heartbeat = ?, updated_at = ?
		WHERE assignee = ? AND state = 'in_progress'
	`, now, now, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to renew heartbeats: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// ReapStale returns expired claims to the pool: in_progress tickets whose
// heartbeat is older than staleBefore, or claimed before claimedBefore
// regardless of heartbeat freshness. Each reclaim is a conditional UPDATE
// re-checking staleness, so concurrent reapers produce exactly one reclaim
// (and one reclaimed event) per ticket.
func (s *Store) ReapStale(ctx context.Context, staleBefore, claimedBefore time.Time, limit int) ([]*types.Ticket, error) {
	query := `
		SELECT id, assignee FROM tickets
		WHERE state = 'in_progress'
		  AND (last_heartbeat IS NULL OR last_heartbeat < ? OR claimed_at < ?)
	`
	args := []interface{}{staleBefore.UTC(), claimedBefore.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale tickets: %w", err)
	}
	type candidate struct {
		id       string
		assignee sql.NullString
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.assignee); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale ticket: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []*types.Ticket
	for _, c := range candidates {
		t, err := s.reclaimOne(ctx, c.id, c.assignee.String, staleBefore, claimedBefore)
		if err != nil {
			return reclaimed, err
		}
		if t != nil {
			reclaimed = append(reclaimed, t)
		}
	}
	return reclaimed, nil
}

// reclaimOne resets a single stale claim. Returns nil (no error) when another
// reaper got there first.
func (s *Store) reclaimOne(ctx context.Context, id, prevAssignee string, staleBefore, claimedBefore time.Time) (*types.Ticket, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'ready', assignee = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND state = 'in_progress'
		  AND (last_heartbeat IS NULL OR last_heartbeat < ? OR claimed_at < ?)
	`, now, id, staleBefore.UTC(), claimedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim ticket %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil // lost the race, or the worker came back in time
	}

	meta, _ := json.Marshal(map[string]string{"previous_assignee": prevAssignee})
	if err := recordEvent(ctx, tx, id, types.EventReclaimed, types.StateInProgress, types.StateReady, string(meta), now); err != nil {
		return nil, fmt.Errorf("failed to record reclaimed event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reclaim: %w", err)
	}

	return s.GetTicket(ctx, id)
}
