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

// ListReady returns claimable tickets, highest priority first, oldest first
// within a priority. Plain consistent read; exclusion happens at Claim time
// with FOR UPDATE SKIP LOCKED.
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

	var tickets []*types.Ticket
	err := s.withRetry(ctx, func() error {
		tickets = tickets[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				return err
			}
			tickets = append(tickets, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tickets: %w", err)
	}
	return tickets, nil
}

// Claim atomically claims a ticket for a worker. The row is locked with
// FOR UPDATE SKIP LOCKED: a concurrent claimant holding the row lock makes
// the select come back empty, which surfaces as ErrClaimConflict rather
// than blocking. No in-process lock could provide this across engine
// processes.
func (s *Store) Claim(ctx context.Context, id, workerID string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op after successful commit

	var lockedID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tickets
		WHERE id = ? AND state = 'ready'
		  AND (retry_after IS NULL OR retry_after <= ?)
		FOR UPDATE SKIP LOCKED
	`, id, now).Scan(&lockedID)
	if err == sql.ErrNoRows {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM tickets WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("%w: %s", storage.ErrClaimConflict, id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock ticket: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET state = 'in_progress', assignee = ?, claimed_at = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`, workerID, now, now, now, id); err != nil {
		return fmt.Errorf("failed to claim ticket: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"assignee": workerID})
	if err := recordEvent(ctx, tx, id, types.EventClaimed, types.StateReady, types.StateInProgress, string(meta), now); err != nil {
		return fmt.Errorf("failed to record claim event: %w", err)
	}
	return tx.Commit()
}

// RenewHeartbeats touches last_heartbeat for every in_progress ticket the
// worker holds. Records no events, to bound log volume.
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

// ReapStale returns expired claims to the pool. The stale rows are locked
// with FOR UPDATE SKIP LOCKED inside one transaction, so two concurrent
// reaper instances partition the stale set between them and each ticket is
// reclaimed — and its reclaimed event recorded — exactly once.
func (s *Store) ReapStale(ctx context.Context, staleBefore, claimedBefore time.Time, limit int) ([]*types.Ticket, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
	query += " FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, query, args...)
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

	var ids []string
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets
			SET state = 'ready', assignee = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
			WHERE id = ?
		`, now, c.id); err != nil {
			return nil, fmt.Errorf("failed to reclaim ticket %s: %w", c.id, err)
		}
		meta, _ := json.Marshal(map[string]string{"previous_assignee": c.assignee.String})
		if err := recordEvent(ctx, tx, c.id, types.EventReclaimed, types.StateInProgress, types.StateReady, string(meta), now); err != nil {
			return nil, fmt.Errorf("failed to record reclaimed event: %w", err)
		}
		ids = append(ids, c.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reclaim: %w", err)
	}

	var reclaimed []*types.Ticket
	for _, id := range ids {
		t, err := s.GetTicket(ctx, id)
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, t)
	}
	return reclaimed, nil
}
