package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// ResolveDependents removes dependency edges pointing at the completed
// ticket and flips fully-unblocked dependents from blocked to ready.
//
// Idempotent: a duplicate completion notification finds no edges to delete
// and no blocked dependents to flip, so nothing happens and no duplicate
// events are recorded. Diamond dependencies unblock only when the last
// parent's edge is removed, exactly once.
func (s *Store) ResolveDependents(ctx context.Context, doneID string) ([]string, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT ticket_id FROM ticket_deps WHERE depends_on_id = ?`, doneID)
	if err != nil {
		return nil, fmt.Errorf("failed to find dependents: %w", err)
	}
	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dependents) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ticket_deps WHERE depends_on_id = ?`, doneID); err != nil {
		return nil, fmt.Errorf("failed to remove dependency edges: %w", err)
	}

	var unblocked []string
	for _, id := range dependents {
		result, err := tx.ExecContext(ctx, `
			UPDATE tickets
			SET state = 'ready', unblocked_at = ?, updated_at = ?
			WHERE id = ? AND state = 'blocked'
			  AND NOT EXISTS (SELECT 1 FROM ticket_deps WHERE ticket_id = ?)
		`, now, now, id, id)
		if err != nil {
			return nil, fmt.Errorf("failed to unblock ticket %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			continue // still blocked on other parents, or not in blocked state
		}

		meta, _ := json.Marshal(map[string]string{"completed": doneID})
		if err := recordEvent(ctx, tx, id, types.EventDependencyResolved, types.StateBlocked, types.StateReady, string(meta), now); err != nil {
			return nil, fmt.Errorf("failed to record dependency event: %w", err)
		}
		unblocked = append(unblocked, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dependency resolution: %w", err)
	}
	return unblocked, nil
}
