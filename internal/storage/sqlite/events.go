package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// recordEvent appends an event row. State-changing methods call this inside
// the same transaction as their UPDATE so the timeline is never missing a
// transition.
func recordEvent(ctx context.Context, e execer, ticketID string, eventType types.EventType, oldState, newState types.State, metadata string, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO events (ticket_id, event_type, old_state, new_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticketID, eventType, oldState, newState, metadata, at)
	return err
}

// AppendEvent appends a standalone event. Pure insert; there is no update or
// delete path for events.
func (s *Store) AppendEvent(ctx context.Context, ticketID string, eventType types.EventType, oldState, newState types.State, metadata string) error {
	if err := recordEvent(ctx, s.db, ticketID, eventType, oldState, newState, metadata, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events for a ticket in insertion order.
func (s *Store) GetEvents(ctx context.Context, ticketID string, limit int) ([]*types.Event, error) {
	query := `
		SELECT id, ticket_id, event_type, old_state, new_state, metadata, created_at
		FROM events
		WHERE ticket_id = ?
		ORDER BY id ASC
	`
	args := []interface{}{ticketID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		if err := rows.Scan(&ev.ID, &ev.TicketID, &ev.EventType, &ev.OldState,
			&ev.NewState, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
