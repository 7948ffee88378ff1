package sqlite

// schemaStatements creates the ticket, dependency and event tables.
//
// The events table is append-only: nothing in this package issues an UPDATE
// or DELETE against it, and the monotonically increasing rowid gives the
// per-ticket insertion order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		size_hint TEXT NOT NULL DEFAULT '',
		assignee TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_after TIMESTAMP,
		claimed_at TIMESTAMP,
		last_heartbeat TIMESTAMP,
		hold_reason TEXT NOT NULL DEFAULT '',
		review_feedback TEXT NOT NULL DEFAULT '[]',
		review_attempt_count INTEGER NOT NULL DEFAULT 0,
		unblocked_at TIMESTAMP,
		artifact_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_ready
		ON tickets(state, priority DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_assignee
		ON tickets(assignee) WHERE assignee IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS ticket_deps (
		ticket_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (ticket_id, depends_on_id),
		FOREIGN KEY (ticket_id) REFERENCES tickets(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_depends_on
		ON ticket_deps(depends_on_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		old_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ticket
		ON events(ticket_id, id)`,
}
