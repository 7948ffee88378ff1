package mysql

// schemaStatements creates the ticket, dependency and event tables.
// TIMESTAMP(6) keeps microsecond precision so per-ticket event timestamps
// stay monotonic under rapid transitions.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id VARCHAR(64) PRIMARY KEY,
		title VARCHAR(500) NOT NULL,
		description TEXT NOT NULL,
		acceptance_criteria TEXT NOT NULL,
		state VARCHAR(20) NOT NULL DEFAULT 'pending',
		priority INT NOT NULL DEFAULT 0,
		size_hint VARCHAR(20) NOT NULL DEFAULT '',
		assignee VARCHAR(128),
		retry_count INT NOT NULL DEFAULT 0,
		retry_after TIMESTAMP(6) NULL,
		claimed_at TIMESTAMP(6) NULL,
		last_heartbeat TIMESTAMP(6) NULL,
		hold_reason VARCHAR(1000) NOT NULL DEFAULT '',
		review_feedback JSON,
		review_attempt_count INT NOT NULL DEFAULT 0,
		unblocked_at TIMESTAMP(6) NULL,
		artifact_ref VARCHAR(500) NOT NULL DEFAULT '',
		created_at TIMESTAMP(6) NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL,
		INDEX idx_tickets_ready (state, priority, created_at),
		INDEX idx_tickets_assignee (assignee)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_deps (
		ticket_id VARCHAR(64) NOT NULL,
		depends_on_id VARCHAR(64) NOT NULL,
		created_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (ticket_id, depends_on_id),
		INDEX idx_deps_depends_on (depends_on_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		ticket_id VARCHAR(64) NOT NULL,
		event_type VARCHAR(40) NOT NULL,
		old_state VARCHAR(20) NOT NULL,
		new_state VARCHAR(20) NOT NULL,
		metadata TEXT NOT NULL,
		created_at TIMESTAMP(6) NOT NULL,
		INDEX idx_events_ticket (ticket_id, id)
	)`,
}
