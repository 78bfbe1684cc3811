package queue

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS merge_queue (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace          TEXT     NOT NULL,
	bead_id            TEXT,
	priority           INTEGER  NOT NULL DEFAULT 5,
	status             TEXT     NOT NULL DEFAULT 'pending',
	added_at           DATETIME NOT NULL,
	started_at         DATETIME,
	completed_at       DATETIME,
	error_message      TEXT,
	agent_id           TEXT,
	dedupe_key         TEXT,
	workspace_state    TEXT     NOT NULL DEFAULT 'created',
	previous_state     TEXT,
	state_changed_at   DATETIME,
	head_sha           TEXT,
	tested_against_sha TEXT,
	attempt_count      INTEGER  NOT NULL DEFAULT 0,
	max_attempts       INTEGER  NOT NULL DEFAULT 3,
	rebase_count       INTEGER  NOT NULL DEFAULT 0,
	last_rebase_at     DATETIME,
	parent_workspace   TEXT
);

CREATE TABLE IF NOT EXISTS queue_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_id     INTEGER  NOT NULL REFERENCES merge_queue(id) ON DELETE CASCADE,
	event_type   TEXT     NOT NULL,
	details_json TEXT,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_processing_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	agent_id    TEXT     NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL
);
`

// Indexes are created after legacy statuses are normalized so the partial
// unique index sees the current status names.
const indexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_merge_queue_active_workspace
	ON merge_queue(workspace)
	WHERE status NOT IN ('merged', 'failed_terminal', 'cancelled');

CREATE INDEX IF NOT EXISTS idx_merge_queue_status_priority
	ON merge_queue(status, priority, added_at);

CREATE INDEX IF NOT EXISTS idx_queue_events_queue_id ON queue_events(queue_id, id);
`

// Statuses written by older versions of the queue.
var legacyStatuses = map[string]string{
	"processing": "claimed",
	"completed":  "merged",
	"failed":     "failed_terminal",
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for old, cur := range legacyStatuses {
		if _, err := db.ExecContext(ctx, `UPDATE merge_queue SET status = ? WHERE status = ?`, cur, old); err != nil {
			return fmt.Errorf("normalize status %q: %w", old, err)
		}
	}
	if _, err := db.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
