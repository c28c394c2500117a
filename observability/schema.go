package observability

import (
	"database/sql"
	"fmt"
)

// Schema contains the DDL for the observability tables. Apply it with
// Init(db), or embed the constant in your own schema management.
const Schema = `
-- Scrape cycle outcomes, one row per tick.
CREATE TABLE IF NOT EXISTS tick_events (
    event_id TEXT PRIMARY KEY,
    target TEXT NOT NULL,
    status TEXT NOT NULL,
    new_records INTEGER NOT NULL DEFAULT 0,
    elapsed_ms INTEGER,
    error_kind TEXT,
    error_message TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_tick_events_target_time
    ON tick_events(target, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tick_events_status
    ON tick_events(status, created_at DESC);

-- Process liveness probes.
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);
`

// Init applies the observability schema. Idempotent.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: apply schema: %w", err)
	}
	return nil
}
