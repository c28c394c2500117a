// Package observability records scrape cycle outcomes and process
// heartbeats to a SQLite store, so an operator can answer "when did this
// target last succeed" without grepping logs.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigil/idgen"
)

// Tick statuses as stored in tick_events.status.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// TickEvent is one scrape cycle outcome.
type TickEvent struct {
	Target       string
	Status       string
	NewRecords   int
	Elapsed      time.Duration
	ErrorKind    string
	ErrorMessage string
}

// Recorder writes tick events. Writes are best-effort: a failing
// observability store must never fail a scrape cycle, so errors are
// logged and swallowed.
type Recorder struct {
	db    *sql.DB
	newID idgen.Generator
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// NewRecorder creates a Recorder backed by the given database. The
// schema must already be applied (see Init).
func NewRecorder(db *sql.DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:    db,
		newID: idgen.Prefixed("tick_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecordTick records one cycle outcome.
func (r *Recorder) RecordTick(ctx context.Context, ev TickEvent) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tick_events (
			event_id, target, status, new_records, elapsed_ms,
			error_kind, error_message, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		r.newID(), ev.Target, ev.Status, ev.NewRecords, ev.Elapsed.Milliseconds(),
		nullable(ev.ErrorKind), nullable(ev.ErrorMessage), time.Now().Unix())
	if err != nil {
		slog.Error("observability: tick event write failed",
			"error", err, "target", ev.Target, "status", ev.Status)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// TickSummary is a stored tick event as returned by RecentTicks.
type TickSummary struct {
	Target       string    `json:"target"`
	Status       string    `json:"status"`
	NewRecords   int       `json:"new_records"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// RecentTicks returns the newest events for a target, most recent first.
// An empty target returns events across all targets.
func RecentTicks(ctx context.Context, db *sql.DB, target string, limit int) ([]TickSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT target, status, new_records, elapsed_ms,
		       COALESCE(error_kind, ''), COALESCE(error_message, ''), created_at
		FROM tick_events`
	args := []any{}
	if target != "" {
		q += " WHERE target = ?"
		args = append(args, target)
	}
	q += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query recent ticks: %w", err)
	}
	defer rows.Close()

	var out []TickSummary
	for rows.Next() {
		var ts TickSummary
		var at int64
		if err := rows.Scan(&ts.Target, &ts.Status, &ts.NewRecords, &ts.ElapsedMS,
			&ts.ErrorKind, &ts.ErrorMessage, &at); err != nil {
			return nil, fmt.Errorf("observability: scan tick: %w", err)
		}
		ts.At = time.Unix(at, 0)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// LastSuccess returns when the target last completed a cycle without
// error, or the zero time if it never has.
func LastSuccess(ctx context.Context, db *sql.DB, target string) (time.Time, error) {
	var at int64
	err := db.QueryRowContext(ctx, `
		SELECT created_at FROM tick_events
		WHERE target = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, target, StatusOK).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("observability: query last success: %w", err)
	}
	return time.Unix(at, 0), nil
}

// RetentionConfig specifies retention in days. Zero means no cleanup
// for that table.
type RetentionConfig struct {
	TickEventsDays int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes rows exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type target struct {
		table  string
		column string
		days   int
	}
	targets := []target{
		{"tick_events", "created_at", cfg.TickEventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86400
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return nil
}
