// Package seenset persists the identifiers of already-notified records so
// duplicate notifications are suppressed across process restarts.
//
// The contract with the dispatcher is strict: Commit is called only after
// delivery succeeds. A crash between FilterNew and Commit therefore causes
// at worst a repeated notification on the next cycle, never a silently
// dropped one.
package seenset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/vigil/extract"
)

// Schema is the seen-set table layout. Identifier → first-seen timestamp,
// scoped per target so two targets can surface the same content.
const Schema = `
CREATE TABLE IF NOT EXISTS seen_records (
	target     TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	rule       TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	first_seen INTEGER NOT NULL,
	PRIMARY KEY (target, record_id)
);
CREATE INDEX IF NOT EXISTS idx_seen_first_seen ON seen_records(target, first_seen);
`

// Store is the SQLite-backed seen-set.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an opened database. The caller is responsible for having
// applied Schema (dbopen.WithSchema(seenset.Schema)).
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// ApplySchema creates the seen-set tables if missing.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("seenset: apply schema: %w", err)
	}
	return nil
}

// FilterNew returns the records whose identifier is not yet in the
// seen-set for the target, preserving input order. It does not mutate the
// store.
func (s *Store) FilterNew(ctx context.Context, target string, records []extract.Record) ([]extract.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(records)+1)
	ids = append(ids, target)
	for _, r := range records {
		ids = append(ids, r.ID)
	}

	q := fmt.Sprintf(
		`SELECT record_id FROM seen_records WHERE target = ? AND record_id IN (%s)`,
		placeholders(len(records)))
	rows, err := s.DB.QueryContext(ctx, q, ids...)
	if err != nil {
		return nil, fmt.Errorf("seenset: filter query: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool, len(records))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("seenset: scan: %w", err)
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seenset: rows: %w", err)
	}

	var fresh []extract.Record
	emitted := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.ID] || emitted[r.ID] {
			continue
		}
		emitted[r.ID] = true
		fresh = append(fresh, r)
	}
	return fresh, nil
}

// Commit marks records as seen. Call only after the corresponding
// notification was delivered. Idempotent: committing an already-seen
// identifier keeps its original first-seen timestamp.
func (s *Store) Commit(ctx context.Context, target string, records []extract.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seenset: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seen_records (target, record_id, rule, summary, first_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(target, record_id) DO NOTHING`,
			target, r.ID, r.Rule, r.Text, now); err != nil {
			return fmt.Errorf("seenset: insert %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seenset: commit: %w", err)
	}
	return nil
}

// Count returns the number of seen identifiers for a target.
func (s *Store) Count(ctx context.Context, target string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_records WHERE target = ?`, target).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("seenset: count: %w", err)
	}
	return n, nil
}

// Evict trims the seen-set for a target down to keep entries, dropping the
// oldest first. Bounds store growth on high-churn pages; keep must exceed
// one page worth of records or eviction will reintroduce duplicates.
func (s *Store) Evict(ctx context.Context, target string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("seenset: evict keep must be positive")
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM seen_records WHERE target = ? AND record_id NOT IN (
			SELECT record_id FROM seen_records WHERE target = ?
			ORDER BY first_seen DESC LIMIT ?
		)`, target, target, keep)
	if err != nil {
		return 0, fmt.Errorf("seenset: evict: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
