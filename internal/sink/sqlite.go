package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"harvester/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candidates (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_key  TEXT UNIQUE,
	source        TEXT NOT NULL,
	name          TEXT NOT NULL,
	riding        TEXT NOT NULL,
	email         TEXT,
	email_source  TEXT,
	party         TEXT NOT NULL,
	needs_review  INTEGER NOT NULL DEFAULT 0,
	scraped_count INTEGER NOT NULL DEFAULT 1,
	first_scraped INTEGER NOT NULL,
	last_scraped  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS harvest_runs (
	run_id     TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	state      TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	admitted   INTEGER NOT NULL,
	summary    TEXT NOT NULL
);`

// identity_key is NULL for unkeyed records, so ON CONFLICT never merges them.
const upsertCandidate = `
INSERT INTO candidates (identity_key, source, name, riding, email, email_source, party, needs_review, first_scraped, last_scraped)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity_key) DO UPDATE SET
	source = excluded.source,
	name = excluded.name,
	riding = excluded.riding,
	email = excluded.email,
	email_source = excluded.email_source,
	party = excluded.party,
	needs_review = excluded.needs_review,
	last_scraped = excluded.last_scraped,
	scraped_count = candidates.scraped_count + 1`

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: sqlite: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle for read-side queries.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Save(ctx context.Context, source string, records []models.CandidateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCandidate)
	if err != nil {
		return fmt.Errorf("sink: sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			nullable(rec.IdentityKey), source, rec.Name, rec.LocationLabel,
			nullable(rec.ContactAddress), nullable(rec.ContactSourceURL), rec.SourceLabel,
			rec.NeedsReview, now, now)
		if err != nil {
			return fmt.Errorf("sink: sqlite: upsert %q: %w", rec.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) RecordRun(ctx context.Context, summary models.RunSummary) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("sink: sqlite: run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO harvest_runs (run_id, source, state, started_at, elapsed_ms, admitted, summary) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		summary.RunID, summary.Source, summary.State, summary.StartedAt, summary.Elapsed.Milliseconds(), summary.Admitted, string(blob))
	if err != nil {
		return fmt.Errorf("sink: sqlite: record run: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
