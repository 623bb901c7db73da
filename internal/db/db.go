package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS visits (
    id                      TEXT PRIMARY KEY,
    start_at                TEXT NOT NULL,
    end_at                  TEXT NOT NULL CHECK(end_at >= start_at),
    center_lat              REAL NOT NULL,
    center_lon              REAL NOT NULL,
    photo_count             INTEGER NOT NULL DEFAULT 0,
    status                  TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','confirmed','rejected')),
    suggested_restaurant_id TEXT,
    calendar_event_id       TEXT,
    calendar_event_title    TEXT,
    calendar_event_location TEXT,
    calendar_event_all_day  INTEGER CHECK(calendar_event_all_day IN (0,1) OR calendar_event_all_day IS NULL),
    calendar_checked        INTEGER NOT NULL DEFAULT 0,
    suggestions_checked     INTEGER NOT NULL DEFAULT 0,
    food_probable           INTEGER CHECK(food_probable IN (0,1) OR food_probable IS NULL),
    notes                   TEXT,
    created_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS photos (
    id              TEXT PRIMARY KEY,
    uri             TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    lat             REAL,
    lon             REAL,
    media_kind      TEXT NOT NULL CHECK(media_kind IN ('photo','video')),
    visit_id        TEXT REFERENCES visits(id),
    food_checked    INTEGER NOT NULL DEFAULT 0,
    is_food         INTEGER CHECK(is_food IN (0,1) OR is_food IS NULL),
    food_labels     TEXT,
    food_confidence REAL,
    scanned_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS reference_restaurants (
    id       TEXT PRIMARY KEY,
    name     TEXT NOT NULL,
    lat      REAL NOT NULL,
    lon      REAL NOT NULL,
    address  TEXT,
    location TEXT,
    cuisine  TEXT,
    award    TEXT
);

CREATE TABLE IF NOT EXISTS reference_awards (
    restaurant_id TEXT NOT NULL REFERENCES reference_restaurants(id) ON DELETE CASCADE,
    year          INTEGER NOT NULL,
    award         TEXT NOT NULL,
    PRIMARY KEY (restaurant_id, year)
);

CREATE TABLE IF NOT EXISTS visit_suggestions (
    visit_id      TEXT NOT NULL REFERENCES visits(id) ON DELETE CASCADE,
    restaurant_id TEXT NOT NULL,
    distance      REAL NOT NULL,
    PRIMARY KEY (visit_id, restaurant_id)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id                   TEXT PRIMARY KEY,
    started_at           TEXT NOT NULL,
    finished_at          TEXT,
    visits_created       INTEGER NOT NULL DEFAULT 0,
    photos_processed     INTEGER NOT NULL DEFAULT 0,
    food_visits_found    INTEGER NOT NULL DEFAULT 0,
    visits_with_calendar INTEGER NOT NULL DEFAULT 0,
    phase_errors         TEXT
);

CREATE INDEX IF NOT EXISTS idx_photos_visit_created ON photos(visit_id, created_at);
CREATE INDEX IF NOT EXISTS idx_photos_unchecked ON photos(food_checked, media_kind);
CREATE INDEX IF NOT EXISTS idx_visits_start ON visits(start_at DESC);
CREATE INDEX IF NOT EXISTS idx_reference_lat_lon ON reference_restaurants(lat, lon);
CREATE INDEX IF NOT EXISTS idx_suggestions_visit ON visit_suggestions(visit_id, distance);
`

// timeLayout is fixed-width UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// maxParams bounds the number of bound parameters in one IN (...) list.
const maxParams = 500

// Store is the SQLite-backed persistence for photos, visits and the
// reference dataset. It is safe for use from one pipeline at a time; all
// writes go through a single connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the SQLite database and initializes the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Maintain refreshes query-planner statistics and compacts the file.
func (s *Store) Maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholders returns "?,?,?" for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunks splits ids into slices of at most maxParams.
func chunks(ids []string) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += maxParams {
		out = append(out, ids[start:min(start+maxParams, len(ids))])
	}
	return out
}

func args(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
