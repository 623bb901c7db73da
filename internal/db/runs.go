package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"plated/internal/model"
)

// InsertRun records the start of a coordinator run.
func (s *Store) InsertRun(ctx context.Context, run model.PipelineRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pipeline_runs (id, started_at) VALUES (?, ?)`,
		run.ID, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

// FinishRun stores the totals of a finished run. phaseErrors are kept as
// newline-separated text.
func (s *Store) FinishRun(ctx context.Context, run model.PipelineRun, phaseErrors []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			finished_at = ?, visits_created = ?, photos_processed = ?,
			food_visits_found = ?, visits_with_calendar = ?, phase_errors = ?
		WHERE id = ?
	`, formatTime(run.FinishedAt), run.VisitsCreated, run.PhotosProcessed,
		run.FoodVisitsFound, run.VisitsWithCalendarEvents, nullString(strings.Join(phaseErrors, "\n")), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %s: %w", run.ID, model.ErrNotFound)
	}
	return nil
}

// ListRuns returns the latest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, visits_created, photos_processed,
			food_visits_found, visits_with_calendar
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, max(limit, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var results []model.PipelineRun
	for rows.Next() {
		var r model.PipelineRun
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &started, &finished, &r.VisitsCreated, &r.PhotosProcessed, &r.FoodVisitsFound, &r.VisitsWithCalendarEvents); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		r.StartedAt = parseTime(started)
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipeline runs: %w", err)
	}
	return results, nil
}
