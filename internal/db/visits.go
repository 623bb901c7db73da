package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"plated/internal/model"
)

// VisitGroup is a new visit together with the photos it claims.
type VisitGroup struct {
	Visit    model.Visit
	PhotoIDs []string
}

// CreateVisits inserts visits and assigns their photos in one transaction.
// A visit id that already exists keeps its row; the photos are attached to
// it and its photo count refreshed. Photos already in a visit are never
// moved. It returns how many visit rows were created.
func (s *Store) CreateVisits(ctx context.Context, groups []VisitGroup) (int, error) {
	if len(groups) == 0 {
		return 0, nil
	}
	created := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, g := range groups {
			ok, err := insertVisit(ctx, tx, g.Visit)
			if err != nil {
				return err
			}
			if ok {
				created++
			}

			for _, chunk := range chunks(g.PhotoIDs) {
				params := append([]any{g.Visit.ID}, args(chunk)...)
				_, err := tx.ExecContext(ctx, `
					UPDATE photos SET visit_id = ?
					WHERE visit_id IS NULL AND id IN (`+placeholders(len(chunk))+`)
				`, params...)
				if err != nil {
					return fmt.Errorf("failed to assign photos to visit %s: %w", g.Visit.ID, err)
				}
			}

			if len(g.PhotoIDs) > 0 {
				_, err = tx.ExecContext(ctx, `
					UPDATE visits SET photo_count = (SELECT COUNT(*) FROM photos WHERE visit_id = visits.id)
					WHERE id = ?
				`, g.Visit.ID)
				if err != nil {
					return fmt.Errorf("failed to count photos for visit %s: %w", g.Visit.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func insertVisit(ctx context.Context, tx *sql.Tx, v model.Visit) (bool, error) {
	status := v.Status
	if status == "" {
		status = model.VisitPending
	}
	var allDay sql.NullInt64
	if v.HasCalendarEvent() {
		allDay = sql.NullInt64{Int64: int64(boolInt(v.CalendarEventAllDay)), Valid: true}
	}
	updated := v.UpdatedAt
	if updated.IsZero() {
		updated = v.Start
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO visits (
			id, start_at, end_at, center_lat, center_lon, photo_count, status,
			suggested_restaurant_id, calendar_event_id, calendar_event_title,
			calendar_event_location, calendar_event_all_day, calendar_checked,
			notes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID, formatTime(v.Start), formatTime(v.End), v.CenterLat, v.CenterLon, v.PhotoCount, string(status),
		nullString(v.SuggestedRestaurantID), nullString(v.CalendarEventID), nullString(v.CalendarEventTitle),
		nullString(v.CalendarEventLocation), allDay, boolInt(v.HasCalendarEvent()),
		nullString(v.Notes), formatTime(updated),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert visit %s: %w", v.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const visitColumns = `
	id, start_at, end_at, center_lat, center_lon, photo_count, status,
	COALESCE(suggested_restaurant_id, ''), COALESCE(calendar_event_id, ''),
	COALESCE(calendar_event_title, ''), COALESCE(calendar_event_location, ''),
	COALESCE(calendar_event_all_day, 0), COALESCE(notes, ''), food_probable, updated_at`

// VisitsNeedingCalendar returns visits never checked against the calendar,
// skipping rejected ones.
func (s *Store) VisitsNeedingCalendar(ctx context.Context) ([]model.Visit, error) {
	return s.queryVisits(ctx, `SELECT `+visitColumns+` FROM visits
		WHERE calendar_checked = 0 AND status != 'rejected'
		ORDER BY start_at`)
}

// UpdateVisitCalendar stores the chosen event for each visit and queues the
// visit for suggestion re-ranking.
func (s *Store) UpdateVisitCalendar(ctx context.Context, matches []model.VisitCalendarMatch) error {
	if len(matches) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE visits SET
				calendar_event_id = ?, calendar_event_title = ?, calendar_event_location = ?,
				calendar_event_all_day = ?, calendar_checked = 1, suggestions_checked = 0,
				updated_at = ?
			WHERE id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare calendar update: %w", err)
		}
		defer stmt.Close()

		for _, m := range matches {
			_, err := stmt.ExecContext(ctx, m.Event.ID, m.Event.Title, nullString(m.Event.Location),
				boolInt(m.Event.AllDay), now, m.VisitID)
			if err != nil {
				return fmt.Errorf("failed to update calendar for %s: %w", m.VisitID, err)
			}
		}
		return nil
	})
}

// MarkCalendarChecked flags visits that were looked up without a match.
func (s *Store) MarkCalendarChecked(ctx context.Context, visitIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunks(visitIDs) {
			_, err := tx.ExecContext(ctx, `UPDATE visits SET calendar_checked = 1 WHERE id IN (`+placeholders(len(chunk))+`)`, args(chunk)...)
			if err != nil {
				return fmt.Errorf("failed to mark calendar checked: %w", err)
			}
		}
		return nil
	})
}

// VisitsNeedingFood returns ids of visits whose food flag is still unknown.
func (s *Store) VisitsNeedingFood(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM visits
		WHERE food_probable IS NULL AND status != 'rejected'
		ORDER BY start_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits needing food: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan visit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visit ids: %w", err)
	}
	return ids, nil
}

// RecomputeVisitFood derives food_probable from the labeled photos of each
// visit: NULL with no labeled photo, 1 when any labeled photo is food, 0
// otherwise. It returns how many of the visits are now probable.
func (s *Store) RecomputeVisitFood(ctx context.Context, visitIDs []string) (int, error) {
	if len(visitIDs) == 0 {
		return 0, nil
	}
	now := formatTime(s.now())
	found := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunks(visitIDs) {
			params := append([]any{now}, args(chunk)...)
			_, err := tx.ExecContext(ctx, `
				UPDATE visits SET
					food_probable = CASE
						WHEN EXISTS (SELECT 1 FROM photos p WHERE p.visit_id = visits.id AND p.food_checked = 1 AND p.is_food = 1) THEN 1
						WHEN EXISTS (SELECT 1 FROM photos p WHERE p.visit_id = visits.id AND p.food_checked = 1) THEN 0
						ELSE NULL
					END,
					updated_at = ?
				WHERE id IN (`+placeholders(len(chunk))+`)
			`, params...)
			if err != nil {
				return fmt.Errorf("failed to recompute food flags: %w", err)
			}

			var n int
			err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE food_probable = 1 AND id IN (`+placeholders(len(chunk))+`)`, args(chunk)...).Scan(&n)
			if err != nil {
				return fmt.Errorf("failed to count food visits: %w", err)
			}
			found += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// VisitsNeedingSuggestions returns pending visits whose suggestions are
// missing or stale.
func (s *Store) VisitsNeedingSuggestions(ctx context.Context) ([]model.Visit, error) {
	return s.queryVisits(ctx, `SELECT `+visitColumns+` FROM visits
		WHERE suggestions_checked = 0 AND status = 'pending'
		ORDER BY start_at`)
}

// ReplaceSuggestions swaps the suggestion links of a visit and sets its
// suggested restaurant. primaryID is stored only when it is one of links.
func (s *Store) ReplaceSuggestions(ctx context.Context, visitID string, links []model.SuggestedRestaurantLink, primaryID string) error {
	suggested := ""
	for _, l := range links {
		if l.RestaurantID == primaryID {
			suggested = primaryID
			break
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM visit_suggestions WHERE visit_id = ?`, visitID); err != nil {
			return fmt.Errorf("failed to clear suggestions for %s: %w", visitID, err)
		}
		for _, l := range links {
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO visit_suggestions (visit_id, restaurant_id, distance)
				VALUES (?, ?, ?)
			`, visitID, l.RestaurantID, l.Distance)
			if err != nil {
				return fmt.Errorf("failed to insert suggestion for %s: %w", visitID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE visits SET suggested_restaurant_id = ?, suggestions_checked = 1, updated_at = ?
			WHERE id = ?
		`, nullString(suggested), formatTime(s.now()), visitID)
		if err != nil {
			return fmt.Errorf("failed to update suggested restaurant for %s: %w", visitID, err)
		}
		return nil
	})
}

// SuggestionsForVisit returns the linked candidates nearest first. Links to
// restaurants missing from the reference table carry only id and distance.
func (s *Store) SuggestionsForVisit(ctx context.Context, visitID string) ([]model.RestaurantCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			vs.restaurant_id, vs.distance,
			COALESCE(r.name, ''), COALESCE(r.lat, 0), COALESCE(r.lon, 0),
			COALESCE(r.address, ''), COALESCE(r.location, ''),
			COALESCE(r.cuisine, ''), COALESCE(r.award, '')
		FROM visit_suggestions vs
		LEFT JOIN reference_restaurants r ON r.id = vs.restaurant_id
		WHERE vs.visit_id = ?
		ORDER BY vs.distance, vs.restaurant_id
	`, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	var results []model.RestaurantCandidate
	for rows.Next() {
		var c model.RestaurantCandidate
		if err := rows.Scan(&c.ID, &c.Distance, &c.Name, &c.Lat, &c.Lon, &c.Address, &c.Location, &c.Cuisine, &c.Award); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion row: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestion rows: %w", err)
	}
	return results, nil
}

// GetVisit retrieves one visit by id.
func (s *Store) GetVisit(ctx context.Context, id string) (model.Visit, error) {
	visits, err := s.queryVisits(ctx, `SELECT `+visitColumns+` FROM visits WHERE id = ?`, id)
	if err != nil {
		return model.Visit{}, err
	}
	if len(visits) == 0 {
		return model.Visit{}, fmt.Errorf("visit %s: %w", id, model.ErrNotFound)
	}
	return visits[0], nil
}

// ListVisits returns the most recent visits first. limit <= 0 means all.
func (s *Store) ListVisits(ctx context.Context, limit int) ([]model.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits ORDER BY start_at DESC, id`
	if limit > 0 {
		return s.queryVisits(ctx, query+` LIMIT ?`, limit)
	}
	return s.queryVisits(ctx, query)
}

// CountVisitsWithCalendar returns how many visits carry a calendar event.
func (s *Store) CountVisitsWithCalendar(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE calendar_event_id IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count calendar visits: %w", err)
	}
	return n, nil
}

// SetVisitStatus records a review decision.
func (s *Store) SetVisitStatus(ctx context.Context, id string, status model.VisitStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update visit status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("visit %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) queryVisits(ctx context.Context, query string, params ...any) ([]model.Visit, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var results []model.Visit
	for rows.Next() {
		var v model.Visit
		var start, end, status, updated string
		var allDay int
		var food sql.NullInt64

		err := rows.Scan(&v.ID, &start, &end, &v.CenterLat, &v.CenterLon, &v.PhotoCount, &status,
			&v.SuggestedRestaurantID, &v.CalendarEventID, &v.CalendarEventTitle, &v.CalendarEventLocation,
			&allDay, &v.Notes, &food, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit row: %w", err)
		}

		v.Start = parseTime(start)
		v.End = parseTime(end)
		v.UpdatedAt = parseTime(updated)
		v.Status = model.VisitStatus(status)
		v.CalendarEventAllDay = allDay == 1
		if food.Valid {
			probable := food.Int64 == 1
			v.FoodProbable = &probable
		}
		results = append(results, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visit rows: %w", err)
	}
	return results, nil
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
