package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"plated/internal/model"
)

// InsertPhotos stores newly scanned photos in one transaction, ignoring
// ids already present, and returns how many rows were added.
func (s *Store) InsertPhotos(ctx context.Context, photos []model.Photo) (int, error) {
	if len(photos) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO photos (id, uri, created_at, lat, lon, media_kind)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare photo insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range photos {
			kind := p.MediaKind
			if kind == "" {
				kind = model.MediaPhoto
			}
			res, err := stmt.ExecContext(ctx, p.ID, p.URI, formatTime(p.CreatedAt), nullFloat(p.Lat), nullFloat(p.Lon), string(kind))
			if err != nil {
				return fmt.Errorf("failed to insert photo %s: %w", p.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ExistingPhotoIDs returns which of ids are already stored.
func (s *Store) ExistingPhotoIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, chunk := range chunks(ids) {
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM photos WHERE id IN (`+placeholders(len(chunk))+`)`, args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to check photo ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan photo id: %w", err)
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating photo ids: %w", err)
		}
	}
	return out, nil
}

const photoColumns = `id, uri, created_at, lat, lon, media_kind, COALESCE(visit_id, ''), food_checked, is_food, food_labels, food_confidence`

// UnvisitedPhotos returns photos not yet assigned to a visit, oldest first.
func (s *Store) UnvisitedPhotos(ctx context.Context) ([]model.Photo, error) {
	return s.queryPhotos(ctx, `SELECT `+photoColumns+` FROM photos WHERE visit_id IS NULL ORDER BY created_at, id`)
}

// PhotosWithoutFoodLabels returns still images the classifier has not
// checked, restricted to visitIDs when non-nil, ordered by visit and time.
func (s *Store) PhotosWithoutFoodLabels(ctx context.Context, visitIDs []string) ([]model.Photo, error) {
	const base = `SELECT ` + photoColumns + ` FROM photos WHERE food_checked = 0 AND media_kind = 'photo'`
	const order = ` ORDER BY visit_id, created_at, id`

	if visitIDs == nil {
		return s.queryPhotos(ctx, base+order)
	}
	var out []model.Photo
	for _, chunk := range chunks(visitIDs) {
		photos, err := s.queryPhotos(ctx, base+` AND visit_id IN (`+placeholders(len(chunk))+`)`+order, args(chunk)...)
		if err != nil {
			return nil, err
		}
		out = append(out, photos...)
	}
	return out, nil
}

// PhotosForVisit returns the photos assigned to a visit, oldest first.
func (s *Store) PhotosForVisit(ctx context.Context, visitID string) ([]model.Photo, error) {
	return s.queryPhotos(ctx, `SELECT `+photoColumns+` FROM photos WHERE visit_id = ? ORDER BY created_at, id`, visitID)
}

// UpdatePhotoLabels records classifier results in one transaction.
func (s *Store) UpdatePhotoLabels(ctx context.Context, updates []model.PhotoLabelUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE photos
			SET food_checked = 1, is_food = ?, food_labels = ?, food_confidence = ?
			WHERE id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare label update: %w", err)
		}
		defer stmt.Close()

		for _, u := range updates {
			labels := nullString(strings.Join(u.Label.Labels, ","))
			if _, err := stmt.ExecContext(ctx, boolInt(u.Label.IsFood), labels, u.Label.Confidence, u.PhotoID); err != nil {
				return fmt.Errorf("failed to update labels for %s: %w", u.PhotoID, err)
			}
		}
		return nil
	})
}

// CountPhotos returns the total number of stored photos.
func (s *Store) CountPhotos(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM photos`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count photos: %w", err)
	}
	return n, nil
}

func (s *Store) queryPhotos(ctx context.Context, query string, params ...any) ([]model.Photo, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var results []model.Photo
	for rows.Next() {
		var p model.Photo
		var createdAt, kind string
		var lat, lon, confidence sql.NullFloat64
		var checked int
		var isFood sql.NullInt64
		var labels sql.NullString

		if err := rows.Scan(&p.ID, &p.URI, &createdAt, &lat, &lon, &kind, &p.VisitID, &checked, &isFood, &labels, &confidence); err != nil {
			return nil, fmt.Errorf("failed to scan photo row: %w", err)
		}

		p.CreatedAt = parseTime(createdAt)
		p.MediaKind = model.MediaKind(kind)
		if lat.Valid && lon.Valid {
			la, lo := lat.Float64, lon.Float64
			p.Lat, p.Lon = &la, &lo
		}
		if checked == 1 {
			label := &model.FoodLabel{IsFood: isFood.Valid && isFood.Int64 == 1, Confidence: confidence.Float64}
			if labels.Valid && labels.String != "" {
				label.Labels = strings.Split(labels.String, ",")
			}
			p.Food = label
		}
		results = append(results, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photo rows: %w", err)
	}
	return results, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
