package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"plated/internal/geo"
	"plated/internal/model"
)

// referenceBatch is how many CSV rows are committed per transaction.
const referenceBatch = 500

// LoadResult summarizes a reference import.
type LoadResult struct {
	Loaded  int
	Dropped int
}

// referenceColumns maps accepted header names to fields.
var referenceColumns = map[string]string{
	"id":        "id",
	"name":      "name",
	"lat":       "lat",
	"latitude":  "lat",
	"lon":       "lon",
	"lng":       "lon",
	"longitude": "lon",
	"address":   "address",
	"location":  "location",
	"city":      "location",
	"cuisine":   "cuisine",
	"award":     "award",
}

type referenceHeader struct {
	fields map[string]int // field -> column
	years  map[int]int    // award year -> column
}

func parseReferenceHeader(record []string) (referenceHeader, error) {
	h := referenceHeader{fields: map[string]int{}, years: map[int]int{}}
	for i, raw := range record {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))
		if field, ok := referenceColumns[name]; ok {
			if _, dup := h.fields[field]; !dup {
				h.fields[field] = i
			}
			continue
		}
		if year, ok := strings.CutPrefix(name, "award_"); ok {
			if y, err := strconv.Atoi(year); err == nil {
				h.years[y] = i
			}
		}
	}
	for _, required := range []string{"id", "name", "lat", "lon"} {
		if _, ok := h.fields[required]; !ok {
			return h, fmt.Errorf("%w: header lacks %q column", model.ErrMalformedReferenceData, required)
		}
	}
	return h, nil
}

func (h referenceHeader) get(record []string, field string) string {
	i, ok := h.fields[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// parse turns one CSV record into a candidate. Missing id or name and
// unparseable or out-of-range coordinates are malformed.
func (h referenceHeader) parse(record []string) (model.RestaurantCandidate, error) {
	c := model.RestaurantCandidate{
		ID:       h.get(record, "id"),
		Name:     h.get(record, "name"),
		Address:  h.get(record, "address"),
		Location: h.get(record, "location"),
		Cuisine:  h.get(record, "cuisine"),
		Award:    h.get(record, "award"),
	}
	if c.ID == "" || c.Name == "" {
		return c, fmt.Errorf("%w: missing id or name", model.ErrMalformedReferenceData)
	}

	var ok bool
	if c.Lat, ok = coordinate(h.get(record, "lat"), 90); !ok {
		return c, fmt.Errorf("%w: bad latitude for %s", model.ErrMalformedReferenceData, c.ID)
	}
	if c.Lon, ok = coordinate(h.get(record, "lon"), 180); !ok {
		return c, fmt.Errorf("%w: bad longitude for %s", model.ErrMalformedReferenceData, c.ID)
	}

	latest := 0
	for year, col := range h.years {
		if col >= len(record) {
			continue
		}
		award := strings.TrimSpace(record[col])
		if award == "" {
			continue
		}
		if c.Awards == nil {
			c.Awards = map[int]string{}
		}
		c.Awards[year] = award
		if year > latest {
			latest = year
		}
	}
	if c.Award == "" && latest > 0 {
		c.Award = c.Awards[latest]
	}
	return c, nil
}

// coordinate parses a finite degree value within [-limit, limit]. ParseFloat
// accepts "NaN" and "Inf", which a range comparison alone lets through.
func coordinate(raw string, limit float64) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < -limit || v > limit {
		return 0, false
	}
	return v, true
}

// LoadReferenceCSV upserts the reference restaurant dataset from r. The
// header must name id, name and latitude/longitude columns; address,
// location, cuisine, award and award_<year> columns are optional.
// Malformed rows are dropped and counted. progressFn, when non-nil, is
// called after every committed batch.
func (s *Store) LoadReferenceCSV(ctx context.Context, r io.Reader, progressFn func(LoadResult)) (LoadResult, error) {
	var res LoadResult

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if err != nil {
		return res, fmt.Errorf("%w: failed to read header: %w", model.ErrMalformedReferenceData, err)
	}
	header, err := parseReferenceHeader(head)
	if err != nil {
		return res, err
	}

	batch := make([]model.RestaurantCandidate, 0, referenceBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		loaded, err := s.upsertReference(ctx, batch)
		if err != nil {
			return err
		}
		res.Loaded += loaded
		res.Dropped += len(batch) - loaded
		batch = batch[:0]
		if progressFn != nil {
			progressFn(res)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			res.Dropped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to read reference data: %w", err)
		}

		c, err := header.parse(record)
		if err != nil {
			res.Dropped++
			continue
		}
		batch = append(batch, c)
		if len(batch) == referenceBatch {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// upsertReference writes batch in one transaction and returns how many rows
// were stored. Each row runs inside its own savepoint: a row the database
// rejects is rolled back and dropped without failing the rest of the batch.
func (s *Store) upsertReference(ctx context.Context, batch []model.RestaurantCandidate) (int, error) {
	loaded := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `SAVEPOINT reference_row`); err != nil {
				return fmt.Errorf("failed to open savepoint: %w", err)
			}
			if err := upsertReferenceRow(ctx, tx, c); err != nil {
				if ctx.Err() != nil {
					return err
				}
				if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO reference_row`); rbErr != nil {
					return fmt.Errorf("failed to roll back %s: %w", c.ID, rbErr)
				}
			} else {
				loaded++
			}
			if _, err := tx.ExecContext(ctx, `RELEASE reference_row`); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return loaded, nil
}

func upsertReferenceRow(ctx context.Context, tx *sql.Tx, c model.RestaurantCandidate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reference_restaurants (id, name, lat, lon, address, location, cuisine, award)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, lat = excluded.lat, lon = excluded.lon,
			address = excluded.address, location = excluded.location,
			cuisine = excluded.cuisine, award = excluded.award
	`, c.ID, c.Name, c.Lat, c.Lon, nullString(c.Address), nullString(c.Location), nullString(c.Cuisine), nullString(c.Award))
	if err != nil {
		return fmt.Errorf("failed to upsert reference restaurant %s: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_awards WHERE restaurant_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to clear awards for %s: %w", c.ID, err)
	}
	for year, award := range c.Awards {
		_, err := tx.ExecContext(ctx, `INSERT INTO reference_awards (restaurant_id, year, award) VALUES (?, ?, ?)`, c.ID, year, award)
		if err != nil {
			return fmt.Errorf("failed to insert award for %s: %w", c.ID, err)
		}
	}
	return nil
}

const referenceSelect = `
	SELECT id, name, lat, lon, COALESCE(address, ''), COALESCE(location, ''),
		COALESCE(cuisine, ''), COALESCE(award, '')
	FROM reference_restaurants`

// CandidatesInBox returns reference restaurants inside box. A box whose
// longitude range crosses the antimeridian is split in two. An empty
// reference table reports ErrConfigurationMissing.
func (s *Store) CandidatesInBox(ctx context.Context, box geo.BoundingBox) ([]model.RestaurantCandidate, error) {
	var loaded bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reference_restaurants)`).Scan(&loaded); err != nil {
		return nil, fmt.Errorf("failed to check reference data: %w", err)
	}
	if !loaded {
		return nil, fmt.Errorf("reference dataset not loaded: %w", model.ErrConfigurationMissing)
	}

	where, params := lonClause(box)
	params = append([]any{box.MinLat, box.MaxLat}, params...)
	candidates, err := s.queryReference(ctx, referenceSelect+` WHERE lat BETWEEN ? AND ? AND (`+where+`) ORDER BY id`, params...)
	if err != nil {
		return nil, err
	}
	if err := s.attachAwards(ctx, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func lonClause(box geo.BoundingBox) (string, []any) {
	switch {
	case box.MaxLon-box.MinLon >= 360:
		return "1 = 1", nil
	case box.MinLon < -180:
		return "lon >= ? OR lon <= ?", []any{box.MinLon + 360, box.MaxLon}
	case box.MaxLon > 180:
		return "lon >= ? OR lon <= ?", []any{box.MinLon, box.MaxLon - 360}
	default:
		return "lon BETWEEN ? AND ?", []any{box.MinLon, box.MaxLon}
	}
}

// ReferenceRestaurants returns the whole reference dataset ordered by id.
func (s *Store) ReferenceRestaurants(ctx context.Context) ([]model.RestaurantCandidate, error) {
	return s.queryReference(ctx, referenceSelect+` ORDER BY id`)
}

// GetReferenceRestaurant returns one reference restaurant with its awards.
func (s *Store) GetReferenceRestaurant(ctx context.Context, id string) (model.RestaurantCandidate, error) {
	found, err := s.queryReference(ctx, referenceSelect+` WHERE id = ?`, id)
	if err != nil {
		return model.RestaurantCandidate{}, err
	}
	if len(found) == 0 {
		return model.RestaurantCandidate{}, fmt.Errorf("restaurant %s: %w", id, model.ErrNotFound)
	}
	if err := s.attachAwards(ctx, found); err != nil {
		return model.RestaurantCandidate{}, err
	}
	return found[0], nil
}

func (s *Store) queryReference(ctx context.Context, query string, params ...any) ([]model.RestaurantCandidate, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference restaurants: %w", err)
	}
	defer rows.Close()

	var results []model.RestaurantCandidate
	for rows.Next() {
		var c model.RestaurantCandidate
		if err := rows.Scan(&c.ID, &c.Name, &c.Lat, &c.Lon, &c.Address, &c.Location, &c.Cuisine, &c.Award); err != nil {
			return nil, fmt.Errorf("failed to scan reference row: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reference rows: %w", err)
	}
	return results, nil
}

func (s *Store) attachAwards(ctx context.Context, candidates []model.RestaurantCandidate) error {
	if len(candidates) == 0 {
		return nil
	}
	pos := make(map[string]int, len(candidates))
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		pos[c.ID] = i
		ids[i] = c.ID
	}
	sort.Strings(ids)

	for _, chunk := range chunks(ids) {
		rows, err := s.db.QueryContext(ctx, `SELECT restaurant_id, year, award FROM reference_awards WHERE restaurant_id IN (`+placeholders(len(chunk))+`)`, args(chunk)...)
		if err != nil {
			return fmt.Errorf("failed to query awards: %w", err)
		}
		for rows.Next() {
			var id, award string
			var year int
			if err := rows.Scan(&id, &year, &award); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan award row: %w", err)
			}
			c := &candidates[pos[id]]
			if c.Awards == nil {
				c.Awards = map[int]string{}
			}
			c.Awards[year] = award
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating award rows: %w", err)
		}
	}
	return nil
}
