// Package cluster groups time-sorted photos into dining visits in a single
// forward pass.
package cluster

import (
	"context"
	"runtime"
	"time"

	"plated/internal/geo"
	"plated/internal/model"
)

// Defaults for the clustering thresholds.
const (
	DefaultTimeGap     = 2 * time.Hour
	DefaultMaxDistance = 200.0 // meters
	DefaultYieldEvery  = 500
	MinGroupSize       = 2
)

// Engine holds clustering thresholds.
type Engine struct {
	TimeGap     time.Duration
	MaxDistance float64
	// YieldEvery is how many photos are examined between scheduler yields
	// and cancellation checks.
	YieldEvery int
}

// NewEngine returns an engine with default thresholds.
func NewEngine() *Engine {
	return &Engine{
		TimeGap:     DefaultTimeGap,
		MaxDistance: DefaultMaxDistance,
		YieldEvery:  DefaultYieldEvery,
	}
}

// Group is one emitted visit cluster.
type Group struct {
	ID        string
	Photos    []model.Photo
	Start     time.Time
	End       time.Time
	CenterLat float64
	CenterLon float64
}

// Visit converts the group into a pending visit record.
func (g Group) Visit(now time.Time) model.Visit {
	return model.Visit{
		ID:         g.ID,
		Start:      g.Start,
		End:        g.End,
		CenterLat:  g.CenterLat,
		CenterLon:  g.CenterLon,
		PhotoCount: len(g.Photos),
		Status:     model.VisitPending,
		UpdatedAt:  now,
	}
}

// PhotoIDs returns the ids of the group's photos in time order.
func (g Group) PhotoIDs() []string {
	ids := make([]string, len(g.Photos))
	for i, p := range g.Photos {
		ids[i] = p.ID
	}
	return ids
}

// Cluster scans photos, which must be sorted by CreatedAt ascending and must
// not already belong to a visit. Each photo is compared with the previous
// photo only: a time gap within TimeGap and a distance within MaxDistance
// keep it in the current group, otherwise the group is closed. Groups with
// fewer than MinGroupSize photos, or without any geolocated photo, are
// discarded.
//
// ctx is checked every YieldEvery photos; on cancellation the groups closed
// so far are returned along with ctx.Err().
func (e *Engine) Cluster(ctx context.Context, photos []model.Photo) ([]Group, error) {
	if len(photos) == 0 {
		return nil, nil
	}
	yieldEvery := e.YieldEvery
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}

	var groups []Group
	current := []model.Photo{photos[0]}
	anchor := locatedOrNil(photos[0])

	flush := func() {
		if g, ok := buildGroup(current); ok {
			groups = append(groups, g)
		}
	}

	for i := 1; i < len(photos); i++ {
		if i%yieldEvery == 0 {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return groups, err
			}
		}

		prev, p := photos[i-1], photos[i]
		if e.sameVisit(prev, anchor, p) {
			current = append(current, p)
			if p.HasLocation() {
				anchor = &photos[i]
			}
			continue
		}
		flush()
		current = []model.Photo{p}
		anchor = locatedOrNil(p)
	}
	flush()

	return groups, nil
}

// sameVisit applies the time test against the previous photo first and only
// computes distance when it passes. Distance is measured from anchor, the
// last geolocated photo of the current group, so a photo without
// coordinates never splits a group and never bridges two distant places.
func (e *Engine) sameVisit(prev model.Photo, anchor *model.Photo, p model.Photo) bool {
	if p.CreatedAt.Sub(prev.CreatedAt) > e.TimeGap {
		return false
	}
	if anchor == nil || !p.HasLocation() {
		return true
	}
	if !geo.WithinBox(*anchor.Lat, *anchor.Lon, *p.Lat, *p.Lon, e.MaxDistance) {
		return false
	}
	return geo.Distance(*anchor.Lat, *anchor.Lon, *p.Lat, *p.Lon) <= e.MaxDistance
}

func locatedOrNil(p model.Photo) *model.Photo {
	if p.HasLocation() {
		return &p
	}
	return nil
}

func buildGroup(photos []model.Photo) (Group, bool) {
	if len(photos) < MinGroupSize {
		return Group{}, false
	}

	var sumLat, sumLon float64
	located := 0
	start, end := photos[0].CreatedAt, photos[0].CreatedAt
	for _, p := range photos {
		if p.CreatedAt.Before(start) {
			start = p.CreatedAt
		}
		if p.CreatedAt.After(end) {
			end = p.CreatedAt
		}
		if p.HasLocation() {
			sumLat += *p.Lat
			sumLon += *p.Lon
			located++
		}
	}
	if located == 0 {
		return Group{}, false
	}

	g := Group{
		Photos:    append([]model.Photo(nil), photos...),
		Start:     start,
		End:       end,
		CenterLat: sumLat / float64(located),
		CenterLon: sumLon / float64(located),
	}
	g.ID = VisitID(g.Start, g.CenterLat, g.CenterLon)
	return g, true
}
