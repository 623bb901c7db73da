// Package resolver ranks reference-dataset restaurants around a visit.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"plated/internal/geo"
	"plated/internal/model"
)

// Default radii and result size.
const (
	DefaultSuggestionRadius = 200.0 // meters
	DefaultMatchRadius      = 100.0 // meters
	DefaultLimit            = 5
)

// CandidateSource returns restaurants whose coordinates fall inside a box.
// Implementations may return extra rows; the resolver filters exactly.
// ErrConfigurationMissing means the source has no data at all.
type CandidateSource interface {
	CandidatesInBox(ctx context.Context, box geo.BoundingBox) ([]model.RestaurantCandidate, error)
}

// Result holds the ranked suggestions for one point.
type Result struct {
	Candidates []model.RestaurantCandidate // ascending distance, within the suggestion radius
	Primary    *model.RestaurantCandidate  // nearest within the match radius, or nil
}

// Links converts the result into suggestion links for visitID.
func (r Result) Links(visitID string) []model.SuggestedRestaurantLink {
	links := make([]model.SuggestedRestaurantLink, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		links = append(links, model.SuggestedRestaurantLink{VisitID: visitID, RestaurantID: c.ID, Distance: c.Distance})
	}
	return links
}

// Resolver finds candidate restaurants near a centroid.
type Resolver struct {
	source   CandidateSource
	fallback CandidateSource

	SuggestionRadius float64
	MatchRadius      float64
	Limit            int
}

// New creates a resolver over source. fallback may be nil; it is consulted
// only when source reports ErrConfigurationMissing.
func New(source, fallback CandidateSource) *Resolver {
	return &Resolver{
		source:           source,
		fallback:         fallback,
		SuggestionRadius: DefaultSuggestionRadius,
		MatchRadius:      DefaultMatchRadius,
		Limit:            DefaultLimit,
	}
}

// Resolve returns up to Limit candidates within SuggestionRadius of
// (lat, lon) and the primary suggestion within MatchRadius. When neither
// source is configured the result is empty and the error is nil.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) (Result, error) {
	box := geo.Box(lat, lon, r.SuggestionRadius)

	candidates, err := r.candidates(ctx, box)
	if err != nil {
		if errors.Is(err, model.ErrConfigurationMissing) {
			return Result{}, nil
		}
		return Result{}, err
	}

	return r.Rank(lat, lon, candidates), nil
}

func (r *Resolver) candidates(ctx context.Context, box geo.BoundingBox) ([]model.RestaurantCandidate, error) {
	if r.source == nil {
		if r.fallback == nil {
			return nil, model.ErrConfigurationMissing
		}
		return r.fallback.CandidatesInBox(ctx, box)
	}

	candidates, err := r.source.CandidatesInBox(ctx, box)
	if errors.Is(err, model.ErrConfigurationMissing) && r.fallback != nil {
		return r.fallback.CandidatesInBox(ctx, box)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	return candidates, nil
}

// Rank filters candidates to the suggestion radius (box test first, exact
// distance second), sorts them by ascending distance and caps the list.
func (r *Resolver) Rank(lat, lon float64, candidates []model.RestaurantCandidate) Result {
	ranked := make([]model.RestaurantCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !geo.WithinBox(lat, lon, c.Lat, c.Lon, r.SuggestionRadius) {
			continue
		}
		d := geo.Distance(lat, lon, c.Lat, c.Lon)
		if d > r.SuggestionRadius {
			continue
		}
		c.Distance = d
		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Distance != ranked[j].Distance {
			return ranked[i].Distance < ranked[j].Distance
		}
		return ranked[i].ID < ranked[j].ID
	})
	if r.Limit > 0 && len(ranked) > r.Limit {
		ranked = ranked[:r.Limit]
	}

	res := Result{Candidates: ranked}
	if len(ranked) > 0 && ranked[0].Distance <= r.MatchRadius {
		primary := ranked[0]
		res.Primary = &primary
	}
	return res
}

// PreferNamed promotes the nearest candidate whose name satisfies match to
// the front of the list and makes it the primary suggestion, even when it
// lies outside the match radius. The result is unchanged when nothing matches.
func PreferNamed(res Result, match func(name string) bool) Result {
	for i, c := range res.Candidates {
		if !match(c.Name) {
			continue
		}
		reordered := make([]model.RestaurantCandidate, 0, len(res.Candidates))
		reordered = append(reordered, c)
		reordered = append(reordered, res.Candidates[:i]...)
		reordered = append(reordered, res.Candidates[i+1:]...)
		primary := c
		return Result{Candidates: reordered, Primary: &primary}
	}
	return res
}
