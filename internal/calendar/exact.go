package calendar

import (
	"strings"

	"plated/internal/model"
)

// ExactKey is the strict comparison key for the import path: the
// normalized name without a leading "the" or a trailing "restaurant".
func ExactKey(name string) string {
	n := Normalize(name)
	n = strings.TrimPrefix(n, "the ")
	n = strings.TrimSuffix(n, " restaurant")
	return strings.TrimSpace(n)
}

// NameIndex maps exact keys to the reference restaurants carrying them.
type NameIndex struct {
	byKey map[string][]model.RestaurantCandidate
}

// NewNameIndex indexes restaurants by ExactKey.
func NewNameIndex(restaurants []model.RestaurantCandidate) *NameIndex {
	ix := &NameIndex{byKey: make(map[string][]model.RestaurantCandidate, len(restaurants))}
	for _, r := range restaurants {
		key := ExactKey(r.Name)
		if key == "" {
			continue
		}
		ix.byKey[key] = append(ix.byKey[key], r)
	}
	return ix
}

// Len returns the number of distinct keys.
func (ix *NameIndex) Len() int {
	return len(ix.byKey)
}

// ExactMatch returns the restaurant whose name equals the event's cleaned
// title. When several share that name, the one whose address shares the
// most words with the event location wins; a tie or no overlap is no match.
func (ix *NameIndex) ExactMatch(e model.CalendarEventInfo, cleaner *Cleaner) (model.RestaurantCandidate, bool) {
	candidates := ix.byKey[ExactKey(cleaner.Clean(e.Title))]
	switch len(candidates) {
	case 0:
		return model.RestaurantCandidate{}, false
	case 1:
		return candidates[0], true
	}

	eventTokens := tokenSet(e.Location)
	if len(eventTokens) == 0 {
		return model.RestaurantCandidate{}, false
	}

	bestIdx, bestOverlap, tied := -1, 0, false
	for i, c := range candidates {
		overlap := 0
		for t := range tokenSet(c.Address + " " + c.Location) {
			if eventTokens[t] {
				overlap++
			}
		}
		switch {
		case overlap > bestOverlap:
			bestIdx, bestOverlap, tied = i, overlap, false
		case overlap == bestOverlap && overlap > 0:
			tied = true
		}
	}
	if bestIdx < 0 || tied {
		return model.RestaurantCandidate{}, false
	}
	return candidates[bestIdx], true
}

// FindImports runs the exact-match path over events and dedupes the result.
func (ix *NameIndex) FindImports(events []model.CalendarEventInfo, cleaner *Cleaner) []ImportMatch {
	var matches []ImportMatch
	for _, e := range events {
		if !IsValidTitle(e.Title) || IsLikelyNonReservation(e) {
			continue
		}
		if r, ok := ix.ExactMatch(e, cleaner); ok {
			matches = append(matches, ImportMatch{Event: e, Restaurant: r})
		}
	}
	return DedupeImports(matches)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range SignificantWords(Normalize(s)) {
		set[w] = true
	}
	return set
}
