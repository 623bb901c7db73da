package calendar

import (
	"sort"
	"strings"
	"time"

	"plated/internal/model"
)

// DefaultDedupeBuffer is how far apart two same-titled events may be and
// still count as overlapping.
const DefaultDedupeBuffer = 30 * time.Minute

// infoScore ranks duplicates: the copy carrying a location and notes wins.
func infoScore(e model.CalendarEventInfo) int {
	score := 0
	if loc := strings.TrimSpace(e.Location); loc != "" && !LooksLikeURL(loc) {
		score += 2
	}
	if strings.TrimSpace(e.Notes) != "" {
		score++
	}
	return score
}

func overlapsWithin(aStart, aEnd, bStart, bEnd time.Time, buffer time.Duration) bool {
	return !aStart.After(bEnd.Add(buffer)) && !bStart.After(aEnd.Add(buffer))
}

// Dedupe merges events whose cleaned, normalized titles are equal and whose
// time ranges overlap within buffer, keeping the copy with more auxiliary
// information. The earlier copy wins ties. The result is sorted by start.
func Dedupe(events []model.CalendarEventInfo, buffer time.Duration, cleaner *Cleaner) []model.CalendarEventInfo {
	sorted := make([]model.CalendarEventInfo, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var kept []model.CalendarEventInfo
	byKey := make(map[string][]int)

	for _, e := range sorted {
		key := Normalize(cleaner.Clean(e.Title))
		merged := false
		for _, idx := range byKey[key] {
			k := kept[idx]
			if !overlapsWithin(k.Start, k.End, e.Start, e.End, buffer) {
				continue
			}
			if infoScore(e) > infoScore(k) {
				kept[idx] = e
			}
			merged = true
			break
		}
		if merged {
			continue
		}
		byKey[key] = append(byKey[key], len(kept))
		kept = append(kept, e)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start.Before(kept[j].Start) })
	return kept
}

// ImportMatch pairs a calendar event with the reference restaurant its
// title names exactly.
type ImportMatch struct {
	Event      model.CalendarEventInfo
	Restaurant model.RestaurantCandidate
}

// DedupeImports drops import matches naming a restaurant already matched
// by an overlapping event. The first match in start order is kept unless a
// later duplicate carries more auxiliary information.
func DedupeImports(matches []ImportMatch) []ImportMatch {
	sorted := make([]ImportMatch, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Event.Start.Before(sorted[j].Event.Start) })

	var kept []ImportMatch
	byRestaurant := make(map[string][]int)

	for _, m := range sorted {
		merged := false
		for _, idx := range byRestaurant[m.Restaurant.ID] {
			k := kept[idx]
			if !overlapsWithin(k.Event.Start, k.Event.End, m.Event.Start, m.Event.End, 0) {
				continue
			}
			if infoScore(m.Event) > infoScore(k.Event) {
				kept[idx] = m
			}
			merged = true
			break
		}
		if merged {
			continue
		}
		byRestaurant[m.Restaurant.ID] = append(byRestaurant[m.Restaurant.ID], len(kept))
		kept = append(kept, m)
	}
	return kept
}
