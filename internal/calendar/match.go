package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"plated/internal/model"
)

// DefaultPadding widens each visit window before looking for events.
const DefaultPadding = time.Hour

// Score weights.
const (
	scoreTimed        = 100.0
	scoreKeywords     = 200.0
	scoreLocation     = 50.0
	scoreURLLocation  = -100.0
	scoreNotes        = 10.0
	scoreClosenessMax = 20.0
	scoreShort        = 15.0
	scoreMedium       = 5.0

	closenessWindow = 2 * time.Hour
)

// Score rates how likely e is the reservation behind v.
func Score(e model.CalendarEventInfo, v model.Visit) float64 {
	s := 0.0
	if !e.AllDay {
		s += scoreTimed
	}
	if HasReservationKeywords(e.Title, e.Location, e.Notes) {
		s += scoreKeywords
	}
	if loc := strings.TrimSpace(e.Location); loc != "" {
		if LooksLikeURL(loc) {
			s += scoreURLLocation
		} else {
			s += scoreLocation
		}
	}
	if strings.TrimSpace(e.Notes) != "" {
		s += scoreNotes
	}

	gap := e.Start.Add(e.Duration() / 2).Sub(v.Midpoint())
	if gap < 0 {
		gap = -gap
	}
	if gap < closenessWindow {
		s += scoreClosenessMax * (1 - float64(gap)/float64(closenessWindow))
	}

	if !e.AllDay {
		switch d := e.Duration(); {
		case d < 4*time.Hour:
			s += scoreShort
		case d < 8*time.Hour:
			s += scoreMedium
		}
	}
	return s
}

// Matcher picks the best calendar event for each visit.
type Matcher struct {
	source  Source
	cleaner *Cleaner
	log     *logrus.Entry

	Padding      time.Duration
	DedupeBuffer time.Duration
}

// NewMatcher returns a matcher reading from source.
func NewMatcher(source Source, cleaner *Cleaner, log *logrus.Entry) *Matcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Matcher{
		source:       source,
		cleaner:      cleaner,
		log:          log.WithField("component", "calendar"),
		Padding:      DefaultPadding,
		DedupeBuffer: DefaultDedupeBuffer,
	}
}

// Match returns the best event for a single visit.
func (m *Matcher) Match(ctx context.Context, v model.Visit) (model.VisitCalendarMatch, bool, error) {
	matches, err := m.MatchBatch(ctx, []model.Visit{v})
	if err != nil {
		return model.VisitCalendarMatch{}, false, err
	}
	match, ok := matches[v.ID]
	return match, ok, nil
}

// MatchBatch fetches the padded union window of visits once and returns the
// best-scoring overlapping event per visit id. Visits with no overlapping
// event are absent from the map.
func (m *Matcher) MatchBatch(ctx context.Context, visits []model.Visit) (map[string]model.VisitCalendarMatch, error) {
	out := make(map[string]model.VisitCalendarMatch)
	if len(visits) == 0 {
		return out, nil
	}
	if err := m.source.Authorize(ctx); err != nil {
		return nil, err
	}

	lo, hi := visits[0].Start, visits[0].End
	for _, v := range visits[1:] {
		if v.Start.Before(lo) {
			lo = v.Start
		}
		if v.End.After(hi) {
			hi = v.End
		}
	}

	events, err := Fetch(ctx, m.source, lo.Add(-m.Padding), hi.Add(m.Padding))
	if err != nil {
		return nil, err
	}
	events = Dedupe(events, m.DedupeBuffer, m.cleaner)
	m.log.WithFields(logrus.Fields{"visits": len(visits), "events": len(events)}).Debug("matching calendar events")
	if len(events) == 0 {
		return out, nil
	}

	starts := make([]time.Time, len(events))
	var maxDur time.Duration
	for i, e := range events {
		starts[i] = e.Start
		if d := e.Duration(); d > maxDur {
			maxDur = d
		}
	}

	for i, v := range visits {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("calendar matching interrupted: %w", err)
			}
		}

		winStart, winEnd := v.Start.Add(-m.Padding), v.End.Add(m.Padding)
		first := sort.Search(len(starts), func(j int) bool { return !starts[j].Before(winStart.Add(-maxDur)) })
		last := sort.Search(len(starts), func(j int) bool { return starts[j].After(winEnd) })

		best, found := model.VisitCalendarMatch{}, false
		for _, e := range events[first:last] {
			if e.End.Before(winStart) {
				continue
			}
			score := Score(e, v)
			if !found || score > best.Score {
				best = model.VisitCalendarMatch{VisitID: v.ID, Event: e, Score: score}
				found = true
			}
		}
		if found {
			out[v.ID] = best
		}
	}
	return out, nil
}

// CleanedTitle returns the venue name behind an event title, memoized.
func (m *Matcher) CleanedTitle(title string) string {
	return m.cleaner.Clean(title)
}
