package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"plated/internal/calendar"
	"plated/internal/cluster"
	"plated/internal/db"
	"plated/internal/model"
	"plated/internal/progress"
)

// PhaseImport tags calendar import progress.
const PhaseImport = "import"

// DefaultImportWindow is how far back ImportCalendar looks.
const DefaultImportWindow = 2 * 365 * 24 * time.Hour

// ImportResult summarizes a calendar import.
type ImportResult struct {
	Events  int
	Matched int
	Created int
}

// ImportCalendar creates confirmed visits for calendar events in
// [now-window, now] whose cleaned title exactly names one reference
// restaurant. Visits are placed at the restaurant and linked to it.
// Re-importing is idempotent.
func (c *Coordinator) ImportCalendar(ctx context.Context, src calendar.Source, window time.Duration) (ImportResult, error) {
	var res ImportResult
	if src == nil {
		return res, fmt.Errorf("no calendar source: %w", model.ErrConfigurationMissing)
	}
	if window <= 0 {
		window = DefaultImportWindow
	}

	restaurants, err := c.Store.ReferenceRestaurants(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load reference restaurants: %w", err)
	}
	index := calendar.NewNameIndex(restaurants)
	if index.Len() == 0 {
		return res, fmt.Errorf("reference dataset not loaded: %w", model.ErrConfigurationMissing)
	}

	if err := src.Authorize(ctx); err != nil {
		return res, err
	}
	end := c.now()
	events, err := calendar.Fetch(ctx, src, end.Add(-window), end)
	if err != nil {
		return res, fmt.Errorf("failed to read calendar: %w", err)
	}
	res.Events = len(events)

	tracker := progress.NewTracker(PhaseImport, c.MinSample)
	matches := index.FindImports(events, c.Cleaner)
	res.Matched = len(matches)
	if len(matches) == 0 {
		c.Reporter.Report(tracker.Done(len(events), 0, "no events named a known restaurant"))
		return res, nil
	}

	groups := make([]db.VisitGroup, 0, len(matches))
	for _, m := range matches {
		groups = append(groups, db.VisitGroup{Visit: importedVisit(m, c.now())})
	}
	created, err := c.Store.CreateVisits(ctx, groups)
	if err != nil {
		return res, fmt.Errorf("failed to create imported visits: %w", err)
	}
	res.Created = created

	for i, m := range matches {
		id := groups[i].Visit.ID
		link := model.SuggestedRestaurantLink{VisitID: id, RestaurantID: m.Restaurant.ID}
		if err := c.Store.ReplaceSuggestions(ctx, id, []model.SuggestedRestaurantLink{link}, m.Restaurant.ID); err != nil {
			return res, fmt.Errorf("failed to link imported visit: %w", err)
		}
	}

	c.log.WithFields(logrus.Fields{
		"events":  res.Events,
		"matched": res.Matched,
		"created": res.Created,
	}).Info("calendar import finished")
	c.Reporter.Report(tracker.Done(len(events), created,
		fmt.Sprintf("%s events, %s new visits", humanize.Comma(int64(len(events))), humanize.Comma(int64(created)))))
	return res, nil
}

func importedVisit(m calendar.ImportMatch, now time.Time) model.Visit {
	e, r := m.Event, m.Restaurant
	end := e.End
	if end.Before(e.Start) {
		end = e.Start
	}
	return model.Visit{
		ID:                    cluster.VisitID(e.Start, r.Lat, r.Lon),
		Start:                 e.Start,
		End:                   end,
		CenterLat:             r.Lat,
		CenterLon:             r.Lon,
		Status:                model.VisitConfirmed,
		CalendarEventID:       e.ID,
		CalendarEventTitle:    e.Title,
		CalendarEventLocation: e.Location,
		CalendarEventAllDay:   e.AllDay,
		Notes:                 e.Notes,
		UpdatedAt:             now,
	}
}
