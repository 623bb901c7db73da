// Package pipeline runs the photo-to-visit phases in order and records the
// outcome of each run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"plated/internal/calendar"
	"plated/internal/cluster"
	"plated/internal/db"
	"plated/internal/food"
	"plated/internal/model"
	"plated/internal/progress"
	"plated/internal/resolver"
	"plated/internal/scan"
)

// Phase tags, in run order.
const (
	PhaseScan        = scan.Phase
	PhaseCluster     = "cluster"
	PhaseCalendar    = "calendar"
	PhaseFood        = food.PhaseSampled
	PhaseSuggestions = "suggestions"
	PhaseMaintenance = "maintenance"
)

// Phases lists the phase tags in the order Run executes them.
var Phases = []string{PhaseScan, PhaseCluster, PhaseCalendar, PhaseFood, PhaseSuggestions, PhaseMaintenance}

const (
	visitWriteBatch   = 200
	suggestionBatch   = 64
	suggestionWorkers = 4
)

// Store is the persistence the coordinator drives.
type Store interface {
	UnvisitedPhotos(ctx context.Context) ([]model.Photo, error)
	CreateVisits(ctx context.Context, groups []db.VisitGroup) (int, error)
	VisitsNeedingCalendar(ctx context.Context) ([]model.Visit, error)
	UpdateVisitCalendar(ctx context.Context, matches []model.VisitCalendarMatch) error
	MarkCalendarChecked(ctx context.Context, visitIDs []string) error
	VisitsNeedingFood(ctx context.Context) ([]string, error)
	VisitsNeedingSuggestions(ctx context.Context) ([]model.Visit, error)
	ReplaceSuggestions(ctx context.Context, visitID string, links []model.SuggestedRestaurantLink, primaryID string) error
	ReferenceRestaurants(ctx context.Context) ([]model.RestaurantCandidate, error)
	Maintain(ctx context.Context) error
	InsertRun(ctx context.Context, run model.PipelineRun) error
	FinishRun(ctx context.Context, run model.PipelineRun, phaseErrors []string) error
}

// Scanner ingests new photos.
type Scanner interface {
	Run(ctx context.Context, rep progress.Reporter) (scan.Result, error)
}

// Clusterer groups unvisited photos.
type Clusterer interface {
	Cluster(ctx context.Context, photos []model.Photo) ([]cluster.Group, error)
}

// CalendarMatcher finds the calendar event behind each visit.
type CalendarMatcher interface {
	MatchBatch(ctx context.Context, visits []model.Visit) (map[string]model.VisitCalendarMatch, error)
}

// FoodDetector labels photos and flags food visits.
type FoodDetector interface {
	RunSampled(ctx context.Context, visitIDs []string, rep progress.Reporter) (food.Stats, error)
	RunExhaustive(ctx context.Context, rep progress.Reporter) (food.Stats, error)
}

// Locator ranks restaurants around a point.
type Locator interface {
	Resolve(ctx context.Context, lat, lon float64) (resolver.Result, error)
}

// Deps wires the coordinator. Store and Clusterer are required; a nil
// Scanner, Matcher, Food or Resolver skips the phase it drives.
type Deps struct {
	Store     Store
	Scanner   Scanner
	Clusterer Clusterer
	Matcher   CalendarMatcher
	Food      FoodDetector
	Resolver  Locator
	Cleaner   *calendar.Cleaner
	Reporter  progress.Reporter
	Log       *logrus.Entry
}

// PhaseError is the failure of one phase.
type PhaseError struct {
	Phase string
	Err   error
}

func (e PhaseError) Error() string {
	return e.Phase + ": " + e.Err.Error()
}

// Summary is the aggregate outcome of one run.
type Summary struct {
	RunID                    string
	VisitsCreated            int
	PhotosProcessed          int
	PhotosClassified         int
	FoodVisitsFound          int
	VisitsWithCalendarEvents int
	SuggestionsUpdated       int
	PhaseErrors              []PhaseError
}

// Coordinator runs the phases sequentially.
type Coordinator struct {
	Deps
	log *logrus.Entry

	// DeepScan classifies every unlabeled photo instead of sampling.
	DeepScan  bool
	MinSample time.Duration

	now   func() time.Time
	newID func() string
}

// New returns a coordinator over deps.
func New(deps Deps) *Coordinator {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Reporter == nil {
		deps.Reporter = progress.Discard
	}
	return &Coordinator{
		Deps:      deps,
		log:       deps.Log.WithField("component", "pipeline"),
		MinSample: progress.DefaultMinSample,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run executes every phase and returns partial counts. A phase failure is
// logged and recorded in the summary; later phases still run. Cancellation
// stops the run between phases.
func (c *Coordinator) Run(ctx context.Context) Summary {
	sum := Summary{RunID: c.newID()}
	run := model.PipelineRun{ID: sum.RunID, StartedAt: c.now()}
	if err := c.Store.InsertRun(ctx, run); err != nil {
		c.log.WithError(err).Warn("could not record pipeline run")
	}

	steps := []struct {
		phase string
		fn    func(context.Context, *Summary) error
	}{
		{PhaseScan, c.scanPhase},
		{PhaseCluster, c.clusterPhase},
		{PhaseCalendar, c.calendarPhase},
		{PhaseFood, c.foodPhase},
		{PhaseSuggestions, c.suggestionsPhase},
		{PhaseMaintenance, c.maintenancePhase},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			sum.PhaseErrors = append(sum.PhaseErrors, PhaseError{Phase: step.phase, Err: err})
			c.report(step.phase, progress.StateSkipped, "cancelled")
			continue
		}

		c.log.WithField("phase", step.phase).Debug("phase starting")
		err := step.fn(ctx, &sum)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrConfigurationMissing):
			c.log.WithField("phase", step.phase).WithError(err).Info("phase skipped, not configured")
			c.report(step.phase, progress.StateSkipped, "not configured")
		default:
			c.log.WithField("phase", step.phase).WithError(err).Warn("phase failed")
			sum.PhaseErrors = append(sum.PhaseErrors, PhaseError{Phase: step.phase, Err: err})
			c.report(step.phase, progress.StateFailed, err.Error())
		}
	}

	run.FinishedAt = c.now()
	run.VisitsCreated = sum.VisitsCreated
	run.PhotosProcessed = sum.PhotosProcessed
	run.FoodVisitsFound = sum.FoodVisitsFound
	run.VisitsWithCalendarEvents = sum.VisitsWithCalendarEvents

	failures := make([]string, len(sum.PhaseErrors))
	for i, pe := range sum.PhaseErrors {
		failures[i] = pe.Error()
	}
	if err := c.Store.FinishRun(context.WithoutCancel(ctx), run, failures); err != nil {
		c.log.WithError(err).Warn("could not finish pipeline run record")
	}

	c.log.WithFields(logrus.Fields{
		"run":      sum.RunID,
		"visits":   sum.VisitsCreated,
		"photos":   sum.PhotosProcessed,
		"food":     sum.FoodVisitsFound,
		"calendar": sum.VisitsWithCalendarEvents,
		"failed":   len(sum.PhaseErrors),
	}).Info("pipeline finished")
	return sum
}

func (c *Coordinator) report(phase string, state progress.State, detail string) {
	c.Reporter.Report(progress.Snapshot{Phase: phase, State: state, Detail: detail})
}

func (c *Coordinator) scanPhase(ctx context.Context, sum *Summary) error {
	if c.Scanner == nil {
		c.report(PhaseScan, progress.StateSkipped, "no photo library configured")
		return nil
	}
	res, err := c.Scanner.Run(ctx, c.Reporter)
	sum.PhotosProcessed += res.Inserted
	return err
}

func (c *Coordinator) clusterPhase(ctx context.Context, sum *Summary) error {
	photos, err := c.Store.UnvisitedPhotos(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unvisited photos: %w", err)
	}
	if len(photos) == 0 {
		c.report(PhaseCluster, progress.StateSkipped, "no unvisited photos")
		return nil
	}

	tracker := progress.NewTracker(PhaseCluster, c.MinSample)
	groups, clusterErr := c.Clusterer.Cluster(ctx, photos)

	// Groups closed before a cancellation are still written.
	writeCtx := context.WithoutCancel(ctx)
	created := 0
	for start := 0; start < len(groups); start += visitWriteBatch {
		end := min(start+visitWriteBatch, len(groups))
		batch := make([]db.VisitGroup, 0, end-start)
		for _, g := range groups[start:end] {
			batch = append(batch, db.VisitGroup{Visit: g.Visit(c.now()), PhotoIDs: g.PhotoIDs()})
		}
		n, err := c.Store.CreateVisits(writeCtx, batch)
		if err != nil {
			return errors.Join(clusterErr, fmt.Errorf("failed to create visits: %w", err))
		}
		created += n
		sum.VisitsCreated += n
		c.Reporter.Report(tracker.Snapshot(end, len(groups), created,
			fmt.Sprintf("%s of %s groups written", humanize.Comma(int64(end)), humanize.Comma(int64(len(groups))))))
	}

	c.Reporter.Report(tracker.Done(len(photos), created,
		fmt.Sprintf("%s photos, %s new visits", humanize.Comma(int64(len(photos))), humanize.Comma(int64(created)))))
	return clusterErr
}

func (c *Coordinator) calendarPhase(ctx context.Context, sum *Summary) error {
	if c.Matcher == nil {
		c.report(PhaseCalendar, progress.StateSkipped, "no calendar configured")
		return nil
	}
	visits, err := c.Store.VisitsNeedingCalendar(ctx)
	if err != nil {
		return fmt.Errorf("failed to load visits needing calendar: %w", err)
	}
	if len(visits) == 0 {
		c.report(PhaseCalendar, progress.StateSkipped, "no visits to enrich")
		return nil
	}

	tracker := progress.NewTracker(PhaseCalendar, c.MinSample)
	found, err := c.Matcher.MatchBatch(ctx, visits)
	if errors.Is(err, model.ErrPermissionDenied) {
		// Visits stay unchecked so a later run can retry once access is granted.
		c.log.WithError(err).WithField("visits", len(visits)).Warn("calendar access denied, skipping enrichment")
		c.report(PhaseCalendar, progress.StateSkipped, "calendar access denied")
		return nil
	}
	if err != nil {
		return err
	}

	matches := make([]model.VisitCalendarMatch, 0, len(found))
	var unmatched []string
	for _, v := range visits {
		if m, ok := found[v.ID]; ok {
			matches = append(matches, m)
		} else {
			unmatched = append(unmatched, v.ID)
		}
	}
	if err := c.Store.UpdateVisitCalendar(ctx, matches); err != nil {
		return fmt.Errorf("failed to store calendar matches: %w", err)
	}
	if err := c.Store.MarkCalendarChecked(ctx, unmatched); err != nil {
		return fmt.Errorf("failed to mark visits checked: %w", err)
	}

	sum.VisitsWithCalendarEvents += len(matches)
	c.Reporter.Report(tracker.Done(len(visits), len(matches),
		fmt.Sprintf("%s of %s visits matched an event", humanize.Comma(int64(len(matches))), humanize.Comma(int64(len(visits))))))
	return nil
}

func (c *Coordinator) foodPhase(ctx context.Context, sum *Summary) error {
	if c.Food == nil {
		c.report(PhaseFood, progress.StateSkipped, "no classifier configured")
		return nil
	}

	var stats food.Stats
	var err error
	if c.DeepScan {
		stats, err = c.Food.RunExhaustive(ctx, c.Reporter)
	} else {
		var ids []string
		ids, err = c.Store.VisitsNeedingFood(ctx)
		if err != nil {
			return fmt.Errorf("failed to load visits needing food detection: %w", err)
		}
		if len(ids) == 0 {
			c.report(PhaseFood, progress.StateSkipped, "no visits to check")
			return nil
		}
		stats, err = c.Food.RunSampled(ctx, ids, c.Reporter)
	}

	sum.PhotosClassified += stats.Processed
	sum.FoodVisitsFound += stats.FoodVisits
	if err == nil && stats.FailedChunks > 0 {
		err = fmt.Errorf("%d classifier batches failed: %w", stats.FailedChunks, model.ErrTransientIO)
	}
	return err
}

type resolved struct {
	visit model.Visit
	res   resolver.Result
	err   error
}

func (c *Coordinator) suggestionsPhase(ctx context.Context, sum *Summary) error {
	if c.Resolver == nil {
		c.report(PhaseSuggestions, progress.StateSkipped, "no restaurant source configured")
		return nil
	}
	visits, err := c.Store.VisitsNeedingSuggestions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load visits needing suggestions: %w", err)
	}
	if len(visits) == 0 {
		c.report(PhaseSuggestions, progress.StateSkipped, "suggestions up to date")
		return nil
	}

	tracker := progress.NewTracker(PhaseSuggestions, c.MinSample)
	var failed []error
	updated := 0

	for start := 0; start < len(visits); start += suggestionBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := visits[start:min(start+suggestionBatch, len(visits))]

		// Ranking is independent per visit; writes happen after the chunk.
		results := make([]resolved, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(suggestionWorkers)
		for i, v := range chunk {
			i, v := i, v
			g.Go(func() error {
				res, err := c.Resolver.Resolve(gctx, v.CenterLat, v.CenterLon)
				results[i] = resolved{visit: v, res: c.preferCalendarName(v, res), err: err}
				return nil
			})
		}
		// Workers never return an error; each keeps its own in results.
		_ = g.Wait()

		for _, r := range results {
			if r.err != nil {
				c.log.WithError(r.err).WithField("visit", r.visit.ID).Warn("could not resolve restaurants")
				failed = append(failed, r.err)
				continue
			}
			primary := ""
			if r.res.Primary != nil {
				primary = r.res.Primary.ID
			}
			if err := c.Store.ReplaceSuggestions(ctx, r.visit.ID, r.res.Links(r.visit.ID), primary); err != nil {
				return fmt.Errorf("failed to store suggestions: %w", err)
			}
			updated++
		}

		done := start + len(chunk)
		c.Reporter.Report(tracker.Snapshot(done, len(visits), updated,
			fmt.Sprintf("%s of %s visits ranked", humanize.Comma(int64(done)), humanize.Comma(int64(len(visits))))))
	}

	sum.SuggestionsUpdated += updated
	c.Reporter.Report(tracker.Done(len(visits), updated, fmt.Sprintf("%s visits ranked", humanize.Comma(int64(updated)))))
	if len(failed) > 0 {
		return fmt.Errorf("%d visits could not be resolved: %w", len(failed), failed[0])
	}
	return nil
}

// preferCalendarName promotes the candidate named by the visit's calendar
// event, if any.
func (c *Coordinator) preferCalendarName(v model.Visit, res resolver.Result) resolver.Result {
	if v.CalendarEventTitle == "" {
		return res
	}
	title := c.Cleaner.Clean(v.CalendarEventTitle)
	return resolver.PreferNamed(res, func(name string) bool {
		return calendar.IsFuzzyMatch(title, name)
	})
}

func (c *Coordinator) maintenancePhase(ctx context.Context, sum *Summary) error {
	if sum.PhotosProcessed == 0 && sum.VisitsCreated == 0 && sum.PhotosClassified == 0 && sum.SuggestionsUpdated == 0 {
		c.report(PhaseMaintenance, progress.StateSkipped, "nothing changed")
		return nil
	}
	tracker := progress.NewTracker(PhaseMaintenance, c.MinSample)
	if err := c.Store.Maintain(ctx); err != nil {
		return err
	}
	c.Reporter.Report(tracker.Done(1, 0, "database optimized"))
	return nil
}
