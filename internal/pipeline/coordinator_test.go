package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/cluster"
	"plated/internal/db"
	"plated/internal/food"
	"plated/internal/model"
	"plated/internal/progress"
	"plated/internal/resolver"
	"plated/internal/scan"
)

var evening = time.Date(2024, 3, 9, 19, 0, 0, 0, time.UTC)

func fp(f float64) *float64 { return &f }

type memStore struct {
	mu          sync.Mutex
	photos      []model.Photo
	visits      map[string]model.Visit
	checked     map[string]bool
	suggestions map[string][]model.SuggestedRestaurantLink
	primary     map[string]string
	reference   []model.RestaurantCandidate
	runs        map[string]model.PipelineRun
	runErrors   []string
	maintained  int
}

func newMemStore() *memStore {
	return &memStore{
		visits:      map[string]model.Visit{},
		checked:     map[string]bool{},
		suggestions: map[string][]model.SuggestedRestaurantLink{},
		primary:     map[string]string{},
		runs:        map[string]model.PipelineRun{},
	}
}

func (s *memStore) UnvisitedPhotos(context.Context) ([]model.Photo, error) {
	var out []model.Photo
	for _, p := range s.photos {
		if p.VisitID == "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) CreateVisits(_ context.Context, groups []db.VisitGroup) (int, error) {
	n := 0
	for _, g := range groups {
		if _, ok := s.visits[g.Visit.ID]; !ok {
			s.visits[g.Visit.ID] = g.Visit
			n++
		}
		for _, id := range g.PhotoIDs {
			for i := range s.photos {
				if s.photos[i].ID == id && s.photos[i].VisitID == "" {
					s.photos[i].VisitID = g.Visit.ID
				}
			}
		}
	}
	return n, nil
}

func (s *memStore) VisitsNeedingCalendar(context.Context) ([]model.Visit, error) {
	var out []model.Visit
	for _, v := range s.sortedVisits() {
		if !s.checked[v.ID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) UpdateVisitCalendar(_ context.Context, matches []model.VisitCalendarMatch) error {
	for _, m := range matches {
		v := s.visits[m.VisitID]
		v.CalendarEventID = m.Event.ID
		v.CalendarEventTitle = m.Event.Title
		s.visits[m.VisitID] = v
		s.checked[m.VisitID] = true
	}
	return nil
}

func (s *memStore) MarkCalendarChecked(_ context.Context, ids []string) error {
	for _, id := range ids {
		s.checked[id] = true
	}
	return nil
}

func (s *memStore) VisitsNeedingFood(context.Context) ([]string, error) {
	var out []string
	for _, v := range s.sortedVisits() {
		if v.FoodProbable == nil {
			out = append(out, v.ID)
		}
	}
	return out, nil
}

func (s *memStore) VisitsNeedingSuggestions(context.Context) ([]model.Visit, error) {
	var out []model.Visit
	for _, v := range s.sortedVisits() {
		if _, done := s.suggestions[v.ID]; !done && v.Status == model.VisitPending {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) ReplaceSuggestions(_ context.Context, visitID string, links []model.SuggestedRestaurantLink, primaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions[visitID] = links
	s.primary[visitID] = primaryID
	return nil
}

func (s *memStore) ReferenceRestaurants(context.Context) ([]model.RestaurantCandidate, error) {
	return s.reference, nil
}

func (s *memStore) Maintain(context.Context) error {
	s.maintained++
	return nil
}

func (s *memStore) InsertRun(_ context.Context, run model.PipelineRun) error {
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) FinishRun(_ context.Context, run model.PipelineRun, phaseErrors []string) error {
	s.runs[run.ID] = run
	s.runErrors = phaseErrors
	return nil
}

func (s *memStore) sortedVisits() []model.Visit {
	out := make([]model.Visit, 0, len(s.visits))
	for _, v := range s.visits {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

type fakeScanner struct {
	store *memStore
	add   []model.Photo
	err   error
}

func (f *fakeScanner) Run(_ context.Context, rep progress.Reporter) (scan.Result, error) {
	if f.err != nil {
		return scan.Result{}, f.err
	}
	f.store.photos = append(f.store.photos, f.add...)
	n := len(f.add)
	f.add = nil
	rep.Report(progress.Snapshot{Phase: scan.Phase, State: progress.StateDone, Processed: n})
	return scan.Result{Listed: n, Inserted: n}, nil
}

type fakeMatcher struct {
	title string
	err   error
	calls int
}

func (f *fakeMatcher) MatchBatch(_ context.Context, visits []model.Visit) (map[string]model.VisitCalendarMatch, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]model.VisitCalendarMatch{}
	v := visits[0]
	out[v.ID] = model.VisitCalendarMatch{VisitID: v.ID, Event: model.CalendarEventInfo{ID: "evt", Title: f.title, Start: v.Start, End: v.End}}
	return out, nil
}

type fakeFood struct {
	sampled, exhaustive int
	ids                 []string
	err                 error
}

func (f *fakeFood) RunSampled(_ context.Context, ids []string, rep progress.Reporter) (food.Stats, error) {
	f.sampled++
	f.ids = ids
	rep.Report(progress.Snapshot{Phase: food.PhaseSampled, State: progress.StateDone})
	return food.Stats{Processed: 2, Found: 1, FoodVisits: 1, VisitIDs: ids}, f.err
}

func (f *fakeFood) RunExhaustive(_ context.Context, rep progress.Reporter) (food.Stats, error) {
	f.exhaustive++
	rep.Report(progress.Snapshot{Phase: food.PhaseExhaustive, State: progress.StateDone})
	return food.Stats{Processed: 5}, f.err
}

type fakeLocator struct{ err error }

func (f fakeLocator) Resolve(_ context.Context, lat, lon float64) (resolver.Result, error) {
	if f.err != nil {
		return resolver.Result{}, f.err
	}
	near := model.RestaurantCandidate{ID: "pizza", Name: "Joe's Pizza", Lat: lat, Lon: lon, Distance: 30}
	far := model.RestaurantCandidate{ID: "carbone", Name: "Carbone", Lat: lat, Lon: lon, Distance: 150}
	return resolver.Result{Candidates: []model.RestaurantCandidate{near, far}, Primary: &near}, nil
}

type snapshots struct {
	mu  sync.Mutex
	all []progress.Snapshot
}

func (r *snapshots) Report(s progress.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, s)
}

func (r *snapshots) states() map[string]progress.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]progress.State{}
	for _, s := range r.all {
		out[s.Phase] = s.State
	}
	return out
}

// twoDinners is two visits: three photos at 19:00 and two the next evening.
func twoDinners() []model.Photo {
	at := func(id string, d time.Duration) model.Photo {
		return model.Photo{ID: id, CreatedAt: evening.Add(d), Lat: fp(40.7279), Lon: fp(-74.0004), MediaKind: model.MediaPhoto}
	}
	return []model.Photo{
		at("a", 0), at("b", 5*time.Minute), at("c", 10*time.Minute),
		at("d", 24*time.Hour), at("e", 24*time.Hour+20*time.Minute),
	}
}

func newCoordinator(deps Deps) *Coordinator {
	if deps.Clusterer == nil {
		deps.Clusterer = cluster.NewEngine()
	}
	c := New(deps)
	c.now = func() time.Time { return evening.Add(72 * time.Hour) }
	c.newID = func() string { return "run-1" }
	c.MinSample = 0
	return c
}

func TestRunAllPhases(t *testing.T) {
	store := newMemStore()
	matcher := &fakeMatcher{title: "Reservation at Carbone - 2 people"}
	detector := &fakeFood{}
	rep := &snapshots{}

	c := newCoordinator(Deps{
		Store:    store,
		Scanner:  &fakeScanner{store: store, add: twoDinners()},
		Matcher:  matcher,
		Food:     detector,
		Resolver: fakeLocator{},
		Reporter: rep,
	})
	sum := c.Run(context.Background())

	assert.Equal(t, "run-1", sum.RunID)
	assert.Empty(t, sum.PhaseErrors)
	assert.Equal(t, 5, sum.PhotosProcessed)
	assert.Equal(t, 2, sum.VisitsCreated)
	assert.Equal(t, 1, sum.VisitsWithCalendarEvents)
	assert.Equal(t, 1, sum.FoodVisitsFound)
	assert.Equal(t, 2, sum.SuggestionsUpdated)

	assert.Len(t, detector.ids, 2)
	assert.Equal(t, 1, store.maintained)

	first := store.sortedVisits()[0]
	assert.Equal(t, "carbone", store.primary[first.ID], "calendar name beats the nearer candidate")
	assert.Equal(t, "carbone", store.suggestions[first.ID][0].RestaurantID)
	second := store.sortedVisits()[1]
	assert.Equal(t, "pizza", store.primary[second.ID])

	run := store.runs["run-1"]
	assert.Equal(t, 2, run.VisitsCreated)
	assert.False(t, run.FinishedAt.IsZero())

	states := rep.states()
	for _, phase := range Phases {
		assert.Equal(t, progress.StateDone, states[phase], phase)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.photos = twoDinners()
	c := newCoordinator(Deps{Store: store, Resolver: fakeLocator{}})

	first := c.Run(context.Background())
	require.Equal(t, 2, first.VisitsCreated)

	again := c.Run(context.Background())
	assert.Zero(t, again.VisitsCreated)
	assert.Zero(t, again.SuggestionsUpdated)
	assert.Equal(t, 1, store.maintained, "nothing changed, no maintenance")
}

func TestPhaseFailuresDoNotStopTheRun(t *testing.T) {
	store := newMemStore()
	store.photos = twoDinners()
	logger, hook := test.NewNullLogger()

	c := newCoordinator(Deps{
		Store:    store,
		Scanner:  &fakeScanner{store: store, err: model.ErrPermissionDenied},
		Matcher:  &fakeMatcher{err: model.ErrPermissionDenied},
		Food:     &fakeFood{err: model.ErrConfigurationMissing},
		Resolver: fakeLocator{err: errors.New("index corrupt")},
		Log:      logrus.NewEntry(logger),
	})
	sum := c.Run(context.Background())

	assert.Equal(t, 2, sum.VisitsCreated, "cluster still runs after scan fails")

	var failed []string
	for _, pe := range sum.PhaseErrors {
		failed = append(failed, pe.Phase)
	}
	assert.Equal(t, []string{PhaseScan, PhaseSuggestions}, failed, "missing classifier and denied calendar are not failures")
	assert.ErrorIs(t, sum.PhaseErrors[0].Err, model.ErrPermissionDenied)
	assert.Len(t, store.runErrors, 2)

	needing, _ := store.VisitsNeedingCalendar(context.Background())
	assert.Len(t, needing, 2, "denied calendar leaves visits for next run")

	warned := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned++
		}
	}
	assert.GreaterOrEqual(t, warned, 3)
}

func TestDeniedCalendarIsSkipped(t *testing.T) {
	store := newMemStore()
	store.photos = twoDinners()
	rep := &snapshots{}
	matcher := &fakeMatcher{err: model.ErrPermissionDenied}

	c := newCoordinator(Deps{Store: store, Matcher: matcher, Food: &fakeFood{}, Resolver: fakeLocator{}, Reporter: rep})
	sum := c.Run(context.Background())

	assert.Empty(t, sum.PhaseErrors)
	assert.Empty(t, store.runErrors)
	assert.Equal(t, 1, matcher.calls)
	assert.Zero(t, sum.VisitsWithCalendarEvents)
	assert.Equal(t, progress.StateSkipped, rep.states()[PhaseCalendar])

	needing, err := store.VisitsNeedingCalendar(context.Background())
	require.NoError(t, err)
	assert.Len(t, needing, 2, "visits stay unchecked for the next run")
}

func TestEmptyRunSkipsEverything(t *testing.T) {
	store := newMemStore()
	rep := &snapshots{}
	detector := &fakeFood{}
	c := newCoordinator(Deps{Store: store, Matcher: &fakeMatcher{}, Food: detector, Resolver: fakeLocator{}, Reporter: rep})

	sum := c.Run(context.Background())
	assert.Empty(t, sum.PhaseErrors)
	assert.Zero(t, detector.sampled)
	for _, phase := range Phases {
		assert.Equal(t, progress.StateSkipped, rep.states()[phase], phase)
	}
}

func TestDeepScanRunsExhaustive(t *testing.T) {
	store := newMemStore()
	detector := &fakeFood{}
	c := newCoordinator(Deps{Store: store, Food: detector})
	c.DeepScan = true

	sum := c.Run(context.Background())
	assert.Equal(t, 1, detector.exhaustive)
	assert.Zero(t, detector.sampled)
	assert.Equal(t, 5, sum.PhotosClassified)
	assert.Equal(t, 1, store.maintained)
}

func TestCancelledRunStillRecorded(t *testing.T) {
	store := newMemStore()
	store.photos = twoDinners()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := newCoordinator(Deps{Store: store}).Run(ctx)
	assert.Len(t, sum.PhaseErrors, len(Phases))
	assert.ErrorIs(t, sum.PhaseErrors[0].Err, context.Canceled)
	assert.Zero(t, sum.VisitsCreated)
	assert.Contains(t, store.runs, "run-1")
	assert.Len(t, store.runErrors, len(Phases))
}
