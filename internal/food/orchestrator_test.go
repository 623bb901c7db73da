package food

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
	"plated/internal/progress"
)

type fakeStore struct {
	mu         sync.Mutex
	photos     []model.Photo
	labels     map[string]model.FoodLabel
	recomputed [][]string
	failUpdate bool
}

func newFakeStore(photos []model.Photo) *fakeStore {
	return &fakeStore{photos: photos, labels: map[string]model.FoodLabel{}}
}

func (s *fakeStore) PhotosWithoutFoodLabels(_ context.Context, visitIDs []string) ([]model.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range visitIDs {
		want[id] = true
	}
	var out []model.Photo
	for _, p := range s.photos {
		if _, done := s.labels[p.ID]; done {
			continue
		}
		if visitIDs != nil && !want[p.VisitID] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) UpdatePhotoLabels(_ context.Context, updates []model.PhotoLabelUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return errors.New("database is locked")
	}
	for _, u := range updates {
		s.labels[u.PhotoID] = u.Label
	}
	return nil
}

func (s *fakeStore) RecomputeVisitFood(_ context.Context, visitIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputed = append(s.recomputed, visitIDs)
	n := 0
	for _, v := range visitIDs {
		for _, p := range s.photos {
			if p.VisitID == v && s.labels[p.ID].IsFood {
				n++
				break
			}
		}
	}
	return n, nil
}

// prefixClassifier calls ids starting with "food" food and omits ids
// starting with "gone".
type prefixClassifier struct {
	calls   int
	failOn  int
	onCall  func(call int)
	batches [][]Item
}

func (c *prefixClassifier) Classify(_ context.Context, items []Item, _ float64) ([]Result, error) {
	c.calls++
	c.batches = append(c.batches, items)
	if c.onCall != nil {
		c.onCall(c.calls)
	}
	if c.failOn == c.calls {
		return nil, fmt.Errorf("classifier unavailable: %w", model.ErrTransientIO)
	}
	var out []Result
	for _, it := range items {
		switch {
		case strings.HasPrefix(it.ID, "gone"):
		case strings.HasPrefix(it.ID, "food"):
			out = append(out, Result{ID: it.ID, IsFood: true, Labels: []string{"dish"}, Confidence: 0.9})
		default:
			out = append(out, Result{ID: it.ID, Confidence: 0.1})
		}
	}
	return out, nil
}

func photos(visitID, prefix string, n int) []model.Photo {
	out := make([]model.Photo, n)
	for i := range out {
		out[i] = model.Photo{ID: fmt.Sprintf("%s-%s-%d", prefix, visitID, i), URI: "/tmp/x.jpg", VisitID: visitID, MediaKind: model.MediaPhoto}
	}
	return out
}

func collect() (*[]progress.Snapshot, progress.Reporter) {
	var snaps []progress.Snapshot
	return &snaps, progress.ReporterFunc(func(s progress.Snapshot) { snaps = append(snaps, s) })
}

func TestRunExhaustiveLabelsEverything(t *testing.T) {
	var all []model.Photo
	all = append(all, photos("v1", "food", 5)...)
	all = append(all, photos("v1", "plain", 10)...)
	all = append(all, photos("v2", "plain", 20)...)
	all = append(all, photos("v3", "gone", 10)...)
	store := newFakeStore(all)
	cls := &prefixClassifier{}

	o := NewOrchestrator(store, cls, nil)
	snaps, rep := collect()
	stats, err := o.RunExhaustive(context.Background(), rep)
	require.NoError(t, err)

	assert.Equal(t, 45, stats.Processed)
	assert.Equal(t, 5, stats.Found)
	assert.Equal(t, 3, cls.calls)
	assert.Len(t, store.labels, 45, "omitted ids are stored as checked")
	assert.False(t, store.labels["gone-v3-0"].IsFood)

	require.Len(t, store.recomputed, 1)
	assert.Equal(t, []string{"v1", "v2", "v3"}, store.recomputed[0])
	assert.Equal(t, 1, stats.FoodVisits)

	require.Len(t, *snaps, 4, "one per chunk plus done")
	assert.Equal(t, PhaseExhaustive, (*snaps)[0].Phase)
	assert.Equal(t, 20, (*snaps)[0].Processed)
	assert.Equal(t, 45, (*snaps)[0].Total)
	assert.Equal(t, progress.StateDone, (*snaps)[3].State)
}

func TestRunIsResumable(t *testing.T) {
	store := newFakeStore(photos("v1", "food", 30))
	cls := &prefixClassifier{}
	o := NewOrchestrator(store, cls, nil)

	_, err := o.RunExhaustive(context.Background(), nil)
	require.NoError(t, err)
	calls := cls.calls

	stats, err := o.RunExhaustive(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, calls, cls.calls, "labeled photos are never resent")
}

func TestFailedChunkIsSkipped(t *testing.T) {
	store := newFakeStore(photos("v1", "plain", 60))
	cls := &prefixClassifier{failOn: 2}
	o := NewOrchestrator(store, cls, nil)

	stats, err := o.RunExhaustive(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cls.calls)
	assert.Equal(t, 1, stats.FailedChunks)
	assert.Equal(t, 40, stats.Processed, "failed chunk is not counted as processed")
	assert.Equal(t, 20, stats.Skipped)
	assert.Len(t, store.labels, 40)

	remaining, err := store.PhotosWithoutFoodLabels(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, remaining, 20, "failed chunk retried next run")
}

func TestStoreFailureIsIsolated(t *testing.T) {
	store := newFakeStore(photos("v1", "food", 10))
	store.failUpdate = true
	o := NewOrchestrator(store, &prefixClassifier{}, nil)

	stats, err := o.RunExhaustive(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedChunks)
	assert.Zero(t, stats.Found)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, 10, stats.Skipped)
}

func TestCancellationStopsAtChunkBoundary(t *testing.T) {
	store := newFakeStore(photos("v1", "food", 100))
	ctx, cancel := context.WithCancel(context.Background())
	cls := &prefixClassifier{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	o := NewOrchestrator(store, cls, nil)

	stats, err := o.RunExhaustive(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, cls.calls)
	assert.Equal(t, 40, stats.Processed, "the in-flight chunk completes")
	assert.Len(t, store.labels, 40)
	require.Len(t, store.recomputed, 1, "flags recomputed for what was flushed")
	assert.Equal(t, 1, stats.FoodVisits)
}

func TestRunSampled(t *testing.T) {
	var all []model.Photo
	all = append(all, photos("v1", "food", 10)...)
	all = append(all, photos("v2", "plain", 3)...)
	all = append(all, photos("v3", "plain", 5)...)
	store := newFakeStore(all)
	cls := &prefixClassifier{}
	o := NewOrchestrator(store, cls, nil)

	stats, err := o.RunSampled(context.Background(), []string{"v1", "v2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Processed, "3 of 10 plus 1 of 3")
	assert.Equal(t, 3, stats.Found)
	assert.Equal(t, []string{"v1", "v2"}, store.recomputed[0])
	assert.Equal(t, 1, stats.FoodVisits)

	none, err := o.RunSampled(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, none.Processed)
}

func TestThresholdIsEnforced(t *testing.T) {
	store := newFakeStore(photos("v1", "maybe", 1))
	cls := classifierFunc(func(items []Item) []Result {
		return []Result{{ID: items[0].ID, IsFood: true, Confidence: 0.4}}
	})
	o := NewOrchestrator(store, cls, nil)

	stats, err := o.RunExhaustive(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Found)
	assert.False(t, store.labels["maybe-v1-0"].IsFood)
	assert.InDelta(t, 0.4, store.labels["maybe-v1-0"].Confidence, 1e-9)
}

func TestMissingClassifierStopsEarly(t *testing.T) {
	store := newFakeStore(photos("v1", "food", 50))
	o := NewOrchestrator(store, NewHTTPClassifier("", 1, nil), nil)

	stats, err := o.RunExhaustive(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrConfigurationMissing)
	assert.Zero(t, stats.Processed)
	assert.Empty(t, store.labels)
}

func TestSample(t *testing.T) {
	all := append(photos("a", "p", 10), photos("b", "p", 3)...)
	got := Sample(all, 30)

	var ids []string
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p-a-0", "p-a-3", "p-a-6", "p-b-0"}, ids)
	assert.Len(t, Sample(all, 100), 13)
	assert.Len(t, Sample(all, 0), 2, "at least one per visit")
}

type classifierFunc func([]Item) []Result

func (f classifierFunc) Classify(_ context.Context, items []Item, _ float64) ([]Result, error) {
	return f(items), nil
}
