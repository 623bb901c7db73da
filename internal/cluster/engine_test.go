package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
)

var base = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

func photoAt(id string, offset time.Duration, lat, lon float64) model.Photo {
	return model.Photo{ID: id, CreatedAt: base.Add(offset), Lat: &lat, Lon: &lon, MediaKind: model.MediaPhoto}
}

func TestClusterScenarioGapStartsNewVisit(t *testing.T) {
	photos := []model.Photo{
		photoAt("a", 0, 40.7614, -73.9776),
		photoAt("b", 5*time.Minute, 40.7616, -73.9778),
		photoAt("c", 10*time.Minute, 40.7613, -73.9774),
		photoAt("d", 3*time.Hour, 40.7614, -73.9776),
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 1, "the 13:00 photo is a singleton and is discarded")

	g := groups[0]
	assert.Equal(t, []string{"a", "b", "c"}, g.PhotoIDs())
	assert.Equal(t, base, g.Start)
	assert.Equal(t, base.Add(10*time.Minute), g.End)
	assert.InDelta(t, 40.76143, g.CenterLat, 1e-4)
}

func TestClusterScenarioFourthPhotoWithCompanion(t *testing.T) {
	photos := []model.Photo{
		photoAt("a", 0, 40.7614, -73.9776),
		photoAt("b", 5*time.Minute, 40.7614, -73.9776),
		photoAt("c", 10*time.Minute, 40.7614, -73.9776),
		photoAt("d", 3*time.Hour, 40.7614, -73.9776),
		photoAt("e", 3*time.Hour+time.Minute, 40.7614, -73.9776),
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"d", "e"}, groups[1].PhotoIDs())
	assert.NotEqual(t, groups[0].ID, groups[1].ID)
}

func TestClusterComparesWithPreviousPhotoNotAnchor(t *testing.T) {
	// Each hop is ~150 m, the chain drifts ~600 m from the first photo.
	var photos []model.Photo
	for i := 0; i < 5; i++ {
		photos = append(photos, photoAt(fmt.Sprint(i), time.Duration(i)*10*time.Minute, 40.0+float64(i)*0.00135, -74.0))
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Photos, 5)
}

func TestClusterDistanceSplits(t *testing.T) {
	photos := []model.Photo{
		photoAt("a", 0, 40.0, -74.0),
		photoAt("b", time.Minute, 40.0, -74.0),
		photoAt("c", 2*time.Minute, 40.01, -74.0), // ~1.1 km away
		photoAt("d", 3*time.Minute, 40.01, -74.0),
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 2)
}

func TestClusterPhotosWithoutLocation(t *testing.T) {
	noLoc := model.Photo{ID: "x", CreatedAt: base.Add(2 * time.Minute)}
	photos := []model.Photo{
		photoAt("a", 0, 40.0, -74.0),
		noLoc,
		photoAt("b", 4*time.Minute, 40.0002, -74.0),
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Photos, 3, "unlocated photo still counts")
	assert.InDelta(t, 40.0001, groups[0].CenterLat, 1e-9, "centroid ignores unlocated photo")

	onlyUnlocated := []model.Photo{
		{ID: "p", CreatedAt: base},
		{ID: "q", CreatedAt: base.Add(time.Minute)},
	}
	groups, err = NewEngine().Cluster(context.Background(), onlyUnlocated)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestClusterUnlocatedPhotoDoesNotBridgePlaces(t *testing.T) {
	photos := []model.Photo{
		photoAt("a", 0, 40.7614, -73.9776),
		photoAt("a2", 5*time.Minute, 40.7615, -73.9776),
		{ID: "x", CreatedAt: base.Add(10 * time.Minute)},
		photoAt("b", 20*time.Minute, 40.3573, -74.6672), // Princeton, ~70 km away
		photoAt("b2", 25*time.Minute, 40.3574, -74.6672),
	}

	groups, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "a2", "x"}, groups[0].PhotoIDs())
	assert.Equal(t, []string{"b", "b2"}, groups[1].PhotoIDs())
	assert.InDelta(t, 40.76145, groups[0].CenterLat, 1e-4)
	assert.InDelta(t, 40.35735, groups[1].CenterLat, 1e-4)
}

func TestClusterEmptyAndSingleton(t *testing.T) {
	groups, err := NewEngine().Cluster(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, groups)

	groups, err = NewEngine().Cluster(context.Background(), []model.Photo{photoAt("a", 0, 1, 1)})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestClusterRandomSequencesHoldInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := NewEngine()
	engine.YieldEvery = 7

	for round := 0; round < 50; round++ {
		n := rng.Intn(300)
		photos := make([]model.Photo, n)
		offset := time.Duration(0)
		for i := range photos {
			offset += time.Duration(rng.Intn(180)) * time.Minute
			lat := 40 + rng.Float64()*0.01
			lon := -74 + rng.Float64()*0.01
			photos[i] = photoAt(fmt.Sprintf("%d-%d", round, i), offset, lat, lon)
			if rng.Intn(10) == 0 {
				photos[i].Lat, photos[i].Lon = nil, nil
			}
		}
		sort.SliceStable(photos, func(i, j int) bool { return photos[i].CreatedAt.Before(photos[j].CreatedAt) })

		groups, err := engine.Cluster(context.Background(), photos)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, g := range groups {
			require.GreaterOrEqual(t, len(g.Photos), MinGroupSize)
			require.False(t, g.End.Before(g.Start))
			for _, p := range g.Photos {
				require.False(t, seen[p.ID], "photo in two groups")
				seen[p.ID] = true
			}
		}
	}
}

func TestClusterIsDeterministic(t *testing.T) {
	photos := []model.Photo{
		photoAt("a", 0, 51.5072, -0.1276),
		photoAt("b", 20*time.Minute, 51.5073, -0.1277),
	}
	first, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	second, err := NewEngine().Cluster(context.Background(), photos)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestClusterStopsOnCancel(t *testing.T) {
	var photos []model.Photo
	for i := 0; i < 2000; i++ {
		photos = append(photos, photoAt(fmt.Sprint(i), time.Duration(i)*time.Minute, 40, -74))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine()
	engine.YieldEvery = 100
	_, err := engine.Cluster(ctx, photos)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVisitIDRounding(t *testing.T) {
	a := VisitID(time.Date(2024, 1, 1, 19, 10, 0, 0, time.UTC), 40.76141, -73.97762)
	b := VisitID(time.Date(2024, 1, 1, 19, 20, 0, 0, time.UTC), 40.76138, -73.97758)
	c := VisitID(time.Date(2024, 1, 1, 19, 40, 0, 0, time.UTC), 40.76141, -73.97762)
	d := VisitID(time.Date(2024, 1, 1, 19, 10, 0, 0, time.UTC), 40.7634, -73.97762)

	assert.Equal(t, a, b, "same hour and ~100m cell")
	assert.NotEqual(t, a, c, "rounds to the next hour")
	assert.NotEqual(t, a, d, "different 100m cell")
	assert.Len(t, a, 18)
	assert.Equal(t, VisitID(base, -0.0001, 0.0001), VisitID(base, 0.0001, -0.0001))
}

func TestGroupVisit(t *testing.T) {
	g := Group{ID: "v_1", Photos: make([]model.Photo, 3), Start: base, End: base.Add(time.Hour), CenterLat: 1, CenterLon: 2}
	v := g.Visit(base)
	assert.Equal(t, model.VisitPending, v.Status)
	assert.Equal(t, 3, v.PhotoCount)
	assert.Equal(t, base.Add(30*time.Minute), v.Midpoint())
}
