package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
	"plated/internal/progress"
)

func TestClassifyDevice(t *testing.T) {
	cases := []struct {
		name string
		info DeviceInfo
		want Tier
	}{
		{"1.5 GiB", DeviceInfo{MemoryBytes: 3 << 29}, TierLow},
		{"4 GiB", DeviceInfo{MemoryBytes: 4 << 30}, TierMedium},
		{"16 GiB", DeviceInfo{MemoryBytes: 16 << 30}, TierHigh},
		{"memory wins over age", DeviceInfo{MemoryBytes: 16 << 30, ModelYear: 2012}, TierHigh},
		{"old device", DeviceInfo{ModelYear: 2016}, TierLow},
		{"mid device", DeviceInfo{ModelYear: 2019}, TierMedium},
		{"new device", DeviceInfo{ModelYear: 2023}, TierHigh},
		{"unknown", DeviceInfo{}, TierMedium},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyDevice(c.info), c.name)
	}
}

func TestLowTierGetsSmallestSettings(t *testing.T) {
	low := ClassifyDevice(DeviceInfo{MemoryBytes: 1 << 30}).Settings()
	for tier, s := range TierTable {
		assert.LessOrEqual(t, low.BatchSize, s.BatchSize, tier)
		assert.LessOrEqual(t, low.Concurrency, s.Concurrency, tier)
	}
	assert.Equal(t, TierSettings{BatchSize: 50, Concurrency: 2}, low)
	assert.Equal(t, TierTable[TierMedium], Tier("bogus").Settings())
}

func TestParseMemTotal(t *testing.T) {
	n, ok := parseMemTotal(strings.NewReader("MemFree:  100 kB\nMemTotal:       16318412 kB\n"))
	require.True(t, ok)
	assert.Equal(t, uint64(16318412*1024), n)

	_, ok = parseMemTotal(strings.NewReader("nothing here\n"))
	assert.False(t, ok)
}

func touch(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestDirSourcePages(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		touch(t, root, fmt.Sprintf("2024/IMG_%04d.JPG", i))
	}
	touch(t, root, "2024/clip.mov")
	touch(t, root, "2024/notes.txt")

	src := NewDirSource(root)
	ctx := context.Background()

	first, err := src.List(ctx, "", 4)
	require.NoError(t, err)
	assert.Equal(t, 6, first.Total)
	require.Len(t, first.Assets, 4)
	assert.Equal(t, "4", first.Next)
	assert.Equal(t, model.MediaPhoto, first.Assets[0].MediaKind)

	second, err := src.List(ctx, first.Next, 4)
	require.NoError(t, err)
	require.Len(t, second.Assets, 2)
	assert.Empty(t, second.Next)

	var kinds []model.MediaKind
	for _, a := range second.Assets {
		kinds = append(kinds, a.MediaKind)
	}
	assert.Contains(t, kinds, model.MediaVideo)

	assert.Equal(t, AssetID("2024/IMG_0000.JPG"), first.Assets[0].ID)
}

func TestDirSourceMissingRoot(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).List(context.Background(), "", 10)
	assert.ErrorIs(t, err, model.ErrConfigurationMissing)

	_, err = NewDirSource("").List(context.Background(), "", 10)
	assert.ErrorIs(t, err, model.ErrConfigurationMissing)
}

func TestItemReaderFallsBackToFileTime(t *testing.T) {
	root := t.TempDir()
	path := touch(t, root, "a.jpg")
	mod := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mod, mod))

	photos, err := NewItemReader(2, nil).Read(context.Background(), []Asset{
		{ID: "a", URI: path, MediaKind: model.MediaPhoto},
		{ID: "gone", URI: filepath.Join(root, "gone.jpg"), MediaKind: model.MediaPhoto},
	})
	require.NoError(t, err)
	require.Len(t, photos, 1, "unreadable asset skipped")
	assert.True(t, photos[0].CreatedAt.Equal(mod))
	assert.False(t, photos[0].HasLocation())
}

func TestBulkReader(t *testing.T) {
	root := t.TempDir()
	indexed := touch(t, root, "IMG_1.HEIC")
	unindexed := touch(t, root, "IMG_2.jpg")
	mod := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(unindexed, mod, mod))

	index := filepath.Join(root, "index.json")
	require.NoError(t, os.WriteFile(index, []byte(`[
  {"SourceFile": "IMG_1.HEIC", "DateTimeOriginal": "2024:03:09 19:02:11", "GPSLatitude": 40.7614, "GPSLongitude": -73.9776}
]`), 0o644))

	reader := SelectReader(index, root, 2, nil)
	require.Equal(t, "bulk-index", reader.Name())

	photos, err := reader.Read(context.Background(), []Asset{
		{ID: "1", URI: indexed, MediaKind: model.MediaPhoto},
		{ID: "2", URI: unindexed, MediaKind: model.MediaPhoto},
	})
	require.NoError(t, err)
	require.Len(t, photos, 2)

	assert.Equal(t, "1", photos[0].ID)
	assert.Equal(t, 19, photos[0].CreatedAt.Hour())
	require.True(t, photos[0].HasLocation())
	assert.InDelta(t, 40.7614, *photos[0].Lat, 1e-9)

	assert.Equal(t, "2", photos[1].ID, "fallback reader covers the rest")
	assert.True(t, photos[1].CreatedAt.Equal(mod))
}

func TestSelectReaderWithoutIndex(t *testing.T) {
	assert.Equal(t, "per-item", SelectReader("", "/", 2, nil).Name())
	assert.Equal(t, "per-item", SelectReader("/nonexistent/index.json", "/", 2, nil).Name())
}

type fakeStore struct {
	photos  map[string]model.Photo
	inserts int
}

func (s *fakeStore) ExistingPhotoIDs(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if _, ok := s.photos[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *fakeStore) InsertPhotos(_ context.Context, photos []model.Photo) (int, error) {
	s.inserts++
	n := 0
	for _, p := range photos {
		if _, ok := s.photos[p.ID]; !ok {
			s.photos[p.ID] = p
			n++
		}
	}
	return n, nil
}

type sliceSource struct {
	assets []Asset
	pages  int
	onPage func(n int)
}

func (s *sliceSource) List(_ context.Context, cursor string, limit int) (Page, error) {
	s.pages++
	if s.onPage != nil {
		s.onPage(s.pages)
	}
	start := 0
	if cursor != "" {
		fmt.Sscan(cursor, &start)
	}
	end := min(start+limit, len(s.assets))
	p := Page{Assets: s.assets[start:end], Total: len(s.assets)}
	if end < len(s.assets) {
		p.Next = fmt.Sprint(end)
	}
	return p, nil
}

type stampReader struct{ reads int }

func (r *stampReader) Name() string { return "stamp" }

func (r *stampReader) Read(_ context.Context, assets []Asset) ([]model.Photo, error) {
	r.reads += len(assets)
	var out []model.Photo
	for _, a := range assets {
		if strings.HasPrefix(a.ID, "broken") {
			continue
		}
		out = append(out, model.Photo{ID: a.ID, URI: a.URI, CreatedAt: time.Unix(1700000000, 0), MediaKind: a.MediaKind})
	}
	return out, nil
}

func assetsN(prefix string, n int) []Asset {
	out := make([]Asset, n)
	for i := range out {
		out[i] = Asset{ID: fmt.Sprintf("%s%d", prefix, i), MediaKind: model.MediaPhoto}
	}
	return out
}

func TestScannerInsertsPageByPage(t *testing.T) {
	src := &sliceSource{assets: append(assetsN("p", 120), assetsN("broken", 3)...)}
	store := &fakeStore{photos: map[string]model.Photo{"p0": {ID: "p0"}}}
	reader := &stampReader{}

	var snaps []progress.Snapshot
	s := NewScanner(src, reader, store, TierSettings{BatchSize: 50, Concurrency: 2}, nil)
	res, err := s.Run(context.Background(), progress.ReporterFunc(func(sn progress.Snapshot) { snaps = append(snaps, sn) }))
	require.NoError(t, err)

	assert.Equal(t, 123, res.Listed)
	assert.Equal(t, 119, res.Inserted)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 122, reader.reads, "known photo not re-read")
	assert.Equal(t, 3, store.inserts)

	require.Len(t, snaps, 4)
	assert.Equal(t, 50, snaps[0].Processed)
	assert.Equal(t, 123, snaps[0].Total)
	assert.Equal(t, progress.StateDone, snaps[3].State)

	again, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
}

func TestScannerStopsBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &sliceSource{assets: assetsN("p", 200), onPage: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	store := &fakeStore{photos: map[string]model.Photo{}}

	res, err := NewScanner(src, &stampReader{}, store, TierSettings{BatchSize: 50, Concurrency: 1}, nil).Run(ctx, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 100, res.Inserted, "pages already listed are kept")
	assert.Len(t, store.photos, 100)
}
