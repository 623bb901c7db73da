package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"plated/internal/media"
	"plated/internal/model"
)

// MetadataReader turns listed assets into photos. Assets whose metadata
// cannot be read are logged and left out.
type MetadataReader interface {
	Name() string
	Read(ctx context.Context, assets []Asset) ([]model.Photo, error)
}

// ItemReader opens each file and decodes its EXIF block, Concurrency files
// at a time.
type ItemReader struct {
	Concurrency int
	log         *logrus.Entry
}

// NewItemReader returns a per-file reader.
func NewItemReader(concurrency int, log *logrus.Entry) *ItemReader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ItemReader{Concurrency: concurrency, log: log}
}

// Name identifies the strategy in logs.
func (r *ItemReader) Name() string { return "per-item" }

// Read decodes every asset. Output order follows input order.
func (r *ItemReader) Read(ctx context.Context, assets []Asset) ([]model.Photo, error) {
	slots := make([]*model.Photo, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Concurrency, 1))
	for i, a := range assets {
		i, a := i, a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, ok := r.readOne(a)
			if ok {
				slots[i] = &p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return compact(slots), nil
}

// readOne falls back to the file's modification time when the file has no
// usable capture time. Only an unreadable file is skipped.
func (r *ItemReader) readOne(a Asset) (model.Photo, bool) {
	p := model.Photo{ID: a.ID, URI: a.URI, MediaKind: a.MediaKind, CreatedAt: a.ModTime}

	if p.CreatedAt.IsZero() {
		info, err := os.Stat(a.URI)
		if err != nil {
			r.log.WithError(err).WithField("uri", a.URI).Warn("skipping unreadable asset")
			return model.Photo{}, false
		}
		p.CreatedAt = info.ModTime()
	}
	if a.MediaKind != model.MediaPhoto {
		return p, true
	}

	md, err := media.ReadMetadata(a.URI)
	if !md.TakenAt.IsZero() {
		p.CreatedAt = md.TakenAt
	}
	p.Lat, p.Lon = md.Lat, md.Lon
	if err != nil {
		r.log.WithError(err).WithField("uri", a.URI).Debug("no EXIF capture time, using file time")
	}
	return p, true
}

// exiftoolEntry is one object of `exiftool -json -n` output.
type exiftoolEntry struct {
	SourceFile       string   `json:"SourceFile"`
	DateTimeOriginal string   `json:"DateTimeOriginal"`
	CreateDate       string   `json:"CreateDate"`
	MediaCreateDate  string   `json:"MediaCreateDate"`
	GPSLatitude      *float64 `json:"GPSLatitude"`
	GPSLongitude     *float64 `json:"GPSLongitude"`
}

// exifTimeLayouts are the forms exiftool prints dates in.
var exifTimeLayouts = []string{
	"2006:01:02 15:04:05",
	"2006:01:02 15:04:05-07:00",
	"2006:01:02 15:04:05Z07:00",
	"2006:01:02 15:04:05.000",
}

func (e exiftoolEntry) takenAt() (time.Time, bool) {
	for _, raw := range []string{e.DateTimeOriginal, e.CreateDate, e.MediaCreateDate} {
		if raw == "" || raw == "0000:00:00 00:00:00" {
			continue
		}
		for _, layout := range exifTimeLayouts {
			if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// BulkReader answers from a pre-built exiftool JSON index of the library
// and hands assets missing from the index to a per-item fallback.
type BulkReader struct {
	index    map[string]exiftoolEntry
	fallback *ItemReader
}

// LoadBulkIndex reads an index produced by
// `exiftool -json -n -r -DateTimeOriginal -CreateDate -MediaCreateDate -GPSLatitude -GPSLongitude <root>`.
// Relative SourceFile entries are resolved against root.
func LoadBulkIndex(path, root string, fallback *ItemReader) (*BulkReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata index: %w", err)
	}
	var entries []exiftoolEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse metadata index: %w", err)
	}

	index := make(map[string]exiftoolEntry, len(entries))
	for _, e := range entries {
		src := e.SourceFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(root, src)
		}
		index[filepath.Clean(src)] = e
	}
	return &BulkReader{index: index, fallback: fallback}, nil
}

// Name identifies the strategy in logs.
func (r *BulkReader) Name() string { return "bulk-index" }

// Len returns the number of indexed files.
func (r *BulkReader) Len() int { return len(r.index) }

// Read resolves assets from the index, falling back per item for files the
// index does not cover.
func (r *BulkReader) Read(ctx context.Context, assets []Asset) ([]model.Photo, error) {
	photos := make([]model.Photo, 0, len(assets))
	var missing []Asset

	for _, a := range assets {
		e, ok := r.index[filepath.Clean(a.URI)]
		if !ok {
			missing = append(missing, a)
			continue
		}
		p := model.Photo{ID: a.ID, URI: a.URI, MediaKind: a.MediaKind, CreatedAt: a.ModTime}
		if t, ok := e.takenAt(); ok {
			p.CreatedAt = t
		}
		if e.GPSLatitude != nil && e.GPSLongitude != nil {
			lat, lon := *e.GPSLatitude, *e.GPSLongitude
			p.Lat, p.Lon = &lat, &lon
		}
		if p.CreatedAt.IsZero() {
			missing = append(missing, a)
			continue
		}
		photos = append(photos, p)
	}

	if len(missing) == 0 || r.fallback == nil {
		return photos, nil
	}
	rest, err := r.fallback.Read(ctx, missing)
	if err != nil {
		return nil, err
	}
	return append(photos, rest...), nil
}

// SelectReader picks the metadata strategy once: the bulk index when one is
// configured and loads, the per-item reader otherwise.
func SelectReader(indexPath, root string, concurrency int, log *logrus.Entry) MetadataReader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	item := NewItemReader(concurrency, log)
	if indexPath == "" {
		return item
	}
	bulk, err := LoadBulkIndex(indexPath, root, item)
	if err != nil {
		log.WithError(err).Warn("metadata index unavailable, reading files one by one")
		return item
	}
	log.WithField("entries", bulk.Len()).Info("using metadata index")
	return bulk
}

func compact(slots []*model.Photo) []model.Photo {
	out := make([]model.Photo, 0, len(slots))
	for _, p := range slots {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}
