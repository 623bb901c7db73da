// Package scan pages through the photo library, reads capture time and
// position for new assets and inserts them page by page.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"plated/internal/model"
	"plated/internal/progress"
)

// Phase is the progress tag of a scan.
const Phase = "scan"

// Store is the persistence the scanner needs.
type Store interface {
	ExistingPhotoIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertPhotos(ctx context.Context, photos []model.Photo) (int, error)
}

// Result summarizes one scan.
type Result struct {
	Listed   int
	Inserted int
	Skipped  int
}

// Scanner discovers new photos.
type Scanner struct {
	source   Source
	reader   MetadataReader
	store    Store
	settings TierSettings
	log      *logrus.Entry

	MinSample time.Duration
}

// NewScanner wires a scanner sized by settings.
func NewScanner(source Source, reader MetadataReader, store Store, settings TierSettings, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{
		source:    source,
		reader:    reader,
		store:     store,
		settings:  settings,
		log:       log.WithField("component", "scan"),
		MinSample: progress.DefaultMinSample,
	}
}

// Run lists the whole library. Each page is read and inserted before the
// next is requested, so an interrupted scan keeps everything inserted so
// far. Cancellation is checked between pages.
func (s *Scanner) Run(ctx context.Context, rep progress.Reporter) (Result, error) {
	if rep == nil {
		rep = progress.Discard
	}
	var res Result
	tracker := progress.NewTracker(Phase, s.MinSample)
	s.log.WithFields(logrus.Fields{
		"reader":      s.reader.Name(),
		"batch":       s.settings.BatchSize,
		"concurrency": s.settings.Concurrency,
	}).Debug("starting scan")

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := s.source.List(ctx, cursor, s.settings.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list photos: %w", err)
		}
		res.Listed += len(page.Assets)

		inserted, skipped, err := s.ingest(ctx, page.Assets)
		if err != nil {
			return res, err
		}
		res.Inserted += inserted
		res.Skipped += skipped

		rep.Report(tracker.Snapshot(res.Listed, page.Total, res.Inserted,
			fmt.Sprintf("%s of %s assets, %s new",
				humanize.Comma(int64(res.Listed)), humanize.Comma(int64(page.Total)), humanize.Comma(int64(res.Inserted)))))

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	rep.Report(tracker.Done(res.Listed, res.Inserted,
		fmt.Sprintf("%s new photos", humanize.Comma(int64(res.Inserted)))))
	return res, nil
}

// ingest reads metadata for the assets not yet stored and inserts them.
func (s *Scanner) ingest(ctx context.Context, assets []Asset) (inserted, skipped int, err error) {
	if len(assets) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	existing, err := s.store.ExistingPhotoIDs(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check known photos: %w", err)
	}

	fresh := make([]Asset, 0, len(assets))
	for _, a := range assets {
		if !existing[a.ID] {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}

	photos, err := s.reader.Read(ctx, fresh)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read metadata: %w", err)
	}
	if skipped = len(fresh) - len(photos); skipped > 0 {
		s.log.WithField("skipped", skipped).Warn("assets without readable metadata")
	}

	inserted, err = s.store.InsertPhotos(ctx, photos)
	if err != nil {
		return 0, skipped, fmt.Errorf("failed to insert photos: %w", err)
	}
	return inserted, skipped, nil
}
