// Package food runs photos through the food classifier in resumable chunks
// and rolls the labels up into each visit's food-probable flag.
package food

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"plated/internal/model"
	"plated/internal/progress"
)

// Defaults for chunking and sampling.
const (
	DefaultChunkSize     = 20
	DefaultThreshold     = 0.6
	DefaultSamplePercent = 30
)

// Phase names reported by the orchestrator.
const (
	PhaseSampled    = "food"
	PhaseExhaustive = "deep-scan"
)

// Store is the persistence the orchestrator reads from and writes to.
type Store interface {
	// PhotosWithoutFoodLabels returns unlabeled photos, restricted to the
	// given visits when visitIDs is non-nil, ordered by visit then time.
	PhotosWithoutFoodLabels(ctx context.Context, visitIDs []string) ([]model.Photo, error)
	UpdatePhotoLabels(ctx context.Context, updates []model.PhotoLabelUpdate) error
	// RecomputeVisitFood refreshes the flag of the given visits and returns
	// how many of them are food-probable.
	RecomputeVisitFood(ctx context.Context, visitIDs []string) (int, error)
}

// Stats summarizes one run.
type Stats struct {
	Processed    int // photos labeled and stored
	Skipped      int // photos in failed chunks, left for the next run
	Found        int
	FailedChunks int
	FoodVisits   int
	VisitIDs     []string
}

// Orchestrator drives the classifier over unlabeled photos.
type Orchestrator struct {
	store      Store
	classifier Classifier
	log        *logrus.Entry

	ChunkSize     int
	Threshold     float64
	SamplePercent int
	MinSample     time.Duration
}

// NewOrchestrator wires an orchestrator with default settings.
func NewOrchestrator(store Store, classifier Classifier, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		store:         store,
		classifier:    classifier,
		log:           log.WithField("component", "food"),
		ChunkSize:     DefaultChunkSize,
		Threshold:     DefaultThreshold,
		SamplePercent: DefaultSamplePercent,
		MinSample:     progress.DefaultMinSample,
	}
}

// RunSampled labels a share of the unlabeled photos of each visit.
func (o *Orchestrator) RunSampled(ctx context.Context, visitIDs []string, rep progress.Reporter) (Stats, error) {
	if len(visitIDs) == 0 {
		return Stats{}, nil
	}
	photos, err := o.store.PhotosWithoutFoodLabels(ctx, visitIDs)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list unlabeled photos: %w", err)
	}
	return o.run(ctx, PhaseSampled, Sample(photos, o.SamplePercent), visitIDs, rep)
}

// RunExhaustive labels every unlabeled photo.
func (o *Orchestrator) RunExhaustive(ctx context.Context, rep progress.Reporter) (Stats, error) {
	photos, err := o.store.PhotosWithoutFoodLabels(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list unlabeled photos: %w", err)
	}
	return o.run(ctx, PhaseExhaustive, photos, nil, rep)
}

func (o *Orchestrator) run(ctx context.Context, phase string, photos []model.Photo, visitIDs []string, rep progress.Reporter) (Stats, error) {
	if rep == nil {
		rep = progress.Discard
	}
	stats, err := o.processChunks(ctx, phase, photos, rep)

	affected := visitIDs
	if affected == nil {
		affected = distinctVisits(photos)
	}
	stats.VisitIDs = affected
	if len(affected) > 0 {
		n, rerr := o.store.RecomputeVisitFood(context.WithoutCancel(ctx), affected)
		if rerr != nil {
			return stats, errors.Join(err, fmt.Errorf("failed to recompute visit food flags: %w", rerr))
		}
		stats.FoodVisits = n
	}
	return stats, err
}

// processChunks classifies photos ChunkSize at a time, persisting each
// chunk before moving on. Cancellation is honored between chunks only, so
// every chunk already written stays written. A failed chunk is logged and
// left unlabeled for the next run.
func (o *Orchestrator) processChunks(ctx context.Context, phase string, photos []model.Photo, rep progress.Reporter) (Stats, error) {
	var stats Stats
	total := len(photos)
	tracker := progress.NewTracker(phase, o.MinSample)
	if total == 0 {
		rep.Report(tracker.Done(0, 0, "no unlabeled photos"))
		return stats, nil
	}

	size := o.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	for startIdx := 0; startIdx < total; startIdx += size {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chunk := photos[startIdx:min(startIdx+size, total)]

		updates, err := o.classifyChunk(ctx, chunk)
		if errors.Is(err, model.ErrConfigurationMissing) {
			return stats, err
		}
		if err == nil {
			err = o.store.UpdatePhotoLabels(ctx, updates)
			if err != nil {
				err = fmt.Errorf("failed to store labels: %w", err)
			}
		}
		if err != nil {
			stats.FailedChunks++
			stats.Skipped += len(chunk)
			o.log.WithError(err).WithField("chunk", startIdx/size).Warn("classifier batch failed")
		} else {
			stats.Processed += len(chunk)
			for _, u := range updates {
				if u.Label.IsFood {
					stats.Found++
				}
			}
		}

		// The bar advances over skipped photos too; the detail tells them apart.
		rep.Report(tracker.Snapshot(stats.Processed+stats.Skipped, total, stats.Found, chunkDetail(stats, total)))
	}

	done := tracker.Done(stats.Processed+stats.Skipped, stats.Found,
		fmt.Sprintf("%s food photos found", humanize.Comma(int64(stats.Found))))
	if stats.Skipped > 0 {
		done.Detail += fmt.Sprintf(", %s skipped", humanize.Comma(int64(stats.Skipped)))
	}
	rep.Report(done)
	return stats, nil
}

func chunkDetail(stats Stats, total int) string {
	detail := fmt.Sprintf("%s of %s photos labeled", humanize.Comma(int64(stats.Processed)), humanize.Comma(int64(total)))
	if stats.Skipped > 0 {
		detail += fmt.Sprintf(", %s skipped", humanize.Comma(int64(stats.Skipped)))
	}
	return detail
}

// classifyChunk returns one update per photo. Photos the classifier left
// out are recorded as checked and not food so they are not sent again.
func (o *Orchestrator) classifyChunk(ctx context.Context, chunk []model.Photo) ([]model.PhotoLabelUpdate, error) {
	items := make([]Item, len(chunk))
	for i, p := range chunk {
		items[i] = Item{ID: p.ID, URI: p.URI}
	}

	results, err := o.classifier.Classify(ctx, items, o.Threshold)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	updates := make([]model.PhotoLabelUpdate, 0, len(chunk))
	for _, p := range chunk {
		label := model.FoodLabel{}
		if r, ok := byID[p.ID]; ok {
			label = model.FoodLabel{
				IsFood:     r.IsFood && r.Confidence >= o.Threshold,
				Labels:     r.Labels,
				Confidence: r.Confidence,
			}
		}
		updates = append(updates, model.PhotoLabelUpdate{PhotoID: p.ID, Label: label})
	}
	return updates, nil
}

// Sample picks ceil(percent%) of each visit's photos, at least one, spread
// evenly across the visit's timeline. Input order within a visit is kept.
func Sample(photos []model.Photo, percent int) []model.Photo {
	if percent >= 100 {
		return photos
	}
	if percent <= 0 {
		percent = 1
	}

	groups := make(map[string][]model.Photo)
	var order []string
	for _, p := range photos {
		if _, ok := groups[p.VisitID]; !ok {
			order = append(order, p.VisitID)
		}
		groups[p.VisitID] = append(groups[p.VisitID], p)
	}

	var out []model.Photo
	for _, visitID := range order {
		group := groups[visitID]
		n := (len(group)*percent + 99) / 100
		if n < 1 {
			n = 1
		}
		step := float64(len(group)) / float64(n)
		for i := 0; i < n; i++ {
			out = append(out, group[int(float64(i)*step)])
		}
	}
	return out
}

func distinctVisits(photos []model.Photo) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range photos {
		if p.VisitID == "" || seen[p.VisitID] {
			continue
		}
		seen[p.VisitID] = true
		ids = append(ids, p.VisitID)
	}
	sort.Strings(ids)
	return ids
}
