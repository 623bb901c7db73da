package calendar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"plated/internal/model"
)

// Source reads events from a calendar.
type Source interface {
	// Authorize checks that the calendar can be read. It returns
	// ErrPermissionDenied or ErrConfigurationMissing when it cannot.
	Authorize(ctx context.Context) error
	// Events returns every event overlapping [start, end].
	Events(ctx context.Context, start, end time.Time) ([]model.CalendarEventInfo, error)
}

// Fetch returns the events in [start, end] that could be dining
// reservations: titled, and not travel or lodging.
func Fetch(ctx context.Context, src Source, start, end time.Time) ([]model.CalendarEventInfo, error) {
	events, err := src.Events(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar events: %w", err)
	}

	kept := events[:0:0]
	for _, e := range events {
		if !IsValidTitle(e.Title) || IsLikelyNonReservation(e) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, nil
}

// eventDoc is the on-disk shape of an exported calendar.
type eventDoc struct {
	Events []eventEntry `yaml:"events"`
}

type eventEntry struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	Notes    string    `yaml:"notes"`
	Location string    `yaml:"location"`
	Start    time.Time `yaml:"start"`
	End      time.Time `yaml:"end"`
	AllDay   bool      `yaml:"all_day"`
}

// eventNamespace seeds ids for exported events that carry none.
var eventNamespace = uuid.MustParse("6f1c3a52-2b8e-4c57-9b0e-5d1f0c7a9e41")

// FileSource reads events from a YAML calendar export.
type FileSource struct {
	Path string
}

// NewFileSource returns a source for the export at path. An empty path
// yields a source whose Authorize reports ErrConfigurationMissing.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Authorize checks that the export exists and is readable.
func (s *FileSource) Authorize(ctx context.Context) error {
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("calendar export path not set: %w", model.ErrConfigurationMissing)
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return classifyOpenError(s.Path, err)
	}
	return f.Close()
}

// Events loads the export and returns the events overlapping [start, end],
// ordered as in the file.
func (s *FileSource) Events(ctx context.Context, start, end time.Time) ([]model.CalendarEventInfo, error) {
	if err := s.Authorize(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, classifyOpenError(s.Path, err)
	}

	var doc eventDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse calendar export %s: %w", s.Path, err)
	}

	var out []model.CalendarEventInfo
	for _, e := range doc.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := e.info()
		if ev.End.Before(start) || ev.Start.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (e eventEntry) info() model.CalendarEventInfo {
	end := e.End
	if end.IsZero() || end.Before(e.Start) {
		end = e.Start
		if e.AllDay {
			end = e.Start.Add(24 * time.Hour)
		}
	}
	id := e.ID
	if id == "" {
		id = uuid.NewSHA1(eventNamespace, []byte(e.Title+"|"+e.Start.UTC().Format(time.RFC3339))).String()
	}
	return model.CalendarEventInfo{
		ID:       id,
		Title:    e.Title,
		Notes:    e.Notes,
		Location: e.Location,
		Start:    e.Start,
		End:      end,
		AllDay:   e.AllDay,
	}
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("calendar export %s: %w", path, model.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("calendar export %s: %w", path, model.ErrConfigurationMissing)
	default:
		return fmt.Errorf("failed to read calendar export %s: %w: %w", path, model.ErrTransientIO, err)
	}
}
