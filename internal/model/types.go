package model

import "time"

// MediaKind distinguishes still images from videos.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Photo represents a scanned, timestamped asset.
type Photo struct {
	ID        string
	URI       string
	CreatedAt time.Time
	Lat       *float64
	Lon       *float64
	MediaKind MediaKind
	VisitID   string
	Food      *FoodLabel // nil until classified
}

// HasLocation reports whether the photo carries usable coordinates.
func (p Photo) HasLocation() bool {
	return p.Lat != nil && p.Lon != nil
}

// FoodLabel is the classifier annotation attached to a photo.
type FoodLabel struct {
	IsFood     bool
	Labels     []string
	Confidence float64
}

// VisitStatus is the review state of a visit.
type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitConfirmed VisitStatus = "confirmed"
	VisitRejected  VisitStatus = "rejected"
)

// Visit represents one clustered dining outing.
type Visit struct {
	ID                    string
	Start                 time.Time
	End                   time.Time
	CenterLat             float64
	CenterLon             float64
	PhotoCount            int
	Status                VisitStatus
	SuggestedRestaurantID string
	CalendarEventID       string
	CalendarEventTitle    string
	CalendarEventLocation string
	CalendarEventAllDay   bool
	Notes                 string
	FoodProbable          *bool
	UpdatedAt             time.Time
}

// Midpoint returns the middle of the visit window.
func (v Visit) Midpoint() time.Time {
	return v.Start.Add(v.End.Sub(v.Start) / 2)
}

// HasCalendarEvent reports whether calendar fields are populated.
func (v Visit) HasCalendarEvent() bool {
	return v.CalendarEventID != ""
}

// RestaurantCandidate is a reference-dataset restaurant near a query point.
type RestaurantCandidate struct {
	ID       string
	Name     string
	Lat      float64
	Lon      float64
	Address  string
	Location string // city/region line
	Cuisine  string
	Award    string         // most recent award tier
	Awards   map[int]string // award tier by year
	Distance float64        // meters from the query point, per query
}

// SuggestedRestaurantLink ties a visit to one candidate restaurant.
type SuggestedRestaurantLink struct {
	VisitID      string
	RestaurantID string
	Distance     float64
}

// CalendarEventInfo is a calendar entry as returned by the calendar source.
type CalendarEventInfo struct {
	ID       string
	Title    string
	Notes    string
	Location string
	Start    time.Time
	End      time.Time
	AllDay   bool
}

// Duration returns the event length.
func (e CalendarEventInfo) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// VisitCalendarMatch is the calendar event chosen for a visit.
type VisitCalendarMatch struct {
	VisitID string
	Event   CalendarEventInfo
	Score   float64
}

// PhotoLabelUpdate is one classifier result to persist.
type PhotoLabelUpdate struct {
	PhotoID string
	Label   FoodLabel
}

// PipelineRun records one coordinator run.
type PipelineRun struct {
	ID                       string
	StartedAt                time.Time
	FinishedAt               time.Time
	VisitsCreated            int
	PhotosProcessed          int
	FoodVisitsFound          int
	VisitsWithCalendarEvents int
}
