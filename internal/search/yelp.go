// Package search queries the Yelp Fusion API for restaurants near a point.
// It backs the resolver when no reference dataset is loaded.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"plated/internal/cache"
	"plated/internal/geo"
	"plated/internal/model"
)

const (
	yelpAPIBase = "https://api.yelp.com/v3"

	// Yelp rejects radii above 40 km and pages above 50.
	maxRadiusM  = 40000
	searchLimit = 50

	memoSize = 512
	memoTTL  = 6 * time.Hour
)

// YelpClient wraps the Yelp Fusion business search.
type YelpClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	memo       *cache.TTL[string, []model.RestaurantCandidate]
	log        *logrus.Entry
}

// NewYelpClient creates a client allowed rps requests per second. An empty
// apiKey yields a client that reports ErrConfigurationMissing.
func NewYelpClient(apiKey string, rps float64, log *logrus.Entry) *YelpClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if rps <= 0 {
		rps = 5
	}
	return &YelpClient{
		apiKey:     apiKey,
		baseURL:    yelpAPIBase,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		memo:       cache.New[string, []model.RestaurantCandidate](memoSize, memoTTL),
		log:        log.WithField("component", "yelp"),
	}
}

// CandidatesInBox searches restaurants around the center of box with a
// radius covering its latitude span. Results are memoized per box.
func (c *YelpClient) CandidatesInBox(ctx context.Context, box geo.BoundingBox) ([]model.RestaurantCandidate, error) {
	if c == nil || c.apiKey == "" {
		return nil, fmt.Errorf("yelp api key not set: %w", model.ErrConfigurationMissing)
	}

	lat := (box.MinLat + box.MaxLat) / 2
	lon := (box.MinLon + box.MaxLon) / 2
	radius := geo.Distance(lat, lon, box.MaxLat, lon)
	radius = math.Min(math.Ceil(radius), maxRadiusM)

	key := fmt.Sprintf("%.5f,%.5f,%.0f", lat, lon, radius)
	if cached, ok := c.memo.Get(key); ok {
		return cached, nil
	}

	found, err := c.nearby(ctx, lat, lon, int(radius))
	if err != nil {
		return nil, err
	}
	c.memo.Set(key, found)
	return found, nil
}

func (c *YelpClient) nearby(ctx context.Context, lat, lon float64, radius int) ([]model.RestaurantCandidate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', 6, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', 6, 64))
	params.Set("radius", strconv.Itoa(max(radius, 1)))
	params.Set("categories", "restaurants,food")
	params.Set("limit", strconv.Itoa(searchLimit))
	params.Set("sort_by", "distance")

	reqURL := fmt.Sprintf("%s/businesses/search?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: yelp network error: %w", model.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: yelp status %d", model.ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: yelp status %d", model.ErrTransientIO, resp.StatusCode)
	}

	var result businessSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: yelp decode error: %w", model.ErrTransientIO, err)
	}

	candidates := make([]model.RestaurantCandidate, 0, len(result.Businesses))
	for _, b := range result.Businesses {
		if b.IsClosed {
			continue
		}
		candidates = append(candidates, b.candidate())
	}
	c.log.WithFields(logrus.Fields{"radius": radius, "found": len(candidates)}).Debug("yelp nearby search")
	return candidates, nil
}

func (b businessDetail) candidate() model.RestaurantCandidate {
	c := model.RestaurantCandidate{
		ID:   "yelp:" + b.ID,
		Name: b.Name,
		Lat:  b.Coordinates.Latitude,
		Lon:  b.Coordinates.Longitude,
	}
	if b.Location != nil {
		c.Address = b.Location.Address1
		c.Location = b.Location.City
		if b.Location.State != "" {
			c.Location += ", " + b.Location.State
		}
	}
	if len(b.Categories) > 0 {
		c.Cuisine = b.Categories[0].Title
	}
	return c
}

// API response types

type businessSearchResponse struct {
	Businesses []businessDetail `json:"businesses"`
	Total      int              `json:"total"`
}

type businessDetail struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Price       string      `json:"price"`
	Categories  []category  `json:"categories"`
	Coordinates coordinates `json:"coordinates"`
	Location    *location   `json:"location"`
	IsClosed    bool        `json:"is_closed"`
}

type category struct {
	Alias string `json:"alias"`
	Title string `json:"title"`
}

type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type location struct {
	Address1 string `json:"address1"`
	City     string `json:"city"`
	State    string `json:"state"`
	ZipCode  string `json:"zip_code"`
	Country  string `json:"country"`
}
