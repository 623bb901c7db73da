package food

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"plated/internal/media"
	"plated/internal/model"
)

// Item is one photo to classify.
type Item struct {
	ID  string
	URI string
}

// Result is the classifier's verdict for one photo.
type Result struct {
	ID         string   `json:"id"`
	IsFood     bool     `json:"is_food"`
	Labels     []string `json:"labels"`
	Confidence float64  `json:"confidence"`
}

// Classifier labels a batch of photos. It may omit items it could not
// process, e.g. assets that no longer exist.
type Classifier interface {
	Classify(ctx context.Context, items []Item, threshold float64) ([]Result, error)
}

// DefaultThumbSize is the edge length of images sent to the classifier.
const DefaultThumbSize = 224

// HTTPClassifier posts JPEG thumbnails to an image-labelling endpoint.
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Entry

	ThumbSize int
	Workers   int
}

// NewHTTPClassifier creates a classifier for url allowing rps requests per
// second. An empty url yields ErrConfigurationMissing on every call.
func NewHTTPClassifier(url string, rps float64, log *logrus.Entry) *HTTPClassifier {
	if rps <= 0 {
		rps = 2
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPClassifier{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		log:        log.WithField("component", "classifier"),
		ThumbSize:  DefaultThumbSize,
		Workers:    4,
	}
}

type classifyImage struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type classifyRequest struct {
	Threshold float64         `json:"threshold"`
	Images    []classifyImage `json:"images"`
}

type classifyResponse struct {
	Results []Result `json:"results"`
}

// Classify encodes thumbnails in parallel and sends them in one request.
// Items whose file cannot be decoded are left out of the request and so
// out of the result.
func (c *HTTPClassifier) Classify(ctx context.Context, items []Item, threshold float64) ([]Result, error) {
	if c.url == "" {
		return nil, fmt.Errorf("classifier URL not set: %w", model.ErrConfigurationMissing)
	}

	images := make([]*classifyImage, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.Workers, 1))
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := media.Thumbnail(it.URI, c.ThumbSize)
			if err != nil {
				c.log.WithError(err).WithField("photo", it.ID).Warn("skipping unreadable photo")
				return nil
			}
			images[i] = &classifyImage{ID: it.ID, Data: base64.StdEncoding.EncodeToString(data)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	req := classifyRequest{Threshold: threshold}
	for _, img := range images {
		if img != nil {
			req.Images = append(req.Images, *img)
		}
	}
	if len(req.Images) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("network error: %w: %w", model.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier error: status %d: %w", resp.StatusCode, model.ErrTransientIO)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}
	return out.Results, nil
}
