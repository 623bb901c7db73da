package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"plated/internal/media"
	"plated/internal/model"
)

// Asset is one listed file before its metadata is read.
type Asset struct {
	ID        string
	URI       string
	MediaKind model.MediaKind
	ModTime   time.Time
}

// Page is one slice of a listing. Next is empty on the last page.
type Page struct {
	Assets []Asset
	Next   string
	Total  int
}

// Source lists assets with an opaque cursor. An empty cursor starts a new
// listing.
type Source interface {
	List(ctx context.Context, cursor string, limit int) (Page, error)
}

var assetNamespace = uuid.MustParse("3b2d6a0e-8f41-4f0b-a3c5-7c9e1d24f6b8")

// AssetID derives a stable photo id from the path relative to the library
// root, so moving the library does not mint new photos.
func AssetID(rel string) string {
	return uuid.NewSHA1(assetNamespace, []byte(filepath.ToSlash(rel))).String()
}

// DirSource lists supported files under Root in lexical path order.
type DirSource struct {
	Root string

	mu     sync.Mutex
	assets []Asset
}

// NewDirSource returns a source over the library at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

// List returns up to limit assets starting at cursor. An empty cursor
// re-walks the library.
func (s *DirSource) List(ctx context.Context, cursor string, limit int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor == "" || s.assets == nil {
		assets, err := s.walk(ctx)
		if err != nil {
			return Page{}, err
		}
		s.assets = assets
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = TierTable[TierMedium].BatchSize
	}

	total := len(s.assets)
	if start >= total {
		return Page{Total: total}, nil
	}
	end := min(start+limit, total)
	page := Page{Assets: s.assets[start:end], Total: total}
	if end < total {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (s *DirSource) walk(ctx context.Context) ([]Asset, error) {
	if s.Root == "" {
		return nil, fmt.Errorf("photo library not set: %w", model.ErrConfigurationMissing)
	}

	var assets []Asset
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Root {
				return err
			}
			// unreadable subdirectory
			return filepath.SkipDir
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := media.KindOf(d.Name())
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return nil
		}
		a := Asset{ID: AssetID(rel), URI: path, MediaKind: kind}
		if info, err := d.Info(); err == nil {
			a.ModTime = info.ModTime()
		}
		assets = append(assets, a)
		return nil
	})

	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("photo library %s: %w", s.Root, model.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("photo library %s: %w", s.Root, model.ErrConfigurationMissing)
	case err != nil:
		return nil, fmt.Errorf("failed to list photo library: %w", err)
	}
	return assets, nil
}
