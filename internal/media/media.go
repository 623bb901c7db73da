// Package media decodes photo files: pixels for the classifier, EXIF for
// the scanner. HEIC/HEIF goes through goheif, everything else through
// imaging.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrium/goheif"
	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"plated/internal/model"
)

var photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".heif": true}
var videoExts = map[string]bool{".mov": true, ".mp4": true, ".m4v": true}

// KindOf returns the media kind for a file name, or false when the file is
// not a supported asset.
func KindOf(name string) (model.MediaKind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case photoExts[ext]:
		return model.MediaPhoto, true
	case videoExts[ext]:
		return model.MediaVideo, true
	}
	return "", false
}

// IsHeifLike reports whether path names a HEIC/HEIF file.
func IsHeifLike(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".heic" || ext == ".heif"
}

// Load decodes the image at path with EXIF orientation applied.
func Load(path string) (image.Image, error) {
	if !IsHeifLike(path) {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := goheif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode HEIC %s: %w", path, err)
	}
	if x, err := heifExif(data); err == nil {
		img = orient(img, x)
	}
	return img, nil
}

// Thumbnail returns a JPEG no larger than size×size.
func Thumbnail(path string, size int) ([]byte, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// Metadata is what the scanner needs from a file's EXIF block.
type Metadata struct {
	TakenAt time.Time
	Lat     *float64
	Lon     *float64
}

// ReadMetadata extracts the capture time and GPS position from path.
// Missing GPS is not an error; missing time is.
func ReadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var x *exif.Exif
	if IsHeifLike(path) {
		x, err = heifExif(data)
	} else {
		x, err = exif.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to decode EXIF for %s: %w", path, err)
	}

	var md Metadata
	if lat, lon, err := x.LatLong(); err == nil {
		md.Lat, md.Lon = &lat, &lon
	}

	if dt, err := x.DateTime(); err == nil {
		md.TakenAt = dt
		return md, nil
	}
	tag, err := x.Get(exif.DateTimeOriginal)
	if err != nil {
		return md, fmt.Errorf("no capture time in %s: %w", path, err)
	}
	raw, err := tag.StringVal()
	if err != nil {
		return md, fmt.Errorf("no capture time in %s: %w", path, err)
	}
	t, err := time.ParseInLocation("2006:01:02 15:04:05", raw, time.Local)
	if err != nil {
		return md, fmt.Errorf("bad capture time in %s: %w", path, err)
	}
	md.TakenAt = t
	return md, nil
}

func heifExif(data []byte) (*exif.Exif, error) {
	raw, err := goheif.ExtractExif(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimPrefix(raw, []byte("Exif\x00\x00"))
	return exif.Decode(bytes.NewReader(raw))
}

// orient applies the EXIF orientation tag.
// 1=normal, 2=flip-h, 3=180, 4=flip-v, 5=transpose, 6=270, 7=transverse, 8=90
func orient(img image.Image, x *exif.Exif) image.Image {
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return img
	}
	o, err := tag.Int(0)
	if err != nil {
		return img
	}
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
