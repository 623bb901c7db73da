package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
)

func TestKindOf(t *testing.T) {
	kind, ok := KindOf("IMG_0001.HEIC")
	require.True(t, ok)
	assert.Equal(t, model.MediaPhoto, kind)

	kind, ok = KindOf("clip.mov")
	require.True(t, ok)
	assert.Equal(t, model.MediaVideo, kind)

	_, ok = KindOf("notes.txt")
	assert.False(t, ok)
}

func TestThumbnailFitsBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plate.png")
	require.NoError(t, imaging.Save(imaging.New(800, 400, color.NRGBA{R: 200, G: 80, B: 40, A: 255}), path))

	data, err := Thumbnail(path, 224)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 224, 112), img.Bounds())
}

func TestReadMetadataWithoutExif(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.png")
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.White), path))

	_, err := ReadMetadata(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
