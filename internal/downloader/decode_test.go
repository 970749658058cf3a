package downloader

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/tphakala/imagecache/internal/errors"
)

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	src := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for x := range 6 {
		for y := range 4 {
			src.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}

	encoders := map[string]func(*bytes.Buffer) error{
		"jpeg": func(b *bytes.Buffer) error { return jpeg.Encode(b, src, nil) },
		"gif":  func(b *bytes.Buffer) error { return gif.Encode(b, src, nil) },
		"bmp":  func(b *bytes.Buffer) error { return bmp.Encode(b, src) },
	}

	t.Run("png", func(t *testing.T) {
		t.Parallel()
		img, err := Decode(pngBytes(t, 6, 4), "mem://png")
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 6, 4), img.Bounds())
	})

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			require.NoError(t, encode(&buf))

			img, err := Decode(buf.Bytes(), "mem://"+name)
			require.NoError(t, err)
			assert.Equal(t, 6, img.Bounds().Dx())
			assert.Equal(t, 4, img.Bounds().Dy())
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("<html>not an image</html>"), "https://example.com/x")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}
