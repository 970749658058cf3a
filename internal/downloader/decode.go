package downloader

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/tphakala/imagecache/internal/errors"
)

// Decode decodes an image in any registered format: PNG, JPEG, GIF, BMP,
// TIFF or WebP.
func Decode(data []byte, source string) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode image: %w", err)).
			Component(componentName).
			Category(errors.CategoryImageDecode).
			Context("url", source).
			Context("size_bytes", len(data)).
			Build()
	}
	if b := img.Bounds(); b.Empty() {
		return nil, errors.Newf("decoded %s image is empty", format).
			Component(componentName).
			Category(errors.CategoryImageDecode).
			Context("url", source).
			Build()
	}
	return img, nil
}
