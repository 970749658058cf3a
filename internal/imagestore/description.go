// Package imagestore is the fixed-format image cache: every image type has a
// fixed size, pixel style and capacity, and entries live in an in-memory tier
// in front of a SQL tier.
package imagestore

import (
	"fmt"
	"strings"

	"github.com/tphakala/imagecache/internal/errors"
)

const (
	// DefaultMaxCount is the capacity of a type that does not set MaxCount.
	DefaultMaxCount = 500

	// maxDimension bounds width and height of a type.
	maxDimension = 4096
)

// Style is the bit depth and pixel layout of stored images.
// The zero value is Style32BitBGR.
type Style uint8

const (
	Style32BitBGR Style = iota
	Style32BitBGRA
	Style16BitBGR
	Style8BitGrayscale
)

var styleNames = map[Style]string{
	Style32BitBGR:      "32bit-bgr",
	Style32BitBGRA:     "32bit-bgra",
	Style16BitBGR:      "16bit-bgr",
	Style8BitGrayscale: "8bit-gray",
}

func (s Style) String() string {
	if name, ok := styleNames[s]; ok {
		return name
	}
	return fmt.Sprintf("style(%d)", uint8(s))
}

// BytesPerPixel returns the stored size of one pixel.
func (s Style) BytesPerPixel() int {
	switch s {
	case Style16BitBGR:
		return 2
	case Style8BitGrayscale:
		return 1
	default:
		return 4
	}
}

// Opaque reports whether the style drops alpha.
func (s Style) Opaque() bool {
	return s != Style32BitBGRA
}

func (s Style) valid() bool {
	_, ok := styleNames[s]
	return ok
}

// ParseStyle parses a style name. An empty name is the default style.
func ParseStyle(name string) (Style, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Style32BitBGR, nil
	}
	for style, n := range styleNames {
		if n == name {
			return style, nil
		}
	}
	return 0, errors.Newf("unknown image style %q", name).
		Component("imagestore").
		Category(errors.CategoryConfiguration).
		Build()
}

// ContentMode controls how a source image is drawn into the fixed canvas of its type.
// The zero value is ScaleToFill.
type ContentMode uint8

const (
	ScaleToFill ContentMode = iota
	ScaleAspectFit
	ScaleAspectFill
	Center
)

var contentModeNames = map[ContentMode]string{
	ScaleToFill:     "scale-to-fill",
	ScaleAspectFit:  "aspect-fit",
	ScaleAspectFill: "aspect-fill",
	Center:          "center",
}

func (m ContentMode) String() string {
	if name, ok := contentModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseContentMode parses a content mode name. An empty name is ScaleToFill.
func ParseContentMode(name string) (ContentMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ScaleToFill, nil
	}
	for mode, n := range contentModeNames {
		if n == name {
			return mode, nil
		}
	}
	return 0, errors.Newf("unknown content mode %q", name).
		Component("imagestore").
		Category(errors.CategoryConfiguration).
		Build()
}

// Description configures one image type.
type Description struct {
	Type     string
	Width    int
	Height   int
	MaxCount int   // 0 means DefaultMaxCount
	Style    Style // zero value is Style32BitBGR
}

// Capacity returns the effective maximum number of entries.
func (d Description) Capacity() int {
	if d.MaxCount <= 0 {
		return DefaultMaxCount
	}
	return d.MaxCount
}

// DescriptionError lists every problem found in a set of descriptions.
type DescriptionError struct {
	Problems []string
}

func (e *DescriptionError) Error() string {
	return "invalid image descriptions: " + strings.Join(e.Problems, "; ")
}

// ValidateDescriptions checks that the set is non-empty, every type has a
// name and a positive size, and type names are unique.
func ValidateDescriptions(descs []Description) error {
	de := &DescriptionError{}

	if len(descs) == 0 {
		de.Problems = append(de.Problems, "at least one image description is required")
	}

	seen := make(map[string]int, len(descs))
	for i, d := range descs {
		label := fmt.Sprintf("description %d", i)
		if d.Type != "" {
			label = fmt.Sprintf("description %d (%s)", i, d.Type)
		}

		if strings.TrimSpace(d.Type) == "" {
			de.Problems = append(de.Problems, label+": type is required")
		} else if first, dup := seen[d.Type]; dup {
			de.Problems = append(de.Problems, fmt.Sprintf("%s: duplicate type, first declared by description %d", label, first))
		} else {
			seen[d.Type] = i
		}

		if d.Width <= 0 || d.Height <= 0 {
			de.Problems = append(de.Problems, label+": width and height must be positive")
		} else if d.Width > maxDimension || d.Height > maxDimension {
			de.Problems = append(de.Problems, fmt.Sprintf("%s: width and height must not exceed %d", label, maxDimension))
		}

		if d.MaxCount < 0 {
			de.Problems = append(de.Problems, label+": maxCount must not be negative")
		}

		if !d.Style.valid() {
			de.Problems = append(de.Problems, fmt.Sprintf("%s: unknown style %d", label, d.Style))
		}
	}

	if len(de.Problems) == 0 {
		return nil
	}

	return errors.New(de).
		Component("imagestore").
		Category(errors.CategoryConfiguration).
		Context("problems", len(de.Problems)).
		Build()
}
