package imagestore

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Format draws src into a new width×height canvas of the description using
// mode. Opaque styles are composited onto black.
func Format(src image.Image, d Description, mode ContentMode) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	if d.Style.Opaque() {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	if src == nil || src.Bounds().Empty() {
		return dst
	}

	sb := src.Bounds()
	switch mode {
	case ScaleAspectFit:
		draw.CatmullRom.Scale(dst, fitRect(sb, dst.Bounds()), src, sb, draw.Over, nil)
	case ScaleAspectFill:
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, fillCrop(sb, dst.Bounds()), draw.Over, nil)
	case Center:
		offset := image.Pt((d.Width-sb.Dx())/2, (d.Height-sb.Dy())/2)
		target := image.Rect(0, 0, sb.Dx(), sb.Dy()).Add(offset)
		draw.Draw(dst, target, src, sb.Min, draw.Over)
	default:
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)
	}
	return dst
}

// Render formats src for d and converts it to d's pixel style, returning
// the image exactly as the store would return it after a Put.
func Render(src image.Image, d Description, mode ContentMode) (image.Image, error) {
	img, _, err := render(src, d, mode)
	return img, err
}

func render(src image.Image, d Description, mode ContentMode) (image.Image, []byte, error) {
	pixels := encodePixels(Format(src, d, mode), d.Style)
	img, err := decodePixels(pixels, d.Width, d.Height, d.Style)
	if err != nil {
		return nil, nil, err
	}
	return img, pixels, nil
}

// fitRect returns the largest rectangle with src's aspect ratio centered in dst.
func fitRect(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()

	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	w, h = max(w, 1), max(h, 1)

	minPt := image.Pt(dst.Min.X+(dw-w)/2, dst.Min.Y+(dh-h)/2)
	return image.Rectangle{Min: minPt, Max: minPt.Add(image.Pt(w, h))}
}

// fillCrop returns the centered region of src with dst's aspect ratio.
func fillCrop(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()

	w, h := sw, dh*sw/dw
	if h > sh {
		w, h = dw*sh/dh, sh
	}
	w, h = max(w, 1), max(h, 1)

	minPt := image.Pt(src.Min.X+(sw-w)/2, src.Min.Y+(sh-h)/2)
	return image.Rectangle{Min: minPt, Max: minPt.Add(image.Pt(w, h))}
}
