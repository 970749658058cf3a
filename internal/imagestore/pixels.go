package imagestore

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// encodePixels packs a formatted canvas into the byte layout of style.
func encodePixels(img *image.RGBA, style Style) []byte {
	b := img.Bounds()
	bpp := style.BytesPerPixel()
	out := make([]byte, b.Dx()*b.Dy()*bpp)

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, a := row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]
			switch style {
			case Style32BitBGRA:
				out[i], out[i+1], out[i+2], out[i+3] = bl, g, r, a
			case Style16BitBGR:
				v := uint16(r>>3)<<10 | uint16(g>>3)<<5 | uint16(bl>>3)
				binary.LittleEndian.PutUint16(out[i:], v)
			case Style8BitGrayscale:
				out[i] = color.GrayModel.Convert(color.RGBA{R: r, G: g, B: bl, A: 0xff}).(color.Gray).Y
			default:
				// The fourth byte is padding
				out[i], out[i+1], out[i+2], out[i+3] = bl, g, r, 0
			}
			i += bpp
		}
	}
	return out
}

// decodePixels rebuilds an image from stored bytes.
func decodePixels(pix []byte, width, height int, style Style) (image.Image, error) {
	bpp := style.BytesPerPixel()
	if width <= 0 || height <= 0 || len(pix) != width*height*bpp {
		return nil, fmt.Errorf("pixel buffer of %d bytes does not match %dx%d %s", len(pix), width, height, style)
	}

	rect := image.Rect(0, 0, width, height)
	if style == Style8BitGrayscale {
		gray := image.NewGray(rect)
		copy(gray.Pix, pix)
		return gray, nil
	}

	img := image.NewRGBA(rect)
	for p, i := 0, 0; i < len(pix); p, i = p+4, i+bpp {
		switch style {
		case Style32BitBGRA:
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = pix[i+2], pix[i+1], pix[i], pix[i+3]
		case Style16BitBGR:
			v := binary.LittleEndian.Uint16(pix[i:])
			img.Pix[p] = expand5(uint8(v>>10) & 0x1f)
			img.Pix[p+1] = expand5(uint8(v>>5) & 0x1f)
			img.Pix[p+2] = expand5(uint8(v) & 0x1f)
			img.Pix[p+3] = 0xff
		default:
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = pix[i+2], pix[i+1], pix[i], 0xff
		}
	}
	return img, nil
}

// expand5 widens a 5-bit channel to 8 bits so that 0x1f maps to 0xff.
func expand5(v uint8) uint8 {
	return v<<3 | v>>2
}
