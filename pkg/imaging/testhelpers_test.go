package imaging

import (
	"image"
	"image/color"
)

var contentColor = color.RGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xFF}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// bordered returns a w×h image with a trim border of width b around an
// opaque interior.
func bordered(w, h, b int) *image.RGBA {
	img := solidImage(w, h, TrimColor)
	for y := b; y < h-b; y++ {
		for x := b; x < w-b; x++ {
			img.SetRGBA(x, y, contentColor)
		}
	}
	return img
}

func flipPixels(img *image.RGBA, n int) *image.RGBA {
	out := ToRGBA(img)
	w := out.Bounds().Dx()
	for i := 0; i < n; i++ {
		x, y := i%w, i/w
		c := out.RGBAAt(x, y)
		out.SetRGBA(x, y, color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: 0xFF})
	}
	return out
}
