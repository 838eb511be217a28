package imaging

import (
	"image"
	"image/color"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// Screenshots are rendered on a page whose background is painted with
// TrimColor so the content bounds can be recovered from the raw capture.
var TrimColor = color.RGBA{R: 0xAB, G: 0xC1, B: 0x23, A: 0xFF}

const (
	// TrimChannelTolerance is the per-channel distance within which a pixel
	// still counts as trim colored.
	TrimChannelTolerance = 8
	// TrimMatchThreshold is the fraction of trim pixels that makes a whole
	// row or column trim.
	TrimMatchThreshold = 0.05
)

// CropBounds returns the content rectangle of img, relative to its origin.
func CropBounds(img image.Image) (image.Rectangle, error) {
	src := ToRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w == 0 || h == 0 {
		return image.Rectangle{}, shoterrors.New(shoterrors.ErrCodeInvalidCropRegion, "source image is empty")
	}

	rows := make([]bool, h)
	for y := 0; y < h; y++ {
		matches := 0
		for x := 0; x < w; x++ {
			if isTrimPixel(src, x, y) {
				matches++
			}
		}
		rows[y] = float64(matches)/float64(w) >= TrimMatchThreshold
	}

	cols := make([]bool, w)
	for x := 0; x < w; x++ {
		matches := 0
		for y := 0; y < h; y++ {
			if isTrimPixel(src, x, y) {
				matches++
			}
		}
		cols[x] = float64(matches)/float64(h) >= TrimMatchThreshold
	}

	top, okTop := scanEdge(rows, false)
	bottom, okBottom := scanEdge(rows, true)
	left, okLeft := scanEdge(cols, false)
	right, okRight := scanEdge(cols, true)

	rect := image.Rect(0, 0, w, h)
	if okTop {
		rect.Min.Y = top
	}
	if okBottom {
		rect.Max.Y = bottom
	}
	if okLeft {
		rect.Min.X = left
	}
	if okRight {
		rect.Max.X = right
	}

	// image.Rect would silently swap inverted corners, so check by hand.
	if rect.Max.X <= rect.Min.X || rect.Max.Y <= rect.Min.Y {
		return image.Rectangle{}, shoterrors.New(shoterrors.ErrCodeInvalidCropRegion, "crop region is empty").
			WithContext("left", rect.Min.X).
			WithContext("top", rect.Min.Y).
			WithContext("right", rect.Max.X).
			WithContext("bottom", rect.Max.Y).
			WithRemediation("check that the page background uses the trim color")
	}
	return rect, nil
}

// AutoCrop crops img to the content inside its trim-colored background.
// The result is a fresh RGBA image anchored at the origin.
func AutoCrop(img image.Image) (*image.RGBA, error) {
	rect, err := CropBounds(img)
	if err != nil {
		return nil, err
	}
	src := ToRGBA(img)
	return ToRGBA(src.SubImage(rect)), nil
}

// scanEdge walks lines inward from one edge and returns the first non-trim
// line seen after at least one trim line. The returned boundary is inclusive
// from the leading edge and exclusive from the trailing edge. found is false
// when the edge never meets a trim line. When trim lines are seen but no
// content follows, the boundary collapses onto the opposite edge so the
// caller reports an empty region.
func scanEdge(lines []bool, fromEnd bool) (boundary int, found bool) {
	n := len(lines)
	seenTrim := false
	for i := 0; i < n; i++ {
		idx := i
		if fromEnd {
			idx = n - 1 - i
		}
		if lines[idx] {
			seenTrim = true
			continue
		}
		if seenTrim {
			if fromEnd {
				return idx + 1, true
			}
			return idx, true
		}
	}
	if !seenTrim {
		return 0, false
	}
	if fromEnd {
		return 0, true
	}
	return n, true
}

func isTrimPixel(img *image.RGBA, x, y int) bool {
	i := img.PixOffset(x, y)
	p := img.Pix[i : i+4 : i+4]
	return within(p[0], TrimColor.R, TrimChannelTolerance) &&
		within(p[1], TrimColor.G, TrimChannelTolerance) &&
		within(p[2], TrimColor.B, TrimChannelTolerance) &&
		within(p[3], TrimColor.A, TrimChannelTolerance)
}

func within(a, b uint8, tolerance int) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
