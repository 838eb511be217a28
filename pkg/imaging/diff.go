package imaging

import (
	"image"
	"image/color"
	"math"
	"strconv"
)

// DefaultChannelTolerance is the per-channel difference under which two
// pixels are considered equal.
const DefaultChannelTolerance = 16

// epsilon absorbs float error when converting fractions back to counts.
const epsilon = 1e-9

var (
	highlightColor = color.RGBA{R: 0xFF, G: 0x00, B: 0xFF, A: 0xFF}
	fadeAlpha      = 0.25
)

// DiffResult is the outcome of comparing one capture attempt to its golden.
// A retry produces a new DiffResult.
type DiffResult struct {
	Expected               *Dimensions `json:"expected_dimensions,omitempty"`
	Actual                 Dimensions  `json:"actual_dimensions"`
	Diff                   *Dimensions `json:"diff_dimensions,omitempty"`
	ChangedPixelCount      int         `json:"changed_pixel_count"`
	ChangedPixelFraction   float64     `json:"changed_pixel_fraction"`
	ChangedPixelPercentage float64     `json:"changed_pixel_percentage"`
	HasChanged             bool        `json:"has_changed"`

	// DiffImage highlights changed pixels. It is nil when nothing changed.
	DiffImage *image.RGBA `json:"-"`
}

// HasBaseline reports whether a golden image took part in the comparison.
func (r *DiffResult) HasBaseline() bool {
	return r != nil && r.Expected != nil
}

// Differ compares captures against golden images.
type Differ struct {
	ChannelTolerance int
}

// NewDiffer creates a differ with the given per-channel tolerance.
func NewDiffer(tolerance int) *Differ {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Differ{ChannelTolerance: tolerance}
}

// Compare diffs actual against expected. A nil expected means there is no
// baseline yet, which never counts as a change. hasChanged requires at least
// minChangedPixelCount changed pixels so rendering noise below that floor is
// tolerated.
func (d *Differ) Compare(actual, expected image.Image, minChangedPixelCount int) *DiffResult {
	result := &DiffResult{Actual: DimensionsOf(actual)}
	if expected == nil {
		return result
	}

	exp := DimensionsOf(expected)
	result.Expected = &exp

	canvas := Dimensions{
		Width:  max(result.Actual.Width, exp.Width),
		Height: max(result.Actual.Height, exp.Height),
	}
	result.Diff = &canvas

	a := ToRGBA(actual)
	e := ToRGBA(expected)
	diffImg := image.NewRGBA(image.Rect(0, 0, canvas.Width, canvas.Height))

	mismatched := 0
	for y := 0; y < canvas.Height; y++ {
		for x := 0; x < canvas.Width; x++ {
			inA := x < result.Actual.Width && y < result.Actual.Height
			inE := x < exp.Width && y < exp.Height
			if !inA || !inE || !d.pixelsEqual(a, e, x, y) {
				mismatched++
				diffImg.SetRGBA(x, y, highlightColor)
				continue
			}
			diffImg.SetRGBA(x, y, fade(a.RGBAAt(x, y)))
		}
	}

	area := canvas.Area()
	if area > 0 {
		result.ChangedPixelFraction = float64(mismatched) / float64(area)
	}
	result.ChangedPixelCount = ChangedPixelCount(result.ChangedPixelFraction, canvas)
	result.ChangedPixelPercentage = DisplayPercentage(result.ChangedPixelFraction)
	result.HasChanged = result.ChangedPixelCount > 0 && result.ChangedPixelCount >= minChangedPixelCount
	if result.ChangedPixelCount > 0 {
		result.DiffImage = diffImg
	}
	return result
}

func (d *Differ) pixelsEqual(a, e *image.RGBA, x, y int) bool {
	ia := a.PixOffset(x, y)
	ie := e.PixOffset(x, y)
	for c := 0; c < 4; c++ {
		if !within(a.Pix[ia+c], e.Pix[ie+c], d.ChannelTolerance) {
			return false
		}
	}
	return true
}

// fade blends a pixel towards white so highlights stand out.
func fade(c color.RGBA) color.RGBA {
	blend := func(v uint8) uint8 {
		return uint8(math.Round(255 - (255-float64(v))*fadeAlpha))
	}
	return color.RGBA{R: blend(c.R), G: blend(c.G), B: blend(c.B), A: 0xFF}
}

// ChangedPixelCount converts a mismatch fraction to an absolute pixel count
// over the diff canvas.
func ChangedPixelCount(fraction float64, canvas Dimensions) int {
	if fraction <= 0 {
		return 0
	}
	return int(math.Ceil(fraction*float64(canvas.Area()) - epsilon))
}

// DisplayPercentage rounds a fraction up for display: to one decimal once it
// reaches 1%, otherwise to its first significant decimal digit so small
// diffs never read as 0.0%.
func DisplayPercentage(fraction float64) float64 {
	pct := fraction * 100
	if pct <= 0 {
		return 0
	}
	digits := 1
	if pct < 1 {
		digits = int(math.Ceil(-math.Log10(pct) - epsilon))
		if digits < 1 {
			digits = 1
		}
	}
	scale := math.Pow(10, float64(digits))
	return math.Ceil(pct*scale-epsilon) / scale
}

// FormatPercentage renders a display percentage such as "0.03%".
func FormatPercentage(pct float64) string {
	return strconv.FormatFloat(pct, 'f', -1, 64) + "%"
}
