package imaging

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_Identity(t *testing.T) {
	img := bordered(100, 100, 5)
	d := NewDiffer(DefaultChannelTolerance)

	for _, minCount := range []int{0, 1, 100} {
		result := d.Compare(img, img, minCount)
		assert.Equal(t, 0, result.ChangedPixelCount)
		assert.False(t, result.HasChanged)
		assert.Nil(t, result.DiffImage, "no diff image for identical inputs")
	}
}

func TestCompare_NoBaseline(t *testing.T) {
	img := solidImage(30, 20, contentColor)

	result := NewDiffer(DefaultChannelTolerance).Compare(img, nil, 1)

	assert.False(t, result.HasChanged)
	assert.False(t, result.HasBaseline())
	assert.Equal(t, Dimensions{Width: 30, Height: 20}, result.Actual)
	assert.Nil(t, result.Expected)
	assert.Nil(t, result.Diff)
}

func TestCompare_BelowFlakeFloor(t *testing.T) {
	golden := solidImage(100, 100, contentColor)
	actual := flipPixels(golden, 50)

	result := NewDiffer(DefaultChannelTolerance).Compare(actual, golden, 100)

	assert.Equal(t, 50, result.ChangedPixelCount)
	assert.InDelta(t, 0.005, result.ChangedPixelFraction, 1e-12)
	assert.Equal(t, 0.5, result.ChangedPixelPercentage)
	assert.False(t, result.HasChanged)
	assert.NotNil(t, result.DiffImage, "nonzero diffs keep their highlight image")
}

func TestCompare_AboveFlakeFloor(t *testing.T) {
	golden := solidImage(100, 100, contentColor)
	actual := flipPixels(golden, 50)

	result := NewDiffer(DefaultChannelTolerance).Compare(actual, golden, 10)

	assert.True(t, result.HasChanged)
	require.NotNil(t, result.DiffImage)
	assert.Equal(t, highlightColor, result.DiffImage.RGBAAt(0, 0))
	assert.NotEqual(t, highlightColor, result.DiffImage.RGBAAt(99, 99))
}

func TestCompare_Monotonic(t *testing.T) {
	golden := bordered(60, 40, 3)
	d := NewDiffer(DefaultChannelTolerance)

	prev := -1
	for n := 0; n <= 2400; n += 150 {
		result := d.Compare(flipPixels(golden, n), golden, 1)
		assert.GreaterOrEqual(t, result.ChangedPixelCount, prev, "flipping %d pixels", n)
		prev = result.ChangedPixelCount
	}
}

func TestCompare_WithinTolerance(t *testing.T) {
	golden := solidImage(10, 10, contentColor)
	actual := solidImage(10, 10, color.RGBA{R: contentColor.R + 10, G: contentColor.G, B: contentColor.B, A: 0xFF})

	assert.Equal(t, 0, NewDiffer(16).Compare(actual, golden, 1).ChangedPixelCount)
	assert.Equal(t, 100, NewDiffer(4).Compare(actual, golden, 1).ChangedPixelCount)
}

func TestCompare_DifferentSizes(t *testing.T) {
	golden := solidImage(10, 10, contentColor)
	actual := solidImage(10, 12, contentColor)

	result := NewDiffer(DefaultChannelTolerance).Compare(actual, golden, 1)

	require.NotNil(t, result.Diff)
	assert.Equal(t, Dimensions{Width: 10, Height: 12}, *result.Diff)
	assert.Equal(t, 20, result.ChangedPixelCount)
	assert.True(t, result.HasChanged)
}

func TestChangedPixelCount(t *testing.T) {
	canvas := Dimensions{Width: 100, Height: 100}
	assert.Equal(t, 0, ChangedPixelCount(0, canvas))
	assert.Equal(t, 50, ChangedPixelCount(0.005, canvas))
	assert.Equal(t, 1, ChangedPixelCount(0.00001, canvas))
	assert.Equal(t, 10000, ChangedPixelCount(1, canvas))
}

func TestDisplayPercentage(t *testing.T) {
	tests := []struct {
		fraction float64
		want     float64
	}{
		{0, 0},
		{0.005, 0.5},
		{0.0003, 0.03},
		{0.000123, 0.02},
		{0.001, 0.1},
		{0.01, 1},
		{0.1234, 12.4},
		{1, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, DisplayPercentage(tt.fraction), 1e-9, "fraction %g", tt.fraction)
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0.03%", FormatPercentage(0.03))
	assert.Equal(t, "12.4%", FormatPercentage(12.4))
}
