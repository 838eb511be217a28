package imaging

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

func TestAutoCrop_RemovesBorder(t *testing.T) {
	for _, b := range []int{1, 2, 3, 4} {
		img := bordered(200, 200, b)

		rect, err := CropBounds(img)
		require.NoError(t, err)

		assert.InDelta(t, b, rect.Min.X, 1, "left edge for border %d", b)
		assert.InDelta(t, b, rect.Min.Y, 1, "top edge for border %d", b)
		assert.InDelta(t, b, 200-rect.Max.X, 1, "right edge for border %d", b)
		assert.InDelta(t, b, 200-rect.Max.Y, 1, "bottom edge for border %d", b)
	}
}

// A border covering 2.5% of a side from both ends puts 5% trim pixels in
// every content line, so every line counts as trim and no content is left.
func TestAutoCrop_WideBorderIsInvalid(t *testing.T) {
	tests := []struct {
		border  int
		invalid bool
	}{
		{border: 4, invalid: false},
		{border: 5, invalid: true},
		{border: 6, invalid: true},
		{border: 20, invalid: true},
	}
	for _, tt := range tests {
		_, err := CropBounds(bordered(200, 200, tt.border))
		if !tt.invalid {
			assert.NoError(t, err, "border %d", tt.border)
			continue
		}
		require.Error(t, err, "border %d", tt.border)
		assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidCropRegion), "border %d", tt.border)
	}
}

func TestAutoCrop_ExactBounds(t *testing.T) {
	img := bordered(200, 180, 3)

	cropped, err := AutoCrop(img)
	require.NoError(t, err)

	assert.Equal(t, Dimensions{Width: 194, Height: 174}, DimensionsOf(cropped))
	assert.Equal(t, contentColor, cropped.RGBAAt(0, 0))
	assert.Equal(t, contentColor, cropped.RGBAAt(193, 173))
}

func TestAutoCrop_Deterministic(t *testing.T) {
	img := bordered(200, 150, 2)
	img.SetRGBA(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	first, err := AutoCrop(img)
	require.NoError(t, err)
	second, err := AutoCrop(img)
	require.NoError(t, err)

	a, err := EncodePNG(first)
	require.NoError(t, err)
	b, err := EncodePNG(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "repeated crops must encode identically")
}

func TestAutoCrop_ToleratesEdgeNoise(t *testing.T) {
	img := bordered(200, 200, 4)
	// Anti-aliasing on the outermost row and column.
	for i := 0; i < 200; i++ {
		img.SetRGBA(i, 0, contentColor)
		img.SetRGBA(0, i, contentColor)
	}

	rect, err := CropBounds(img)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(4, 4, 196, 196), rect)
}

func TestAutoCrop_NoTrimLeavesImageUncropped(t *testing.T) {
	img := solidImage(40, 30, contentColor)

	cropped, err := AutoCrop(img)
	require.NoError(t, err)
	assert.Equal(t, Dimensions{Width: 40, Height: 30}, DimensionsOf(cropped))
}

func TestAutoCrop_AllTrimIsInvalid(t *testing.T) {
	img := solidImage(40, 30, TrimColor)

	_, err := AutoCrop(img)
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidCropRegion))
}

func TestAutoCrop_EmptyImageIsInvalid(t *testing.T) {
	_, err := AutoCrop(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	require.Error(t, err)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeInvalidCropRegion))
}

func TestAutoCrop_NonZeroOrigin(t *testing.T) {
	img := bordered(200, 200, 2)
	shifted := &image.RGBA{Pix: img.Pix, Stride: img.Stride, Rect: image.Rect(10, 10, 210, 210)}

	cropped, err := AutoCrop(shifted)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 196, 196), cropped.Bounds())
}

func TestScanEdge(t *testing.T) {
	tests := []struct {
		name     string
		lines    []bool
		fromEnd  bool
		want     int
		wantSeen bool
	}{
		{"leading trim", []bool{true, true, false, false}, false, 2, true},
		{"trailing trim", []bool{false, false, true}, true, 2, true},
		{"noise before trim", []bool{false, true, false, false}, false, 2, true},
		{"no trim", []bool{false, false}, false, 0, false},
		{"only trim", []bool{true, true}, false, 2, true},
		{"only trim from end", []bool{true, true}, true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, seen := scanEdge(tt.lines, tt.fromEnd)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSeen, seen)
		})
	}
}
