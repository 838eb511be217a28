package imaging

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

func TestDecode_PNGRoundTrip(t *testing.T) {
	img := bordered(20, 10, 2)

	data, err := EncodePNG(img)
	require.NoError(t, err)
	assert.Equal(t, "image/png", DetectMimeType("", data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, decoded.Pix)
}

func TestDecode_BMP(t *testing.T) {
	img := solidImage(8, 8, contentColor)
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Dimensions{Width: 8, Height: 8}, DimensionsOf(decoded))
	assert.Equal(t, contentColor, decoded.RGBAAt(3, 3))
}

func TestDecodeBase64(t *testing.T) {
	data, err := EncodePNG(solidImage(4, 4, contentColor))
	require.NoError(t, err)

	decoded, err := DecodeBase64(base64.StdEncoding.EncodeToString(data) + "\n")
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())

	_, err = DecodeBase64("!!!")
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeImageDecode))
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(nil)
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeImageDecode))

	_, err = Decode([]byte("definitely not an image"))
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeImageDecode))

	// Valid signature, truncated body.
	_, err = Decode([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0})
	assert.True(t, shoterrors.IsCode(err, shoterrors.ErrCodeImageDecode))
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"golden/home.png", "image/png"},
		{"golden/home.JPG", "image/jpeg"},
		{"golden/home.webp", "image/webp"},
		{"golden/home.bmp", "image/bmp"},
		{"golden/home.txt", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectMimeType(tt.path, nil), tt.path)
	}
}

func TestIsSupportedFormat(t *testing.T) {
	assert.True(t, IsSupportedFormat("a.png"))
	assert.True(t, IsSupportedFormat("a.WEBP"))
	assert.False(t, IsSupportedFormat("a.svg"))
}
