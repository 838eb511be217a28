// Package imaging decodes screenshots, crops them to their content bounds and
// diffs them against golden images.
package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// SupportedFormats lists the golden image extensions that can be decoded.
var SupportedFormats = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp"}

// Dimensions is a width/height pair.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns width × height.
func (d Dimensions) Area() int {
	return d.Width * d.Height
}

// DimensionsOf returns the size of img.
func DimensionsOf(img image.Image) Dimensions {
	if img == nil {
		return Dimensions{}
	}
	b := img.Bounds()
	return Dimensions{Width: b.Dx(), Height: b.Dy()}
}

var encodeBuffers = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

// Decode decodes PNG, JPEG, WebP and BMP data into an RGBA image whose
// bounds start at the origin.
func Decode(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, shoterrors.New(shoterrors.ErrCodeImageDecode, "image data is empty")
	}

	var (
		img image.Image
		err error
	)
	reader := bytes.NewReader(data)
	switch DetectMimeType("", data) {
	case "image/png":
		img, err = png.Decode(reader)
	case "image/jpeg":
		img, err = jpeg.Decode(reader)
	case "image/webp":
		img, err = webp.Decode(reader)
	case "image/bmp":
		img, err = bmp.Decode(reader)
	default:
		return nil, shoterrors.New(shoterrors.ErrCodeImageDecode, "unsupported image format").
			WithContext("bytes", len(data))
	}
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeImageDecode, "decoding image")
	}
	return ToRGBA(img), nil
}

// DecodeBase64 decodes a base64 screenshot payload as returned by WebDriver.
func DecodeBase64(payload string) (*image.RGBA, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeImageDecode, "decoding base64 screenshot")
	}
	return Decode(data)
}

// EncodePNG encodes img as PNG. Output is deterministic for identical pixels.
func EncodePNG(img image.Image) ([]byte, error) {
	buf := encodeBuffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodeBuffers.Put(buf)

	if err := png.Encode(buf, img); err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeInternal, "encoding png")
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// ToRGBA returns img as an origin-anchored RGBA copy.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// DetectMimeType determines the MIME type from extension or magic bytes.
func DetectMimeType(path string, data []byte) string {
	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".png":
			return "image/png"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".webp":
			return "image/webp"
		case ".bmp":
			return "image/bmp"
		}
	}

	if len(data) >= 12 {
		if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
			return "image/png"
		}
		if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
			return "image/jpeg"
		}
		if data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
			data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
			return "image/webp"
		}
		if data[0] == 0x42 && data[1] == 0x4D {
			return "image/bmp"
		}
	}
	return ""
}

// IsSupportedFormat checks if a file extension is supported
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
