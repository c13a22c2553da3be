//go:build vips

package vips

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-cache/internal/fetch"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDecoder_ShrinksOnLoad(t *testing.T) {
	img, err := Decoder{}.Decode(jpegBytes(t, 1600, 800), 400)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestDecoder_KeepsSmallImages(t *testing.T) {
	img, err := Decoder{}.Decode(jpegBytes(t, 120, 90), 400)
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())
	assert.Equal(t, 90, img.Bounds().Dy())
}

func TestDecoder_RejectsGarbage(t *testing.T) {
	_, err := Decoder{}.Decode([]byte("<html>not an image</html>"), 400)
	assert.ErrorIs(t, err, fetch.ErrDecode)
	assert.ErrorIs(t, err, fetch.ErrFetchFailed)
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
}
