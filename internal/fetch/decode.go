package fetch

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	// Formats understood by NativeDecoder.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DiskQuality is the JPEG quality used for persisted images.
const DiskQuality = 85

// DefaultMaxSourcePixels caps the sources NativeDecoder accepts. A full RGBA
// decode at the cap fits the default 80 MiB memory budget.
const DefaultMaxSourcePixels = 20 << 20

// Decoder turns encoded bytes into an image whose larger side does not
// exceed maxPixels. A non-positive maxPixels disables the bound.
type Decoder interface {
	Decode(data []byte, maxPixels int) (image.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte, maxPixels int) (image.Image, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(data []byte, maxPixels int) (image.Image, error) {
	return f(data, maxPixels)
}

// NativeDecoder decodes with the standard image codecs and x/image/webp,
// then scales with x/image/draw. The source is decoded at full resolution
// before it is scaled, so the header is read first and sources above
// MaxSourcePixels are refused before any pixel memory is allocated.
type NativeDecoder struct {
	MaxSourcePixels int64
}

var _ Decoder = NativeDecoder{}

// Decode implements Decoder.
func (d NativeDecoder) Decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	limit := d.MaxSourcePixels
	if limit <= 0 {
		limit = DefaultMaxSourcePixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, fmt.Errorf("%w: %s source %dx%d exceeds pixel limit", ErrDecode, format, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return Downscale(src, maxPixels), nil
}

// Fit returns the dimensions of a w×h image scaled so neither side exceeds
// maxPixels, preserving aspect ratio. Images are never enlarged.
func Fit(w, h, maxPixels int) (int, int) {
	if maxPixels <= 0 || (w <= maxPixels && h <= maxPixels) {
		return w, h
	}
	scale := float64(maxPixels) / float64(max(w, h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	return min(nw, maxPixels), min(nh, maxPixels)
}

// Downscale returns src reduced to fit maxPixels, or src itself when it already fits.
func Downscale(src image.Image, maxPixels int) image.Image {
	b := src.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxPixels)
	if w == b.Dx() && h == b.Dy() {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG re-encodes img lossily for the disk layer. Transparent pixels
// are flattened onto white.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DiskQuality
	}

	if !opaque(img) {
		b := img.Bounds()
		flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)
		img = flat
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
