// Package fetch downloads remote images and decodes them into bounded
// pixel buffers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

// Reference bounds, in display units.
const (
	ThumbnailDimension = 400
	DisplayDimension   = 800
)

// Fetcher combines a Getter and a Decoder.
type Fetcher struct {
	getter  Getter
	decoder Decoder
	scale   float64
}

// New returns a Fetcher. scale is the display pixel density applied to every
// bound; values <= 0 mean 1.
func New(getter Getter, decoder Decoder, scale float64) *Fetcher {
	if decoder == nil {
		decoder = NativeDecoder{}
	}
	if scale <= 0 {
		scale = 1
	}
	return &Fetcher{getter: getter, decoder: decoder, scale: scale}
}

// MaxPixels converts a bound in display units into pixels.
func (f *Fetcher) MaxPixels(maxDimension int) int {
	if maxDimension <= 0 {
		return 0
	}
	return int(math.Ceil(float64(maxDimension) * f.scale))
}

// Fetch downloads uri and decodes it so its larger side is at most
// maxDimension display units.
func (f *Fetcher) Fetch(ctx context.Context, uri string, maxDimension int) (image.Image, error) {
	data, status, err := f.getter.GetBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{URI: uri, Code: status}
	}
	return f.Decode(data, maxDimension)
}

// Decode decodes already downloaded bytes under the same bound as Fetch.
func (f *Fetcher) Decode(data []byte, maxDimension int) (image.Image, error) {
	img, err := f.decoder.Decode(data, f.MaxPixels(maxDimension))
	if err != nil {
		if errors.Is(err, ErrDecode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: decoder returned no image", ErrDecode)
	}
	return img, nil
}
