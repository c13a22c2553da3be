//go:build vips

// Package vips provides a libvips backed fetch.Decoder. libvips shrinks JPEG
// and WebP sources while loading them, so a large source never exists in
// memory at full resolution. Requires cgo and libvips.
package vips

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/h2non/bimg"

	"img-cache/internal/fetch"
)

// Decoder implements fetch.Decoder with bimg.
type Decoder struct{}

var _ fetch.Decoder = Decoder{}

// Decode implements fetch.Decoder.
func (Decoder) Decode(data []byte, maxPixels int) (image.Image, error) {
	if bimg.DetermineImageType(data) == bimg.UNKNOWN {
		return nil, fmt.Errorf("%w: unrecognized format", fetch.ErrDecode)
	}

	src := bimg.NewImage(data)
	size, err := src.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrDecode, err)
	}

	opts := bimg.Options{Type: bimg.PNG, StripMetadata: true}
	w, h := fetch.Fit(size.Width, size.Height, maxPixels)
	if w != size.Width || h != size.Height {
		if size.Width >= size.Height {
			opts.Width = w
		} else {
			opts.Height = h
		}
	}

	out, err := src.Process(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrDecode, err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrDecode, err)
	}
	return img, nil
}

// Version reports the linked libvips version.
func Version() string {
	return bimg.VipsVersion
}
