package main

import (
	"bytes"
	"image"
	"image/png"

	"img-cache/internal/fetch"
)

const (
	contentTypeJPEG = "image/jpeg"
	contentTypePNG  = "image/png"
)

// encodeImage renders a cached image for an HTTP response. Opaque images go
// out as JPEG at the disk quality, anything with transparency as PNG.
func encodeImage(img image.Image) ([]byte, string, error) {
	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), contentTypePNG, nil
	}

	data, err := fetch.EncodeJPEG(img, fetch.DiskQuality)
	if err != nil {
		return nil, "", err
	}
	return data, contentTypeJPEG, nil
}
