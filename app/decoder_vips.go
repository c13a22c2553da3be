//go:build vips

package main

import (
	"img-cache/internal/config"
	"img-cache/internal/fetch"
	"img-cache/internal/fetch/vips"
)

func newDecoder(cfg *config.Config) (fetch.Decoder, error) {
	if cfg.Decoder == config.DecoderNative {
		return fetch.NativeDecoder{MaxSourcePixels: cfg.MaxSourcePixels}, nil
	}
	return vips.Decoder{}, nil
}
