//go:build !vips

package main

import (
	"fmt"

	"img-cache/internal/config"
	"img-cache/internal/fetch"
)

func newDecoder(cfg *config.Config) (fetch.Decoder, error) {
	if cfg.Decoder == config.DecoderVips {
		return nil, fmt.Errorf("decoder %q needs a build with -tags vips", cfg.Decoder)
	}
	return fetch.NativeDecoder{MaxSourcePixels: cfg.MaxSourcePixels}, nil
}
