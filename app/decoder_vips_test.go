//go:build vips

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-cache/internal/config"
	"img-cache/internal/fetch"
	"img-cache/internal/fetch/vips"
)

func TestNewDecoder(t *testing.T) {
	for _, name := range []string{config.DecoderAuto, config.DecoderVips} {
		d, err := newDecoder(&config.Config{Decoder: name})
		require.NoError(t, err, name)
		assert.Equal(t, vips.Decoder{}, d, name)
	}

	d, err := newDecoder(&config.Config{Decoder: config.DecoderNative, MaxSourcePixels: 1000})
	require.NoError(t, err)
	assert.Equal(t, fetch.NativeDecoder{MaxSourcePixels: 1000}, d)
}
