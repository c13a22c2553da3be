//go:build !vips

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-cache/internal/config"
	"img-cache/internal/fetch"
)

func TestNewDecoder(t *testing.T) {
	for _, name := range []string{config.DecoderAuto, config.DecoderNative} {
		d, err := newDecoder(&config.Config{Decoder: name, MaxSourcePixels: 1000})
		require.NoError(t, err, name)
		assert.Equal(t, fetch.NativeDecoder{MaxSourcePixels: 1000}, d, name)
	}

	_, err := newDecoder(&config.Config{Decoder: config.DecoderVips})
	assert.Error(t, err)
}
