package fetch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/broken.png":
			_, _ = w.Write([]byte("definitely not a png"))
		case "/error.png":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_FetchDownsamples(t *testing.T) {
	srv := imageServer(t, pngBytes(t, 1200, 600))
	f := New(NewHTTPGetter(GetterConfig{}, nil), NativeDecoder{}, 1)

	img, err := f.Fetch(context.Background(), srv.URL+"/a.png", ThumbnailDimension)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestFetcher_DisplayScale(t *testing.T) {
	srv := imageServer(t, pngBytes(t, 1200, 600))
	f := New(NewHTTPGetter(GetterConfig{}, nil), NativeDecoder{}, 2)

	img, err := f.Fetch(context.Background(), srv.URL+"/a.png", ThumbnailDimension)
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 400, img.Bounds().Dy())
	assert.Equal(t, 1600, f.MaxPixels(DisplayDimension))
}

func TestFetcher_Errors(t *testing.T) {
	srv := imageServer(t, pngBytes(t, 10, 10))
	f := New(NewHTTPGetter(GetterConfig{}, nil), NativeDecoder{}, 1)
	ctx := context.Background()

	_, err := f.Fetch(ctx, srv.URL+"/missing.png", DisplayDimension)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.ErrorIs(t, err, ErrFetchFailed)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	_, err = f.Fetch(ctx, srv.URL+"/broken.png", DisplayDimension)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ErrFetchFailed)

	_, err = f.Fetch(ctx, "http://127.0.0.1:1/nothing.png", DisplayDimension)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetcher_DecodeErrorNotDoubleWrapped(t *testing.T) {
	f := New(GetterFunc(func(context.Context, string) ([]byte, int, error) {
		return []byte("junk"), http.StatusOK, nil
	}), nil, 1)

	_, err := f.Fetch(context.Background(), "https://x/a.png", DisplayDimension)
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 1, bytes.Count([]byte(err.Error()), []byte("decode error")))
}

func TestFetcher_NilImageFromDecoder(t *testing.T) {
	f := New(GetterFunc(func(context.Context, string) ([]byte, int, error) {
		return []byte("x"), http.StatusOK, nil
	}), DecoderFunc(func([]byte, int) (image.Image, error) { return nil, nil }), 1)

	_, err := f.Fetch(context.Background(), "https://x/a.png", DisplayDimension)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestHTTPGetter_BodyLimit(t *testing.T) {
	srv := imageServer(t, pngBytes(t, 64, 64))
	g := NewHTTPGetter(GetterConfig{MaxBodyBytes: 16}, nil)

	_, _, err := g.GetBytes(context.Background(), srv.URL+"/a.png")
	assert.Error(t, err)
}

func TestHTTPGetter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	g := NewHTTPGetter(GetterConfig{Timeout: 50 * time.Millisecond}, nil)
	_, _, err := g.GetBytes(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHTTPGetter_CircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	g := NewHTTPGetter(GetterConfig{CircuitBreaker: true}, nil)
	for i := 0; i < 5; i++ {
		_, status, err := g.GetBytes(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	}

	_, _, err := g.GetBytes(context.Background(), srv.URL)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load())
}

func TestHTTPGetter_BreakerIgnoresClientErrors(t *testing.T) {
	srv := imageServer(t, nil)
	g := NewHTTPGetter(GetterConfig{CircuitBreaker: true}, nil)

	for i := 0; i < 10; i++ {
		_, status, err := g.GetBytes(context.Background(), srv.URL+"/missing.png")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, status)
	}
}

func TestHTTPGetter_BreakersAreBounded(t *testing.T) {
	g := NewHTTPGetter(GetterConfig{CircuitBreaker: true}, nil)

	first, err := g.breaker("https://host0.example/a.jpg")
	require.NoError(t, err)
	for i := 1; i < maxBreakerHosts+50; i++ {
		_, err := g.breaker(fmt.Sprintf("https://host%d.example/a.jpg", i))
		require.NoError(t, err)
	}
	assert.Equal(t, maxBreakerHosts, g.breakers.Len())

	last, err := g.breaker(fmt.Sprintf("https://host%d.example/b.jpg", maxBreakerHosts+49))
	require.NoError(t, err)
	again, err := g.breaker(fmt.Sprintf("https://host%d.example/c.jpg", maxBreakerHosts+49))
	require.NoError(t, err)
	assert.Same(t, last, again)

	evicted, err := g.breaker("https://host0.example/a.jpg")
	require.NoError(t, err)
	assert.NotSame(t, first, evicted)
}

func TestFit(t *testing.T) {
	tests := []struct {
		name         string
		w, h, bound  int
		wantW, wantH int
	}{
		{name: "landscape", w: 1600, h: 800, bound: 400, wantW: 400, wantH: 200},
		{name: "portrait", w: 600, h: 1200, bound: 800, wantW: 400, wantH: 800},
		{name: "fits", w: 300, h: 200, bound: 400, wantW: 300, wantH: 200},
		{name: "unbounded", w: 5000, h: 4000, bound: 0, wantW: 5000, wantH: 4000},
		{name: "sliver", w: 10000, h: 1, bound: 100, wantW: 100, wantH: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := Fit(tt.w, tt.h, tt.bound)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestNativeDecoder_SourceLimit(t *testing.T) {
	_, err := NativeDecoder{MaxSourcePixels: 100}.Decode(pngBytes(t, 20, 20), 0)
	assert.ErrorIs(t, err, ErrDecode)
}

// pngHeader returns a PNG signature and IHDR chunk for a w×h grayscale image.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 0, 0, 0, 0)

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestNativeDecoder_DefaultSourceLimit(t *testing.T) {
	_, err := NativeDecoder{}.Decode(pngHeader(6000, 4000), ThumbnailDimension)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorContains(t, err, "exceeds pixel limit")

	// within the limit the header passes and decoding fails on the missing pixel data
	_, err = NativeDecoder{}.Decode(pngHeader(4000, 4000), ThumbnailDimension)
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotContains(t, err.Error(), "pixel limit")
}

func TestNativeDecoder_Empty(t *testing.T) {
	_, err := NativeDecoder{}.Decode(nil, 400)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeJPEG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.Set(x, y, color.NRGBA{R: 10, G: 120, B: 230, A: 255})
		}
	}

	data, err := EncodeJPEG(src, DiskQuality)
	require.NoError(t, err)

	got, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, src.Bounds().Size(), got.Bounds().Size())

	r, g, b, _ := got.At(20, 15).RGBA()
	assert.InDelta(t, 10, r>>8, 12)
	assert.InDelta(t, 120, g>>8, 12)
	assert.InDelta(t, 230, b>>8, 12)
}

func TestEncodeJPEG_FlattensTransparency(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 15, 15))

	data, err := EncodeJPEG(src, 0)
	require.NoError(t, err)

	got, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 10, got.Bounds().Dx())
	r, g, b, _ := got.At(5, 5).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}
