// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"img-cache/internal/disk"
	"img-cache/internal/fetch"
	"img-cache/internal/imagecache"
	"img-cache/internal/memory"
)

// Decoders selectable with IMAGE_DECODER. DecoderAuto uses libvips when the
// binary was built with it and the native decoder otherwise.
const (
	DecoderAuto   = "auto"
	DecoderNative = "native"
	DecoderVips   = "vips"
)

// ErrMissingPort is returned by RequirePort when PORT is unset.
var ErrMissingPort = errors.New("missing PORT in environment variables")

// Config holds every setting of the service.
type Config struct {
	Environment string `validate:"oneof=development production"`
	Port        string `validate:"omitempty,numeric"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	CacheDir            string        `validate:"required"`
	MemoryEntries       int           `validate:"gt=0"`
	MemoryBytes         int64         `validate:"gt=0"`
	DiskTTL             time.Duration `validate:"gt=0"`
	DiskQueueSize       int           `validate:"gt=0"`
	SweepInterval       time.Duration `validate:"gte=0"`
	DisplayScale        float64       `validate:"gt=0,lte=4"`
	ThumbnailDimension  int           `validate:"gt=0"`
	DisplayDimension    int           `validate:"gt=0,gtefield=ThumbnailDimension"`
	PrefetchConcurrency int64         `validate:"gt=0"`

	FetchTimeout    time.Duration `validate:"gt=0"`
	MaxConnsPerHost int           `validate:"gt=0"`
	MaxBodyBytes    int64         `validate:"gt=0"`
	CircuitBreaker  bool
	Decoder         string `validate:"oneof=auto native vips"`
	MaxSourcePixels int64  `validate:"gt=0"`

	FallbackImageURL string `validate:"omitempty,url"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(os.LookupEnv)
}

// Parse builds a Config from lookup and validates it.
func Parse(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		Environment: e.str("ENVIRONMENT", "production"),
		Port:        e.str("PORT", ""),
		LogLevel:    strings.ToLower(e.str("LOG_LEVEL", "info")),

		CacheDir:            e.str("CACHE_DIR", defaultCacheDir()),
		MemoryEntries:       e.intVal("CACHE_MEMORY_ENTRIES", memory.DefaultMaxEntries),
		MemoryBytes:         e.byteSize("CACHE_MEMORY_BYTES", memory.DefaultMaxCost),
		DiskTTL:             e.durationVal("CACHE_DISK_TTL", disk.DefaultTTL),
		DiskQueueSize:       e.intVal("CACHE_DISK_QUEUE", disk.DefaultQueueSize),
		SweepInterval:       e.durationVal("CACHE_SWEEP_INTERVAL", 0),
		DisplayScale:        e.floatVal("CACHE_DISPLAY_SCALE", 1),
		ThumbnailDimension:  e.intVal("CACHE_THUMBNAIL_DIMENSION", fetch.ThumbnailDimension),
		DisplayDimension:    e.intVal("CACHE_DISPLAY_DIMENSION", fetch.DisplayDimension),
		PrefetchConcurrency: int64(e.intVal("CACHE_PREFETCH_CONCURRENCY", imagecache.DefaultPrefetchConcurrency)),

		FetchTimeout:    e.durationVal("FETCH_TIMEOUT", fetch.DefaultTimeout),
		MaxConnsPerHost: e.intVal("FETCH_MAX_CONNS_PER_HOST", fetch.DefaultMaxConnsPerHost),
		MaxBodyBytes:    e.byteSize("FETCH_MAX_BODY", fetch.DefaultMaxBodyBytes),
		CircuitBreaker:  e.boolVal("FETCH_CIRCUIT_BREAKER", false),
		Decoder:         strings.ToLower(e.str("IMAGE_DECODER", DecoderAuto)),
		MaxSourcePixels: int64(e.intVal("IMAGE_MAX_SOURCE_PIXELS", fetch.DefaultMaxSourcePixels)),

		FallbackImageURL: e.str("FALLBACK_IMAGE_URL", ""),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// RequirePort reports ErrMissingPort when the service has nowhere to listen.
func (c *Config) RequirePort() error {
	if c.Port == "" {
		return ErrMissingPort
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Cache returns the cache sizing derived from c.
func (c *Config) Cache() imagecache.Config {
	return imagecache.Config{
		MaxEntries:          c.MemoryEntries,
		MaxCost:             c.MemoryBytes,
		DisplayScale:        c.DisplayScale,
		ThumbnailDimension:  c.ThumbnailDimension,
		DisplayDimension:    c.DisplayDimension,
		PrefetchConcurrency: c.PrefetchConcurrency,
		Dir:                 c.CacheDir,
		DiskTTL:             c.DiskTTL,
		DiskQueueSize:       c.DiskQueueSize,
		SweepInterval:       c.SweepInterval,
	}
}

// Getter returns the HTTP client settings derived from c.
func (c *Config) Getter() fetch.GetterConfig {
	return fetch.GetterConfig{
		Timeout:         c.FetchTimeout,
		MaxConnsPerHost: c.MaxConnsPerHost,
		MaxBodyBytes:    c.MaxBodyBytes,
		CircuitBreaker:  c.CircuitBreaker,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "img-cache")
}

// env reads typed values and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) intVal(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) floatVal(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) boolVal(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) durationVal(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// byteSize accepts plain byte counts and sizes such as "80MiB" or "64 MB".
func (e *env) byteSize(key string, def int64) int64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return int64(n)
}
