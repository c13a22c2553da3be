package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"img-cache/internal/config"
	"img-cache/internal/fetch"
	"img-cache/internal/imagecache"
	"img-cache/internal/logging"
)

const metricsNamespace = "imagecache"

// fallbackImage is served whenever an image cannot be produced.
type fallbackImage struct {
	data        []byte
	contentType string
}

func (f fallbackImage) ok() bool {
	return len(f.data) > 0
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func buildCache(cfg *config.Config, getter fetch.Getter, logger *zap.Logger) (*imagecache.Cache, *imagecache.Metrics, error) {
	decoder, err := newDecoder(cfg)
	if err != nil {
		return nil, nil, err
	}

	metrics := imagecache.NewMetrics(metricsNamespace)
	cache, err := imagecache.New(cfg.Cache(), getter,
		imagecache.WithLogger(logger.Named("cache")),
		imagecache.WithDecoder(decoder),
		imagecache.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, err
	}
	return cache, metrics, nil
}

// loadFallbackImage downloads the configured fallback once at startup.
func loadFallbackImage(ctx context.Context, getter fetch.Getter, uri string) (fallbackImage, error) {
	if uri == "" {
		return fallbackImage{}, nil
	}

	data, status, err := getter.GetBytes(ctx, uri)
	if err != nil {
		return fallbackImage{}, fmt.Errorf("failed to fetch fallback image: %w", err)
	}
	if status != http.StatusOK || len(data) == 0 {
		return fallbackImage{}, fmt.Errorf("failed to fetch fallback image: status %d", status)
	}
	return fallbackImage{data: data, contentType: http.DetectContentType(data)}, nil
}

// server holds the dependencies of the HTTP handlers.
type server struct {
	cache    *imagecache.Cache
	metrics  *imagecache.Metrics
	logger   *zap.Logger
	fallback fallbackImage
	validate *validator.Validate
}

func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, error) {
	getter := fetch.NewHTTPGetter(cfg.Getter(), logger.Named("fetch"))

	fallback, err := loadFallbackImage(ctx, getter, cfg.FallbackImageURL)
	if err != nil {
		return nil, err
	}

	cache, metrics, err := buildCache(cfg, getter, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("cache ready",
		zap.String("dir", cfg.CacheDir),
		zap.Int("max_entries", cfg.MemoryEntries),
		zap.String("max_memory", formatBytes(uint64(cfg.MemoryBytes))),
		zap.Duration("disk_ttl", cfg.DiskTTL),
		zap.String("decoder", cfg.Decoder),
		zap.Bool("fallback", fallback.ok()),
	)
	return &server{
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		fallback: fallback,
		validate: validator.New(),
	}, nil
}

func (s *server) Close() error {
	return s.cache.Close()
}
