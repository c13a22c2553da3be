// Package imagecache is a two layer image cache. Decoded images live in a
// bounded memory store, encoded copies in a directory on disk, and concurrent
// requests for the same image share a single download.
//
// A Cache is an ordinary value: construct one at startup and hand it to
// whatever needs images.
package imagecache

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"img-cache/internal/disk"
	"img-cache/internal/fetch"
	"img-cache/internal/fingerprint"
	"img-cache/internal/memory"
)

// DefaultPrefetchConcurrency bounds the prefetch downloads running at once.
const DefaultPrefetchConcurrency = 4

// ErrNoGetter is returned by New without a byte source.
var ErrNoGetter = errors.New("imagecache: getter is required")

// Config sizes a Cache. Zero values take the reference defaults.
type Config struct {
	MaxEntries          int
	MaxCost             int64
	DisplayScale        float64
	ThumbnailDimension  int
	DisplayDimension    int
	PrefetchConcurrency int64

	// Dir is the disk layer directory. Empty disables the disk layer unless
	// a filesystem is supplied with WithFilesystem.
	Dir           string
	DiskTTL       time.Duration
	DiskQueueSize int
	SweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = memory.DefaultMaxEntries
	}
	if c.MaxCost <= 0 {
		c.MaxCost = memory.DefaultMaxCost
	}
	if c.DisplayScale <= 0 {
		c.DisplayScale = 1
	}
	if c.ThumbnailDimension <= 0 {
		c.ThumbnailDimension = fetch.ThumbnailDimension
	}
	if c.DisplayDimension <= 0 {
		c.DisplayDimension = fetch.DisplayDimension
	}
	if c.PrefetchConcurrency <= 0 {
		c.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	if c.DiskTTL <= 0 {
		c.DiskTTL = disk.DefaultTTL
	}
	if c.DiskQueueSize <= 0 {
		c.DiskQueueSize = disk.DefaultQueueSize
	}
}

// Stats is a point in time view of a Cache.
type Stats struct {
	Entries     int   `json:"entries"`
	Cost        int64 `json:"cost_bytes"`
	MaxEntries  int   `json:"max_entries"`
	MaxCost     int64 `json:"max_cost_bytes"`
	InFlight    int   `json:"in_flight"`
	DiskEntries int   `json:"disk_entries"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDecoder replaces the native decoder.
func WithDecoder(d fetch.Decoder) Option {
	return func(c *Cache) {
		c.decoder = d
	}
}

// WithFilesystem backs the disk layer with fs instead of Config.Dir.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithMetrics records cache activity on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock replaces time.Now for disk expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	decoder fetch.Decoder
	fs      billy.Filesystem
	now     func() time.Time

	memory   *memory.Store
	disk     *disk.Store
	fetcher  *fetch.Fetcher
	inflight registry
	prefetch *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Cache that downloads through getter. A disk sweep starts in
// the background straight away.
func New(cfg Config, getter fetch.Getter, opts ...Option) (*Cache, error) {
	if getter == nil {
		return nil, ErrNoGetter
	}
	cfg.setDefaults()

	c := &Cache{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.inflight.metrics = c.metrics

	mem, err := memory.New(cfg.MaxEntries, cfg.MaxCost, memory.WithEvictHook(func(fingerprint.Key) {
		c.metrics.evicted()
	}))
	if err != nil {
		return nil, err
	}
	c.memory = mem
	c.fetcher = fetch.New(getter, c.decoder, cfg.DisplayScale)
	c.prefetch = semaphore.NewWeighted(cfg.PrefetchConcurrency)

	diskOpts := []disk.Option{
		disk.WithTTL(cfg.DiskTTL),
		disk.WithQueueSize(cfg.DiskQueueSize),
		disk.WithLogger(c.logger.Named("disk")),
		disk.WithClock(c.now),
		disk.WithDropHook(c.metrics.diskDropped),
		disk.WithWriteHook(c.metrics.diskWrite),
	}
	switch {
	case c.fs != nil:
		c.disk = disk.New(c.fs, diskOpts...)
	case cfg.Dir != "":
		if c.disk, err = disk.NewOS(cfg.Dir, diskOpts...); err != nil {
			return nil, err
		}
	default:
		c.logger.Info("disk layer disabled")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.disk != nil {
		c.disk.SweepAsync()
		if cfg.SweepInterval > 0 {
			c.wg.Add(1)
			go c.sweepEvery(cfg.SweepInterval)
		}
	}
	return c, nil
}

// Lookup returns the image for uri from memory or disk. It never touches the
// network. A disk hit is promoted into memory.
func (c *Cache) Lookup(uri string) (image.Image, bool) {
	return c.lookup(fingerprint.Of(uri))
}

func (c *Cache) lookup(key fingerprint.Key) (image.Image, bool) {
	if img, ok := c.memory.Get(key); ok {
		c.metrics.lookup(layerMemory)
		return img, true
	}
	if img, ok := c.readDisk(key); ok {
		c.metrics.lookup(layerDisk)
		return img, true
	}
	c.metrics.lookup(layerMiss)
	return nil, false
}

func (c *Cache) readDisk(key fingerprint.Key) (image.Image, bool) {
	if c.disk == nil {
		return nil, false
	}
	data, ok := c.disk.Read(key)
	if !ok {
		return nil, false
	}

	img, err := c.fetcher.Decode(data, c.cfg.DisplayDimension)
	if err != nil {
		c.logger.Debug("dropping unreadable disk record", zap.String("key", key.String()), zap.Error(err))
		c.disk.Remove(key)
		return nil, false
	}
	c.remember(key, img)
	return img, true
}

// Fetch returns the image for uri, downloading it at the display bound when
// neither layer has it. Concurrent calls for one uri share one download. If
// ctx ends first Fetch returns ctx.Err() while the download carries on and
// still fills the cache.
func (c *Cache) Fetch(ctx context.Context, uri string) (image.Image, error) {
	img, _, err := c.fetch(ctx, uri, c.cfg.DisplayDimension)
	return img, err
}

// Get is Fetch that also reports whether the image came from memory or disk
// rather than a download.
func (c *Cache) Get(ctx context.Context, uri string) (image.Image, bool, error) {
	return c.fetch(ctx, uri, c.cfg.DisplayDimension)
}

func (c *Cache) fetch(ctx context.Context, uri string, maxDimension int) (image.Image, bool, error) {
	key := fingerprint.Of(uri)
	if img, ok := c.lookup(key); ok {
		return img, true, nil
	}

	detached := context.WithoutCancel(ctx)
	img, shared, err := c.inflight.do(ctx, key, func() (image.Image, error) {
		return c.load(detached, key, uri, maxDimension)
	})
	if shared {
		c.metrics.shared()
	}
	return img, false, err
}

// load runs once per pending key.
func (c *Cache) load(ctx context.Context, key fingerprint.Key, uri string, maxDimension int) (image.Image, error) {
	// A load that finished between our lookup and registration already
	// stored its result.
	if img, ok := c.memory.Get(key); ok {
		return img, nil
	}

	start := time.Now()
	img, err := c.fetcher.Fetch(ctx, uri, maxDimension)
	c.metrics.fetched(start, err)
	if err != nil {
		c.logger.Debug("image fetch failed", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}

	c.remember(key, img)
	if c.disk != nil {
		c.disk.WriteFunc(key, func() ([]byte, error) {
			return fetch.EncodeJPEG(img, fetch.DiskQuality)
		})
	}
	return img, nil
}

// remember stores img in memory. img is already in device pixels.
func (c *Cache) remember(key fingerprint.Key, img image.Image) {
	c.memory.Put(key, img, memory.Cost(img, 1))
	c.metrics.memory(c.memory.Len(), c.memory.Cost())
}

// Prefetch warms the cache for uris at the thumbnail bound. It returns
// immediately; failures are logged and otherwise ignored.
func (c *Cache) Prefetch(uris []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	for _, uri := range uris {
		key := fingerprint.Of(uri)
		if c.resident(key) {
			continue
		}

		c.wg.Add(1)
		go func(uri string) {
			defer c.wg.Done()
			if err := c.prefetch.Acquire(c.ctx, 1); err != nil {
				return
			}
			defer c.prefetch.Release(1)

			if _, _, err := c.fetch(c.ctx, uri, c.cfg.ThumbnailDimension); err != nil {
				c.logger.Debug("prefetch failed", zap.String("uri", uri), zap.Error(err))
			}
		}(uri)
	}
}

func (c *Cache) resident(key fingerprint.Key) bool {
	return c.memory.Contains(key) || (c.disk != nil && c.disk.Has(key))
}

// ClearAll empties memory at once and the disk directory in the background.
// Pending downloads are not cancelled and may repopulate the cache.
func (c *Cache) ClearAll() {
	c.memory.Purge()
	c.metrics.memory(0, 0)
	if c.disk != nil {
		c.disk.ClearAsync()
	}
	c.logger.Info("cache cleared")
}

// Sweep removes expired disk records and reports how many went.
func (c *Cache) Sweep() (int, error) {
	if c.disk == nil {
		return 0, nil
	}
	return c.disk.Sweep()
}

func (c *Cache) sweepEvery(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sweep(); err != nil {
				c.logger.Warn("periodic sweep failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("periodic sweep", zap.Int("removed", n))
			}
		}
	}
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	st := Stats{
		Entries:    c.memory.Len(),
		Cost:       c.memory.Cost(),
		MaxEntries: c.cfg.MaxEntries,
		MaxCost:    c.cfg.MaxCost,
		InFlight:   c.inflight.inFlight(),
	}
	if c.disk != nil {
		st.DiskEntries = c.disk.Len()
	}
	return st
}

// Close stops prefetching, waits for background work and flushes queued
// disk writes.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if c.disk != nil {
		return c.disk.Close()
	}
	return nil
}
