// Package memory holds decoded images in a bounded, least-recently-used store.
package memory

import (
	"errors"
	"image"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"img-cache/internal/fingerprint"
)

// Reference bounds.
const (
	DefaultMaxEntries       = 200
	DefaultMaxCost    int64 = 80 << 20
)

const bytesPerPixel = 4

// ErrInvalidBounds is returned by New when a bound is not positive.
var ErrInvalidBounds = errors.New("memory store bounds must be positive")

type item struct {
	img  image.Image
	cost int64
}

// Store is safe for concurrent use. Both the entry count and the summed cost
// are enforced on every Put.
type Store struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[fingerprint.Key, *item]
	cost    int64
	maxCost int64
	onEvict func(fingerprint.Key)

	// removing is set while entries leave on request rather than under
	// bound pressure, so the evict hook only sees real evictions.
	removing bool
}

// Option configures a Store.
type Option func(*Store)

// WithEvictHook registers fn to be called for every entry dropped under
// bound pressure. fn runs with the store locked and must not call back into it.
func WithEvictHook(fn func(fingerprint.Key)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New creates a store bounded by maxEntries and maxCost bytes.
func New(maxEntries int, maxCost int64, opts ...Option) (*Store, error) {
	if maxEntries <= 0 || maxCost <= 0 {
		return nil, ErrInvalidBounds
	}

	s := &Store{maxCost: maxCost}
	for _, opt := range opts {
		opt(s)
	}

	lru, err := simplelru.NewLRU[fingerprint.Key, *item](maxEntries, s.evicted)
	if err != nil {
		return nil, err
	}
	s.lru = lru
	return s, nil
}

// evicted is called by the LRU for removals, evictions and purges alike.
func (s *Store) evicted(key fingerprint.Key, it *item) {
	s.cost -= it.cost
	if !s.removing && s.onEvict != nil {
		s.onEvict(key)
	}
}

// Get returns the image for key and marks it most recently used.
func (s *Store) Get(key fingerprint.Key) (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	return it.img, true
}

// Contains reports whether key is resident without touching its recency.
func (s *Store) Contains(key fingerprint.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(key)
}

// Put stores img under key. Least recently used entries are evicted until
// both bounds hold. An image costing more than the whole budget is not stored.
func (s *Store) Put(key fingerprint.Key, img image.Image, cost int64) bool {
	if img == nil || cost > s.maxCost {
		return false
	}
	if cost < 0 {
		cost = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(key); ok {
		s.cost -= old.cost
		old.img, old.cost = img, cost
		s.cost += cost
		s.lru.Get(key)
	} else {
		s.cost += cost
		s.lru.Add(key, &item{img: img, cost: cost})
	}

	for s.cost > s.maxCost {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
	}
	return true
}

// Remove deletes key if present.
func (s *Store) Remove(key fingerprint.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.lru.Remove(key)
	s.removing = false
}

// Purge empties the store.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.lru.Purge()
	s.removing = false
	s.cost = 0
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Cost returns the summed cost of resident entries.
func (s *Store) Cost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// Cost approximates the resident size of img rendered at scale.
func Cost(img image.Image, scale float64) int64 {
	if img == nil {
		return 0
	}
	if scale <= 0 {
		scale = 1
	}
	b := img.Bounds()
	return int64(float64(b.Dx()*b.Dy()*bytesPerPixel) * scale * scale)
}
