// Package disk persists encoded images, one file per fingerprint, and
// reclaims files by age.
//
// There is no index: presence comes from the directory listing and a file's
// modification time is its only expiry signal. Writes go through a bounded
// queue drained by a single worker; when the queue is full the write is
// dropped. Read and write failures are logged and never reach the caller.
package disk

import (
	"errors"
	"os"
	"path"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"img-cache/internal/fingerprint"
)

// Defaults.
const (
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultQueueSize = 64
)

const (
	root     = "/"
	tmpExt   = ".tmp"
	filePerm = 0o644
	dirPerm  = 0o755
)

// EncodeFunc produces the bytes to persist. It runs on the write worker.
type EncodeFunc func() ([]byte, error)

type job struct {
	key    fingerprint.Key
	encode EncodeFunc
}

// Store is a content-addressed directory of image files.
type Store struct {
	fs        billy.Filesystem
	ttl       time.Duration
	queueSize int
	now       func() time.Time
	logger    *zap.Logger
	onDrop    func()
	onWrite   func(error)

	// fsMu guards the filesystem. Readers share it; mutations are exclusive.
	fsMu sync.RWMutex

	qMu    sync.RWMutex
	queue  chan job
	closed bool

	wg sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the age after which Sweep removes a file.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithQueueSize bounds the number of pending writes.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDropHook is called whenever a write is discarded because the queue is full.
func WithDropHook(fn func()) Option {
	return func(s *Store) {
		s.onDrop = fn
	}
}

// WithWriteHook is called after every attempted write with its outcome.
func WithWriteHook(fn func(error)) Option {
	return func(s *Store) {
		s.onWrite = fn
	}
}

// New creates a store on fs and starts its write worker.
func New(fs billy.Filesystem, opts ...Option) *Store {
	s := &Store{
		fs:        fs,
		ttl:       DefaultTTL,
		queueSize: DefaultQueueSize,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.queue = make(chan job, s.queueSize)
	s.wg.Add(1)
	go s.run()
	return s
}

// NewOS creates a store rooted at dir on the local filesystem.
func NewOS(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return New(osfs.New(dir), opts...), nil
}

// Read returns the bytes stored for key. Any failure is a miss.
func (s *Store) Read(key fingerprint.Key) ([]byte, bool) {
	if !key.Valid() {
		return nil, false
	}

	s.fsMu.RLock()
	data, err := util.ReadFile(s.fs, name(key))
	s.fsMu.RUnlock()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("disk read failed", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Has reports whether a record exists for key.
func (s *Store) Has(key fingerprint.Key) bool {
	if !key.Valid() {
		return false
	}
	s.fsMu.RLock()
	defer s.fsMu.RUnlock()
	info, err := s.fs.Stat(name(key))
	return err == nil && !info.IsDir() && info.Size() > 0
}

// Remove deletes the record for key.
func (s *Store) Remove(key fingerprint.Key) {
	if !key.Valid() {
		return
	}

	s.fsMu.Lock()
	defer s.fsMu.Unlock()
	if err := s.fs.Remove(name(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("disk remove failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// Write queues data for key. It never blocks.
func (s *Store) Write(key fingerprint.Key, data []byte) bool {
	return s.WriteFunc(key, func() ([]byte, error) { return data, nil })
}

// WriteFunc queues a write whose payload is produced by encode on the worker.
// It never blocks; false means the write was dropped.
func (s *Store) WriteFunc(key fingerprint.Key, encode EncodeFunc) bool {
	if !key.Valid() || encode == nil {
		return false
	}

	s.qMu.RLock()
	defer s.qMu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.queue <- job{key: key, encode: encode}:
		return true
	default:
		s.logger.Debug("disk write dropped, queue full", zap.String("key", key.String()))
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
}

func (s *Store) run() {
	defer s.wg.Done()
	for j := range s.queue {
		err := s.write(j)
		if err != nil {
			s.logger.Warn("disk write failed", zap.String("key", j.key.String()), zap.Error(err))
		}
		if s.onWrite != nil {
			s.onWrite(err)
		}
	}
}

func (s *Store) write(j job) error {
	data, err := j.encode()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty payload")
	}

	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	tmp := name(j.key) + tmpExt
	if err := util.WriteFile(s.fs, tmp, data, filePerm); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, name(j.key)); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// Sweep removes every file whose modification time is older than now - TTL.
func (s *Store) Sweep() (int, error) {
	cutoff := s.now().Add(-s.ttl)

	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	infos, err := s.fs.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, info := range infos {
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(path.Join(root, info.Name())); err != nil {
			s.logger.Warn("failed to remove expired cache file", zap.String("file", info.Name()), zap.Error(err))
			continue
		}
		removed++
	}

	s.logger.Debug("disk sweep finished", zap.Int("removed", removed), zap.Duration("ttl", s.ttl))
	return removed, nil
}

// SweepAsync runs Sweep on a background goroutine.
func (s *Store) SweepAsync() bool {
	return s.background(func() {
		if _, err := s.Sweep(); err != nil {
			s.logger.Warn("disk sweep failed", zap.Error(err))
		}
	})
}

// Clear deletes every file and recreates the directory.
func (s *Store) Clear() error {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	infos, err := s.fs.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, info := range infos {
		if err := util.RemoveAll(s.fs, path.Join(root, info.Name())); err != nil {
			return err
		}
	}
	return s.fs.MkdirAll(root, dirPerm)
}

// ClearAsync runs Clear on a background goroutine.
func (s *Store) ClearAsync() bool {
	return s.background(func() {
		if err := s.Clear(); err != nil {
			s.logger.Warn("disk clear failed", zap.Error(err))
		}
	})
}

// background runs fn tracked by Close. It refuses work once closed.
func (s *Store) background(fn func()) bool {
	s.qMu.RLock()
	defer s.qMu.RUnlock()
	if s.closed {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// Len counts the files currently stored.
func (s *Store) Len() int {
	s.fsMu.RLock()
	defer s.fsMu.RUnlock()
	infos, err := s.fs.ReadDir(root)
	if err != nil {
		return 0
	}
	n := 0
	for _, info := range infos {
		if !info.IsDir() && fingerprint.Key(info.Name()).Valid() {
			n++
		}
	}
	return n
}

// Close stops accepting writes, drains the queue and waits for background work.
func (s *Store) Close() error {
	s.qMu.Lock()
	if s.closed {
		s.qMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.qMu.Unlock()

	s.wg.Wait()
	return nil
}

func name(key fingerprint.Key) string {
	return path.Join(root, key.String())
}
