package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-cache/internal/fingerprint"
)

func newMemStore(t *testing.T, opts ...Option) (*Store, chan error) {
	t.Helper()
	written := make(chan error, 16)
	opts = append(opts, WithWriteHook(func(err error) { written <- err }))
	s := New(memfs.New(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, written
}

func waitWrite(t *testing.T, written chan error) error {
	t.Helper()
	select {
	case err := <-written:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disk write")
		return nil
	}
}

func TestStore_WriteRead(t *testing.T) {
	s, written := newMemStore(t)
	key := fingerprint.Of("https://x/a.jpg")

	_, ok := s.Read(key)
	assert.False(t, ok)

	require.True(t, s.Write(key, []byte("jpeg bytes")))
	require.NoError(t, waitWrite(t, written))

	data, ok := s.Read(key)
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg bytes"), data)
	assert.Equal(t, 1, s.Len())
}

func TestStore_WriteOverwrites(t *testing.T) {
	s, written := newMemStore(t)
	key := fingerprint.Of("https://x/a.jpg")

	s.Write(key, []byte("one"))
	require.NoError(t, waitWrite(t, written))
	s.Write(key, []byte("two"))
	require.NoError(t, waitWrite(t, written))

	data, ok := s.Read(key)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), data)
	assert.Equal(t, 1, s.Len())
}

func TestStore_HasRemove(t *testing.T) {
	s, written := newMemStore(t)
	key := fingerprint.Of("https://x/a.jpg")
	assert.False(t, s.Has(key))

	s.Write(key, []byte("data"))
	require.NoError(t, waitWrite(t, written))
	assert.True(t, s.Has(key))

	s.Remove(key)
	assert.False(t, s.Has(key))
	_, ok := s.Read(key)
	assert.False(t, ok)

	s.Remove(key)
}

func TestStore_ReadsDuringWrites(t *testing.T) {
	s := New(memfs.New(), WithQueueSize(256))
	keys := make([]fingerprint.Key, 100)
	for i := range keys {
		keys[i] = fingerprint.Of(fmt.Sprintf("https://x/%d.jpg", i))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				key := keys[i%len(keys)]
				s.Read(key)
				s.Has(key)
				s.Len()
			}
		}()
	}

	for _, key := range keys {
		require.True(t, s.Write(key, []byte("jpeg bytes")))
	}
	require.NoError(t, s.Close())
	close(stop)
	wg.Wait()

	assert.Equal(t, len(keys), s.Len())
	for _, key := range keys {
		assert.True(t, s.Has(key))
	}
}

func TestStore_ReadRejectsForeignNames(t *testing.T) {
	s, _ := newMemStore(t)
	_, ok := s.Read(fingerprint.Key("../etc/passwd"))
	assert.False(t, ok)
	assert.False(t, s.Write(fingerprint.Key("../x"), []byte("x")))
}

func TestStore_EncodeFailureIsSwallowed(t *testing.T) {
	s, written := newMemStore(t)
	key := fingerprint.Of("https://x/a.jpg")

	require.True(t, s.WriteFunc(key, func() ([]byte, error) {
		return nil, errors.New("encode failed")
	}))
	assert.Error(t, waitWrite(t, written))

	_, ok := s.Read(key)
	assert.False(t, ok)
}

func TestStore_DropsWhenQueueFull(t *testing.T) {
	dropped := 0
	s, written := newMemStore(t, WithQueueSize(1), WithDropHook(func() { dropped++ }))

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, s.WriteFunc(fingerprint.Of("https://x/1"), func() ([]byte, error) {
		close(started)
		<-release
		return []byte("1"), nil
	}))
	<-started

	assert.True(t, s.Write(fingerprint.Of("https://x/2"), []byte("2")))
	assert.False(t, s.Write(fingerprint.Of("https://x/3"), []byte("3")))
	assert.Equal(t, 1, dropped)

	close(release)
	require.NoError(t, waitWrite(t, written))
	require.NoError(t, waitWrite(t, written))

	_, ok := s.Read(fingerprint.Of("https://x/3"))
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestStore_Sweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	s, err := NewOS(dir, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	young := fingerprint.Of("https://x/young.jpg")
	old := fingerprint.Of("https://x/old.jpg")
	writeAged(t, dir, young, now.Add(-(DefaultTTL - 24*time.Hour)))
	writeAged(t, dir, old, now.Add(-(DefaultTTL + 24*time.Hour)))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := s.Read(young)
	assert.True(t, ok)
	_, ok = s.Read(old)
	assert.False(t, ok)
}

func TestStore_SweepCustomTTL(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	s, err := NewOS(dir, WithTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	writeAged(t, dir, fingerprint.Of("https://x/a"), now.Add(-2*time.Hour))
	writeAged(t, dir, fingerprint.Of("https://x/b"), now.Add(-30*time.Minute))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestStore_SweepMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s, err := NewOS(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, os.RemoveAll(dir))
	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewOS(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	writeAged(t, dir, fingerprint.Of("https://x/a"), time.Now())
	writeAged(t, dir, fingerprint.Of("https://x/b"), time.Now())
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.Clear())
	assert.Zero(t, s.Len())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStore_ClearAsync(t *testing.T) {
	s, written := newMemStore(t)
	s.Write(fingerprint.Of("https://x/a"), []byte("a"))
	require.NoError(t, waitWrite(t, written))

	require.True(t, s.ClearAsync())
	require.NoError(t, s.Close())
	assert.Zero(t, s.Len())
}

func TestStore_Close(t *testing.T) {
	s := New(memfs.New())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, s.Write(fingerprint.Of("https://x/a"), []byte("a")))
	assert.False(t, s.SweepAsync())
}

func writeAged(t *testing.T, dir string, key fingerprint.Key, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, key.String())
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}
