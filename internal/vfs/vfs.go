// Package vfs resolves tile data files against a stack of sources.
package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressedExt is appended to a file name to find its zstd-compressed
// variant.
const CompressedExt = ".zst"

// Source is one place data files can come from.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Read returns the whole file. A missing file yields an error
	// matching fs.ErrNotExist.
	Read(name string) ([]byte, error)
	Close() error
}

// Manager searches its sources for data files and caches what it read.
// Sources are searched in reverse order (last added = highest priority).
type Manager struct {
	sources []Source
	cache   *Cache
	mu      sync.RWMutex
}

// NewManager creates a manager. With cacheFiles unset every Open reads
// through to the sources.
func NewManager(cacheFiles bool) *Manager {
	m := &Manager{}
	if cacheFiles {
		m.cache = NewCache()
	}
	return m
}

// AddSource adds a source with the highest priority so far.
func (m *Manager) AddSource(src Source) {
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()
}

// AddDir adds a directory source.
func (m *Manager) AddDir(root string) error {
	src, err := NewDirSource(root)
	if err != nil {
		return err
	}
	m.AddSource(src)
	return nil
}

// Load returns the contents of a data file.
func (m *Manager) Load(name string) ([]byte, error) {
	if m.cache != nil {
		if data, ok := m.cache.Get(name); ok {
			return data, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.sources) - 1; i >= 0; i-- {
		data, err := m.sources[i].Read(name)
		if err == nil {
			if m.cache != nil {
				m.cache.Set(name, data)
			}
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s from %s: %w", name, m.sources[i].Name(), err)
		}
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// Open returns a seekable reader over a data file.
func (m *Manager) Open(name string) (io.ReadSeekCloser, error) {
	data, err := m.Load(name)
	if err != nil {
		return nil, err
	}
	return file{bytes.NewReader(data)}, nil
}

// Evict drops a file from the cache and reports whether it was cached.
func (m *Manager) Evict(name string) bool {
	if m.cache == nil {
		return false
	}
	return m.cache.Evict(name)
}

// Cache returns the file cache, nil when caching is off.
func (m *Manager) Cache() *Cache { return m.cache }

// Close closes all sources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.sources = nil
	if m.cache != nil {
		m.cache.Clear()
	}
	return errors.Join(errs...)
}

type file struct{ *bytes.Reader }

func (file) Close() error { return nil }

// DirSource reads files below a directory. A file stored only as
// name+".zst" is decompressed transparently.
type DirSource struct {
	root string
	dec  *zstd.Decoder
}

// NewDirSource creates a source rooted at an existing directory.
func NewDirSource(root string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening data root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data root %s is not a directory", root)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &DirSource{root: root, dec: dec}, nil
}

// Name implements Source.
func (d *DirSource) Name() string { return d.root }

// Read implements Source.
func (d *DirSource) Read(name string) ([]byte, error) {
	p := d.resolve(name)
	data, err := os.ReadFile(p)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	packed, zerr := os.ReadFile(p + CompressedExt)
	if zerr != nil {
		// Report the plain name; the compressed one is an implementation detail.
		return nil, err
	}
	data, zerr = d.dec.DecodeAll(packed, nil)
	if zerr != nil {
		return nil, fmt.Errorf("decompressing %s: %w", name+CompressedExt, zerr)
	}
	return data, nil
}

// resolve maps a slash separated name into the root. Names cannot climb
// out of it.
func (d *DirSource) resolve(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/"+name)))
}

// Close implements Source.
func (d *DirSource) Close() error {
	d.dec.Close()
	return nil
}

// MemSource serves files held in memory.
type MemSource struct {
	name  string
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemSource creates an empty in-memory source.
func NewMemSource(name string) *MemSource {
	return &MemSource{name: name, files: make(map[string][]byte)}
}

// Put stores a file.
func (s *MemSource) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// Name implements Source.
func (s *MemSource) Name() string { return s.name }

// Read implements Source.
func (s *MemSource) Read(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return data, nil
}

// Close implements Source.
func (s *MemSource) Close() error { return nil }

// Cache is an in-memory cache of loaded files.
type Cache struct {
	data  map[string][]byte
	bytes int64
	mu    sync.Mutex

	// Stats
	hits   int
	misses int
}

// NewCache creates a new cache.
func NewCache() *Cache {
	return &Cache{
		data: make(map[string][]byte),
	}
}

// Get retrieves an item from cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.data[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// Set stores an item in cache.
func (c *Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += int64(len(data)) - int64(len(c.data[key]))
	c.data[key] = data
}

// Evict removes an item and reports whether it was present.
func (c *Cache) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[key]
	if ok {
		c.bytes -= int64(len(data))
		delete(c.data, key)
	}
	return ok
}

// Clear clears the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]byte)
	c.bytes = 0
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Size returns the number of cached files and their total size in bytes.
func (c *Cache) Size() (files int, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data), c.bytes
}
