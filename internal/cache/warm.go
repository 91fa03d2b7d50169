package cache

import (
	"container/list"
	"os"
	"runtime/debug"
	"sync"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/hasher"
)

// Warm cache defaults.
const (
	DefaultWarmEntries  = 1024
	DefaultWarmFileSize = 1 << 20
)

// WarmConfig configures a WarmCache.
type WarmConfig struct {
	MaxEntries  int   `yaml:"max_entries"`
	MaxFileSize int64 `yaml:"max_file_size"`
}

// mapping is one memory-mapped backing file.
type mapping struct {
	key     string
	digest  hasher.Digest
	data    []byte
	unmap   func() error
	element *list.Element
}

// WarmCache keeps read-only memory mappings of backing files keyed by cache
// key. The least recently used mapping is unmapped when the cache is full.
type WarmCache struct {
	mu        sync.Mutex
	config    WarmConfig
	items     map[string]*mapping
	evictList *list.List
	closed    bool
	stats     Stats
}

// NewWarmCache creates a warm cache. Zero config values take the defaults.
func NewWarmCache(config WarmConfig) *WarmCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultWarmEntries
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultWarmFileSize
	}
	return &WarmCache{
		config:    config,
		items:     make(map[string]*mapping),
		evictList: list.New(),
		stats:     Stats{Capacity: config.MaxEntries},
	}
}

// Eligible reports whether a file of size bytes may be promoted.
func (c *WarmCache) Eligible(size int64) bool {
	return size > 0 && size <= c.config.MaxFileSize
}

// MmapSupported reports whether promotions use real memory mappings.
func MmapSupported() bool {
	return mmapSupported
}

// Promote maps the file at path for key. Files larger than MaxFileSize are
// refused with ErrCodeFileTooLarge. Promoting a key that is already mapped
// with the same digest only refreshes its recency.
func (c *WarmCache) Promote(key string, digest hasher.Digest, path string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "warm cache is closed").
			WithComponent("warm_cache")
	}
	if m, ok := c.items[key]; ok && m.digest == digest {
		c.evictList.MoveToFront(m.element)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "failed to open backing file").
			WithComponent("warm_cache").WithOperation("promote").WithKey(key)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "failed to stat backing file").
			WithComponent("warm_cache").WithOperation("promote").WithKey(key)
	}
	if !c.Eligible(info.Size()) {
		return errors.Newf(errors.ErrCodeFileTooLarge, "file of %d bytes is not eligible for mapping", info.Size()).
			WithComponent("warm_cache").WithOperation("promote").WithKey(key)
	}

	data, unmap, err := mapFile(f, int(info.Size()))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "failed to map backing file").
			WithComponent("warm_cache").WithOperation("promote").WithKey(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = unmap()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "warm cache is closed").
			WithComponent("warm_cache")
	}
	if old, ok := c.items[key]; ok {
		c.removeLocked(old)
	}

	m := &mapping{key: key, digest: digest, data: data, unmap: unmap}
	m.element = c.evictList.PushFront(m)
	c.items[key] = m

	for len(c.items) > c.config.MaxEntries {
		oldest := c.evictList.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*mapping))
		c.stats.Evictions++
	}
	return nil
}

// Get returns a copy of key's mapped bytes when the mapping was promoted for
// the same input digest. A mapping for a different digest is stale and is
// demoted.
func (c *WarmCache) Get(key string, digest hasher.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		c.stats.updateHitRate()
		return nil, false
	}
	if m.digest != digest {
		c.removeLocked(m)
		c.stats.Misses++
		c.stats.updateHitRate()
		return nil, false
	}

	result, ok := copyMapping(m.data)
	if !ok {
		c.removeLocked(m)
		c.stats.Misses++
		c.stats.updateHitRate()
		return nil, false
	}

	c.evictList.MoveToFront(m.element)
	c.stats.Hits++
	c.stats.updateHitRate()
	return result, true
}

// copyMapping copies mapped bytes. A file truncated underneath its mapping
// faults on access; the fault is reported as !ok instead of crashing.
func copyMapping(data []byte) (out []byte, ok bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()

	out = make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Demote unmaps key.
func (c *WarmCache) Demote(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.items[key]
	if ok {
		c.removeLocked(m)
	}
	return ok
}

func (c *WarmCache) removeLocked(m *mapping) {
	c.evictList.Remove(m.element)
	delete(c.items, m.key)
	_ = m.unmap()
	m.data = nil
}

// Clear unmaps everything and returns how many mappings were dropped.
func (c *WarmCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	for _, m := range c.items {
		_ = m.unmap()
		m.data = nil
	}
	c.items = make(map[string]*mapping)
	c.evictList.Init()
	c.stats.Evictions += uint64(n)
	return n
}

// Close unmaps everything. Later promotions fail.
func (c *WarmCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, m := range c.items {
		if err := m.unmap(); err != nil {
			errs = append(errs, err)
		}
		m.data = nil
	}
	c.items = make(map[string]*mapping)
	c.evictList.Init()
	c.closed = true

	if len(errs) > 0 {
		return errors.Wrap(errs[0], errors.ErrCodeInternalError, "failed to unmap warm cache").
			WithComponent("warm_cache").WithDetail("failures", len(errs))
	}
	return nil
}

// Len returns the number of mapped files.
func (c *WarmCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache statistics.
func (c *WarmCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	return s
}
