package cache

import (
	"sync"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/hasher"
)

// DefaultHotEntries is the default HotCache capacity.
const DefaultHotEntries = 4096

// Stats tracks the activity of one cache tier.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	Refused   uint64  `json:"refused"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func (s *Stats) updateHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

// HotCache keeps transform outputs in memory keyed by the digest of their
// input, so identical inputs under different keys share one entry. It never
// evicts: once full, Put refuses new entries until Clear.
type HotCache struct {
	mu       sync.RWMutex
	capacity int
	items    map[hasher.Digest][]byte
	stats    Stats
}

// NewHotCache creates a hot cache holding at most maxEntries outputs.
func NewHotCache(maxEntries int) *HotCache {
	if maxEntries <= 0 {
		maxEntries = DefaultHotEntries
	}
	return &HotCache{
		capacity: maxEntries,
		items:    make(map[hasher.Digest][]byte),
		stats:    Stats{Capacity: maxEntries},
	}
}

// Get returns a copy of the output cached for digest.
func (c *HotCache) Get(digest hasher.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.items[digest]
	if !ok {
		c.stats.Misses++
		c.stats.updateHitRate()
		return nil, false
	}
	c.stats.Hits++
	c.stats.updateHitRate()

	result := make([]byte, len(data))
	copy(result, data)
	return result, true
}

// Put stores a copy of data under digest. Replacing an existing entry always
// succeeds; a new entry beyond capacity is refused with ErrCodeCacheFull.
func (c *HotCache) Put(digest hasher.Digest, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[digest]; !exists && len(c.items) >= c.capacity {
		c.stats.Refused++
		return errors.Newf(errors.ErrCodeCacheFull, "hot cache holds %d entries", c.capacity).
			WithComponent("hot_cache").WithOperation("put")
	}
	c.items[digest] = stored
	return nil
}

// Contains reports whether digest is cached without counting a hit or miss.
func (c *HotCache) Contains(digest hasher.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[digest]
	return ok
}

// Delete removes the entry for digest.
func (c *HotCache) Delete(digest hasher.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, digest)
}

// Clear drops every entry.
func (c *HotCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[hasher.Digest][]byte)
	c.stats.Evictions += uint64(n)
	return n
}

// Len returns the number of cached outputs.
func (c *HotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache statistics.
func (c *HotCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.items)
	return s
}
