package circuit

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// DefaultKeyThreshold is the number of failures after which a key is
// blacklisted.
const DefaultKeyThreshold = 3

// BlacklistFile is the operator-facing dump of blacklisted keys.
const BlacklistFile = "blacklist.dat"

// BlacklistConfig configures a Blacklist.
type BlacklistConfig struct {
	Threshold uint32
	// OnBlacklist is called once per key, outside any lock, when the key
	// crosses the threshold.
	OnBlacklist func(key string, failures uint32)
}

// Blacklist counts failures per key and permanently blacklists a key for the
// rest of the process once it reaches the threshold. Counters are created on
// the first failure only.
type Blacklist struct {
	mu          sync.RWMutex
	threshold   uint32
	failures    map[string]uint32
	blacklisted map[string]time.Time
	onBlacklist func(string, uint32)
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist(config BlacklistConfig) *Blacklist {
	if config.Threshold == 0 {
		config.Threshold = DefaultKeyThreshold
	}
	return &Blacklist{
		threshold:   config.Threshold,
		failures:    make(map[string]uint32),
		blacklisted: make(map[string]time.Time),
		onBlacklist: config.OnBlacklist,
	}
}

// RecordFailure counts a failure for key. It returns the key's failure count
// and whether this failure blacklisted it.
func (b *Blacklist) RecordFailure(key string) (uint32, bool) {
	b.mu.Lock()
	if _, done := b.blacklisted[key]; done {
		n := b.failures[key]
		b.mu.Unlock()
		return n, false
	}

	b.failures[key]++
	n := b.failures[key]
	tripped := n >= b.threshold
	if tripped {
		b.blacklisted[key] = time.Now()
	}
	b.mu.Unlock()

	if tripped && b.onBlacklist != nil {
		b.onBlacklist(key, n)
	}
	return n, tripped
}

// IsBlacklisted reports whether key is blacklisted.
func (b *Blacklist) IsBlacklisted(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blacklisted[key]
	return ok
}

// Failures returns the failure count for key.
func (b *Blacklist) Failures(key string) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures[key]
}

// Len returns the number of blacklisted keys.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blacklisted)
}

// Keys returns the blacklisted keys in order.
func (b *Blacklist) Keys() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.blacklisted))
	for k := range b.blacklisted {
		keys = append(keys, k)
	}
	b.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Threshold returns the per-key failure threshold.
func (b *Blacklist) Threshold() uint32 {
	return b.threshold
}

// WriteFile atomically writes the blacklisted keys to path, one per line.
// The file is informational; it is never read back.
func (b *Blacklist) WriteFile(path string) error {
	var buf bytes.Buffer
	for _, k := range b.Keys() {
		buf.WriteString(k)
		buf.WriteByte('\n')
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("failed to write blacklist: %w", err)
	}
	return nil
}
