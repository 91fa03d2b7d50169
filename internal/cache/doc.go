/*
Package cache provides the two in-memory tiers that sit in front of the disk
index.

# Tier Layout

	┌─────────────────────────────────────────────┐
	│              LookupOrTransform              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 HotCache                    │  ← This Package
	│   • keyed by input digest                   │
	│   • bounded entry count, refuses when full  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 WarmCache                   │  ← This Package
	│   • keyed by cache key, digest checked      │
	│   • read-only mmap of backing files         │
	│   • LRU demotion                            │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Disk index (internal/index)       │
	└─────────────────────────────────────────────┘

Both tiers hold disposable copies of data owned by the index. Either may be
cleared at any time, for example under heap pressure, without losing
anything that cannot be rebuilt from disk.

# HotCache

HotCache maps a content digest to the transform output for that input. Two
keys whose inputs are byte-identical share one entry. The cache never evicts
on its own: once it holds its configured number of entries Put refuses new
ones with a capacity error, which callers ignore. Clear empties it.

	hot := cache.NewHotCache(4096)
	if out, ok := hot.Get(digest); ok {
		return out
	}

# WarmCache

WarmCache holds read-only memory mappings of backing files no larger than
MaxFileSize. Get copies out of the mapping, so callers never hold a slice
into mapped memory. Backing files are only ever replaced by rename, so a
live mapping keeps the contents it was created with even if the file is
rewritten or removed.

On platforms without mmap the file is read into memory instead.

	warm := cache.NewWarmCache(cache.WarmConfig{MaxEntries: 1024})
	defer warm.Close()
	_ = warm.Promote(key, digest, path)

All types in this package are safe for concurrent use.
*/
package cache
