package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/hasher"
)

func TestHotCacheGetPut(t *testing.T) {
	c := NewHotCache(4)
	d := hasher.Sum([]byte("input"))

	_, ok := c.Get(d)
	assert.False(t, ok)

	require.NoError(t, c.Put(d, []byte("output")))
	got, ok := c.Get(d)
	require.True(t, ok)
	assert.Equal(t, []byte("output"), got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestHotCacheReturnsCopies(t *testing.T) {
	c := NewHotCache(4)
	d := hasher.Sum([]byte("input"))
	data := []byte("output")
	require.NoError(t, c.Put(d, data))

	data[0] = 'X'
	got, _ := c.Get(d)
	assert.Equal(t, byte('o'), got[0], "Put must copy its argument")

	got[0] = 'Y'
	again, _ := c.Get(d)
	assert.Equal(t, byte('o'), again[0], "Get must return a copy")
}

func TestHotCacheRefusesBeyondCapacity(t *testing.T) {
	c := NewHotCache(2)
	a, b, x := hasher.Sum([]byte("a")), hasher.Sum([]byte("b")), hasher.Sum([]byte("x"))

	require.NoError(t, c.Put(a, []byte("1")))
	require.NoError(t, c.Put(b, []byte("2")))

	err := c.Put(x, []byte("3"))
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))
	assert.False(t, c.Contains(x))

	// Replacing an existing entry is still allowed when full.
	require.NoError(t, c.Put(a, []byte("updated")))
	got, _ := c.Get(a)
	assert.Equal(t, []byte("updated"), got)
	assert.Equal(t, uint64(1), c.Stats().Refused)
}

func TestHotCacheClear(t *testing.T) {
	c := NewHotCache(0)
	assert.Equal(t, DefaultHotEntries, c.Stats().Capacity)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(hasher.Sum([]byte{byte(i)}), []byte{byte(i)}))
	}
	assert.Equal(t, 10, c.Clear())
	assert.Zero(t, c.Len())
}

func TestHotCacheConcurrentAccess(t *testing.T) {
	c := NewHotCache(64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := hasher.Sum([]byte{byte(i)})
			for j := 0; j < 100; j++ {
				_ = c.Put(d, []byte{byte(j)})
				_, _ = c.Get(d)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
}

func writeBacking(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0640))
	return path
}

func TestWarmCachePromoteGet(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{})
	t.Cleanup(func() { _ = c.Close() })

	content := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0, 0, 0, 52, 1, 2, 3}
	path := writeBacking(t, dir, "a.class", content)
	d := hasher.Sum([]byte("input"))

	require.NoError(t, c.Promote("A", d, path))
	got, ok := c.Get("A", d)
	require.True(t, ok)
	assert.Equal(t, content, got)

	got[0] = 0
	again, _ := c.Get("A", d)
	assert.Equal(t, byte(0xCA), again[0], "Get must copy out of the mapping")

	// Promoting again with the same digest keeps the mapping.
	require.NoError(t, c.Promote("A", d, path))
	assert.Equal(t, 1, c.Len())
}

func TestWarmCacheDigestMismatchDemotes(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{})
	t.Cleanup(func() { _ = c.Close() })

	path := writeBacking(t, dir, "a.class", []byte("cached output"))
	require.NoError(t, c.Promote("A", hasher.Sum([]byte("v1")), path))

	_, ok := c.Get("A", hasher.Sum([]byte("v2")))
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "stale mapping is dropped")
}

func TestWarmCacheRejectsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{MaxFileSize: 8})
	t.Cleanup(func() { _ = c.Close() })

	path := writeBacking(t, dir, "big.class", make([]byte, 9))
	err := c.Promote("big", hasher.Sum(nil), path)
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))

	empty := writeBacking(t, dir, "empty.class", nil)
	assert.Error(t, c.Promote("empty", hasher.Sum(nil), empty))

	assert.Error(t, c.Promote("missing", hasher.Sum(nil), filepath.Join(dir, "missing")))
	assert.Zero(t, c.Len())
}

func TestWarmCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{MaxEntries: 2})
	t.Cleanup(func() { _ = c.Close() })

	d := hasher.Sum([]byte("same"))
	for _, key := range []string{"A", "B"} {
		require.NoError(t, c.Promote(key, d, writeBacking(t, dir, key, []byte("data "+key))))
	}

	// Touch A so that B becomes the oldest.
	_, ok := c.Get("A", d)
	require.True(t, ok)

	require.NoError(t, c.Promote("C", d, writeBacking(t, dir, "C", []byte("data C"))))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("B", d)
	assert.False(t, ok)
	_, ok = c.Get("A", d)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestWarmCacheSurvivesFileReplacement(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{})
	t.Cleanup(func() { _ = c.Close() })

	path := writeBacking(t, dir, "a.class", []byte("original"))
	d := hasher.Sum([]byte("in"))
	require.NoError(t, c.Promote("A", d, path))

	// Backing files are replaced by rename, never rewritten in place.
	tmp := writeBacking(t, dir, "a.class.tmp", []byte("replaced"))
	require.NoError(t, os.Rename(tmp, path))

	got, ok := c.Get("A", d)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got)
}

func TestWarmCacheDemoteClearClose(t *testing.T) {
	dir := t.TempDir()
	c := NewWarmCache(WarmConfig{})
	d := hasher.Sum(nil)

	require.NoError(t, c.Promote("A", d, writeBacking(t, dir, "A", []byte("a"))))
	require.NoError(t, c.Promote("B", d, writeBacking(t, dir, "B", []byte("b"))))

	assert.True(t, c.Demote("A"))
	assert.False(t, c.Demote("A"))
	assert.Equal(t, 1, c.Clear())

	require.NoError(t, c.Promote("C", d, writeBacking(t, dir, "C", []byte("c"))))
	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())

	err := c.Promote("D", d, writeBacking(t, dir, "D", []byte("d")))
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
}
