package system

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/internal/config"
	"github.com/scttfrdmn/classcache/internal/index"
	"github.com/scttfrdmn/classcache/internal/predictor"
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/memmon"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

func testConfig(root string) *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.CacheRoot = root
	cfg.Cache.StartupWait = 2 * time.Second
	cfg.Cache.FlushInterval = time.Hour
	cfg.Memory.SampleInterval = 10 * time.Millisecond
	return cfg
}

// heap is a controllable sampler.
type heap struct {
	used atomic.Uint64
}

func (h *heap) sample() memmon.Sample {
	return memmon.Sample{Timestamp: time.Now(), Used: h.used.Load(), Max: 100}
}

func newSystem(t *testing.T, cfg *config.Configuration, opts ...Option) *CacheSystem {
	t.Helper()
	h := &heap{}
	h.used.Store(10)
	opts = append([]Option{WithLogger(utils.NewNopLogger()), WithHeapSampler(h.sample)}, opts...)

	s, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func shutdown(t *testing.T, s *CacheSystem) {
	t.Helper()
	require.NoError(t, s.Shutdown(context.Background()))
}

func class(body string) []byte {
	return classfile.DefaultFormat.Build(52, []byte(body))
}

// optimizer appends a marker byte and counts its calls.
type optimizer struct {
	calls atomic.Int32
}

func (o *optimizer) transform(ctx context.Context, in []byte) ([]byte, error) {
	o.calls.Add(1)
	out := append([]byte(nil), in...)
	return append(out, '!'), nil
}

func optimized(in []byte) []byte {
	return append(append([]byte(nil), in...), '!')
}

func TestLookupOrTransform_Idempotent(t *testing.T) {
	s := newSystem(t, testConfig(t.TempDir()))
	opt := &optimizer{}
	input := class("com/example/Foo")

	first := s.LookupOrTransform(context.Background(), "com/example/Foo", input, opt.transform)
	second := s.LookupOrTransform(context.Background(), "com/example/Foo", input, opt.transform)

	assert.Equal(t, optimized(input), first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), opt.calls.Load())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Transforms)
	assert.Equal(t, uint64(1), stats.Hot.Hits)
}

func TestLookup_SharesOutputAcrossKeysWithSameInput(t *testing.T) {
	s := newSystem(t, testConfig(t.TempDir()))
	opt := &optimizer{}
	input := class("shared")

	s.LookupOrTransform(context.Background(), "a/One", input, opt.transform)
	out := s.LookupOrTransform(context.Background(), "b/Two", input, opt.transform)

	assert.Equal(t, optimized(input), out)
	assert.Equal(t, int32(1), opt.calls.Load())
}

func TestLookup_RejectsInvalidInput(t *testing.T) {
	s := newSystem(t, testConfig(t.TempDir()))
	opt := &optimizer{}
	input := []byte("not a class file at all")

	out := s.LookupOrTransform(context.Background(), "com/example/Bad", input, opt.transform)

	assert.Equal(t, input, out)
	assert.Zero(t, opt.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Rejections)
}

func TestLookup_DiskTierAfterRestart(t *testing.T) {
	root := t.TempDir()
	input := class("com/example/Disk")

	first := newSystem(t, testConfig(root))
	s1 := &optimizer{}
	first.LookupOrTransform(context.Background(), "com/example/Disk", input, s1.transform)
	shutdown(t, first)
	assert.FileExists(t, filepath.Join(root, index.IndexFile))

	// Without a load order there is nothing to prewarm.
	require.NoError(t, os.Remove(filepath.Join(root, predictor.FileName)))

	second := newSystem(t, testConfig(root))
	s2 := &optimizer{}
	out := second.LookupOrTransform(context.Background(), "com/example/Disk", input, s2.transform)
	assert.Equal(t, optimized(input), out)
	assert.Zero(t, s2.calls.Load())

	stats := second.Stats()
	reads := stats.DiskReads
	assert.Equal(t, uint64(1), stats.DiskHits)
	assert.Equal(t, 1, stats.Hot.Entries, "a disk hit is promoted to the hot tier")
	assert.Equal(t, 1, stats.Warm.Entries, "a disk hit is promoted to the warm tier")
	assert.Equal(t, 1, second.warm.Len())

	out = second.LookupOrTransform(context.Background(), "com/example/Disk", input, s2.transform)
	assert.Equal(t, optimized(input), out)
	assert.Equal(t, reads, second.Stats().DiskReads, "second lookup is served from memory")
	assert.Zero(t, second.Stats().Warm.Hits, "the hot tier answers first")

	// With the hot tier gone the warm mapping answers and refills it.
	second.hot.Clear()
	out = second.LookupOrTransform(context.Background(), "com/example/Disk", input, s2.transform)
	assert.Equal(t, optimized(input), out)

	stats = second.Stats()
	assert.Equal(t, uint64(1), stats.Warm.Hits)
	assert.Equal(t, reads, stats.DiskReads, "no backing file read for a warm hit")
	assert.Equal(t, uint64(1), stats.DiskHits)
	assert.Equal(t, 1, stats.Hot.Entries)
	assert.Zero(t, s2.calls.Load())
}

func TestLookup_StaleInputIsRetransformed(t *testing.T) {
	root := t.TempDir()

	first := newSystem(t, testConfig(root))
	opt := &optimizer{}
	first.LookupOrTransformSource(context.Background(), Source{Key: "k/A", Input: class("v1"), ModTime: 1}, opt.transform)
	shutdown(t, first)

	second := newSystem(t, testConfig(root))
	out := second.LookupOrTransformSource(context.Background(), Source{Key: "k/A", Input: class("v2"), ModTime: 2}, opt.transform)

	assert.Equal(t, optimized(class("v2")), out)
	assert.Equal(t, int32(2), opt.calls.Load())
}

func TestPrewarm_LoadsPreviousSession(t *testing.T) {
	root := t.TempDir()
	input := class("com/example/Warm")

	first := newSystem(t, testConfig(root))
	opt := &optimizer{}
	first.LookupOrTransform(context.Background(), "com/example/Warm", input, opt.transform)
	shutdown(t, first)

	second := newSystem(t, testConfig(root))
	result := second.Prewarm()
	require.NotNil(t, result)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	warmed, err := result.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)
	assert.Equal(t, 1, second.Stats().Hot.Entries)

	reads := second.Stats().DiskReads
	out := second.LookupOrTransform(context.Background(), "com/example/Warm", input, opt.transform)
	assert.Equal(t, optimized(input), out)
	assert.Equal(t, int32(1), opt.calls.Load())
	assert.Equal(t, reads, second.Stats().DiskReads)
}

func TestRecovery_DiscardsIncompleteWrite(t *testing.T) {
	root := t.TempDir()
	input := class("com/example/Torn")

	first := newSystem(t, testConfig(root))
	opt := &optimizer{}
	first.LookupOrTransform(context.Background(), "com/example/Torn", input, opt.transform)
	shutdown(t, first)

	// Simulate a crash between BEGIN and COMMIT of a rewrite.
	backing := index.BackingFileFor("com/example/Torn")
	f, err := os.OpenFile(filepath.Join(root, index.JournalFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.WriteString("BEGIN:com/example/Torn:" + backing + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second := newSystem(t, testConfig(root))
	_, ok := second.index.Lookup("com/example/Torn")
	assert.False(t, ok, "incomplete write must not be served")

	out := second.LookupOrTransform(context.Background(), "com/example/Torn", input, opt.transform)
	assert.Equal(t, optimized(input), out)
	assert.Equal(t, int32(2), opt.calls.Load())
}

func TestBlacklist_AfterRepeatedFailures(t *testing.T) {
	root := t.TempDir()
	s := newSystem(t, testConfig(root))

	var calls atomic.Int32
	failing := func(ctx context.Context, in []byte) ([]byte, error) {
		calls.Add(1)
		return nil, stderrors.New("transform exploded")
	}
	input := class("com/example/Broken")

	for i := 0; i < 5; i++ {
		out := s.LookupOrTransform(context.Background(), "com/example/Broken", input, failing)
		assert.Equal(t, input, out)
	}
	assert.Equal(t, int32(circuit.DefaultKeyThreshold), calls.Load())
	assert.True(t, s.Blacklisted("com/example/Broken"))

	opt := &optimizer{}
	good := class("com/example/Fine")
	assert.Equal(t, optimized(good), s.LookupOrTransform(context.Background(), "com/example/Fine", good, opt.transform))

	shutdown(t, s)
	data, err := os.ReadFile(filepath.Join(root, circuit.BlacklistFile))
	require.NoError(t, err)
	assert.Equal(t, "com/example/Broken\n", string(data))
}

func TestGlobalBreaker_DisablesAllTransforms(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Guard.GlobalFailureThreshold = 4
	s := newSystem(t, cfg)

	failing := func(ctx context.Context, in []byte) ([]byte, error) {
		return nil, stderrors.New("no")
	}
	for i := 0; i < 4; i++ {
		s.LookupOrTransform(context.Background(), "k/"+string(rune('a'+i)), class("x"+string(rune('a'+i))), failing)
	}
	assert.Equal(t, circuit.StateOpen.String(), s.Stats().BreakerState)

	opt := &optimizer{}
	input := class("after")
	assert.Equal(t, input, s.LookupOrTransform(context.Background(), "k/after", input, opt.transform))
	assert.Zero(t, opt.calls.Load())

	s.ResetBreaker()
	assert.Equal(t, optimized(input), s.LookupOrTransform(context.Background(), "k/after", input, opt.transform))
}

func TestTransformTimeout_ReturnsInput(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Guard.TransformTimeout = 50 * time.Millisecond
	s := newSystem(t, cfg)

	slow := func(ctx context.Context, in []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return in, nil
	}
	input := class("com/example/Slow")

	start := time.Now()
	out := s.LookupOrTransform(context.Background(), "com/example/Slow", input, slow)
	elapsed := time.Since(start)

	assert.Equal(t, input, out)
	assert.Less(t, elapsed, 400*time.Millisecond)
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.Failures)
}

func TestHeapPressure_ClearsTiersAndPauses(t *testing.T) {
	h := &heap{}
	h.used.Store(10)
	s, err := New(context.Background(), testConfig(t.TempDir()),
		WithLogger(utils.NewNopLogger()), WithHeapSampler(h.sample))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	require.NoError(t, s.WaitReady(context.Background()))

	opt := &optimizer{}
	input := class("com/example/Heap")
	s.LookupOrTransform(context.Background(), "com/example/Heap", input, opt.transform)
	require.Equal(t, 1, s.Stats().Hot.Entries)

	h.used.Store(95)
	assert.Eventually(t, func() bool {
		st := s.Stats()
		return st.Paused && st.Hot.Entries == 0
	}, 2*time.Second, 5*time.Millisecond)

	other := class("com/example/Other")
	assert.Equal(t, other, s.LookupOrTransform(context.Background(), "com/example/Other", other, opt.transform))
	assert.Equal(t, int32(1), opt.calls.Load())

	// Still above upper minus hysteresis.
	h.used.Store(85)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Stats().Paused)

	h.used.Store(50)
	assert.Eventually(t, func() bool { return !s.Stats().Paused }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, optimized(other), s.LookupOrTransform(context.Background(), "com/example/Other", other, opt.transform))
}

func TestCorruptBackingFile_IsPurgedAndRebuilt(t *testing.T) {
	root := t.TempDir()
	s := newSystem(t, testConfig(root))
	opt := &optimizer{}
	input := class("com/example/Corrupt")

	s.LookupOrTransform(context.Background(), "com/example/Corrupt", input, opt.transform)
	assert.Eventually(t, func() bool { return s.Stats().Persisted == 1 }, 2*time.Second, 5*time.Millisecond)

	s.hot.Clear()
	s.warm.Clear()
	path := filepath.Join(root, index.BackingFileFor("com/example/Corrupt"))
	require.NoError(t, os.WriteFile(path, []byte{0xCA, 0xFE}, 0640))

	out := s.LookupOrTransform(context.Background(), "com/example/Corrupt", input, opt.transform)
	assert.Equal(t, optimized(input), out)
	assert.Equal(t, int32(2), opt.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Corruptions)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) == len(out)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCorruptBackingFile_HealedAcrossRestart(t *testing.T) {
	root := t.TempDir()
	input := class("com/example/Truncated")

	first := newSystem(t, testConfig(root))
	opt := &optimizer{}
	first.LookupOrTransform(context.Background(), "com/example/Truncated", input, opt.transform)
	shutdown(t, first)

	path := filepath.Join(root, index.BackingFileFor("com/example/Truncated"))
	require.NoError(t, os.Truncate(path, 3))
	require.NoError(t, os.Remove(filepath.Join(root, predictor.FileName)))

	second := newSystem(t, testConfig(root))
	out := second.LookupOrTransform(context.Background(), "com/example/Truncated", input, opt.transform)
	assert.Equal(t, optimized(input), out)
	assert.Equal(t, int32(2), opt.calls.Load())
}

func TestMemoryOnly_WhenRootUnusable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0640))

	s := newSystem(t, testConfig(file))
	assert.True(t, s.MemoryOnly())

	opt := &optimizer{}
	input := class("com/example/Mem")
	assert.Equal(t, optimized(input), s.LookupOrTransform(context.Background(), "com/example/Mem", input, opt.transform))
	assert.Equal(t, optimized(input), s.LookupOrTransform(context.Background(), "com/example/Mem", input, opt.transform))
	assert.Equal(t, int32(1), opt.calls.Load())

	st := s.Stats()
	assert.True(t, st.MemoryOnly)
	assert.Zero(t, st.DiskReads)
	shutdown(t, s)
}

func TestShutdown_PersistsAndStopsServing(t *testing.T) {
	root := t.TempDir()
	s := newSystem(t, testConfig(root))
	opt := &optimizer{}

	s.LookupOrTransform(context.Background(), "k/One", class("1"), opt.transform)
	s.LookupOrTransform(context.Background(), "k/Two", class("2"), opt.transform)
	shutdown(t, s)
	assert.NoError(t, s.Shutdown(context.Background()), "shutdown is idempotent")

	data, err := os.ReadFile(filepath.Join(root, predictor.FileName))
	require.NoError(t, err)
	assert.Equal(t, "k/One\nk/Two\n", string(data))

	input := class("3")
	assert.Equal(t, input, s.LookupOrTransform(context.Background(), "k/Three", input, opt.transform))
	assert.Equal(t, int32(2), opt.calls.Load())
}

func TestNew_InvalidConfiguration(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Cache.HotMaxEntries = 0

	_, err := New(context.Background(), cfg, WithLogger(utils.NewNopLogger()))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigValidation, errors.CodeOf(err))
}

func TestSelfHeal_OnDemand(t *testing.T) {
	root := t.TempDir()
	s := newSystem(t, testConfig(root))
	opt := &optimizer{}

	s.LookupOrTransform(context.Background(), "k/Gone", class("gone"), opt.transform)
	assert.Eventually(t, func() bool { return s.Stats().Persisted == 1 }, 2*time.Second, 5*time.Millisecond)

	s.warm.Clear()
	require.NoError(t, os.Remove(filepath.Join(root, index.BackingFileFor("k/Gone"))))

	report, err := s.SelfHeal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)
	assert.Zero(t, s.Stats().IndexEntries)

	last, ok := s.LastHeal()
	require.True(t, ok)
	assert.Equal(t, report.Missing, last.Missing)
}
