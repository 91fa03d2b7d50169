// Package system composes the cache tiers, the journal-backed index, the
// load-order predictor and the stability guard into a CacheSystem.
package system

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/classcache/internal/cache"
	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/internal/config"
	"github.com/scttfrdmn/classcache/internal/guard"
	"github.com/scttfrdmn/classcache/internal/index"
	"github.com/scttfrdmn/classcache/internal/metrics"
	"github.com/scttfrdmn/classcache/internal/predictor"
	"github.com/scttfrdmn/classcache/internal/worker"
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/memmon"
	"github.com/scttfrdmn/classcache/pkg/retry"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// TransformFunc produces the optimized form of an input.
type TransformFunc = guard.TransformFunc

// Source is a lookup request. ModTime is the input's modification marker;
// zero skips the staleness check against it.
type Source struct {
	Key     string
	Input   []byte
	ModTime int64
}

type counters struct {
	diskHits    atomic.Uint64
	diskMisses  atomic.Uint64
	diskReads   atomic.Uint64
	transforms  atomic.Uint64
	failures    atomic.Uint64
	timeouts    atomic.Uint64
	rejections  atomic.Uint64
	corruptions atomic.Uint64
	persisted   atomic.Uint64
}

// CacheSystem is safe for concurrent use. Create it with New and release it
// with Shutdown.
type CacheSystem struct {
	config   *config.Configuration
	logger   *utils.StructuredLogger
	root     string
	format   classfile.Format
	producer index.ProducerVersion

	memoryOnly bool
	index      *index.Index     // nil in memory-only mode
	warm       *cache.WarmCache // nil in memory-only mode
	hot        *cache.HotCache
	predictor  *predictor.Predictor
	guard      *guard.Guard
	blacklist  *circuit.Blacklist
	breaker    *circuit.Breaker
	monitor    *memmon.PressureMonitor
	metrics    *metrics.Collector
	pool       *worker.Pool
	retry      *retry.Retryer

	counters counters

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bootDone chan struct{}
	loopDone chan struct{}

	prewarm  atomic.Pointer[predictor.PrewarmResult]
	lastHeal atomic.Pointer[index.HealReport]

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a CacheSystem from cfg. It only fails on invalid
// configuration. Journal recovery runs before New returns; the index,
// predictor, pressure monitor and metrics endpoint start in the background
// and New waits at most cfg.Cache.StartupWait for the index. A cache root
// that cannot be written to selects memory-only mode.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*CacheSystem, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{format: classfile.DefaultFormat}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		logger, err := newLogger(cfg)
		if err != nil {
			return nil, err
		}
		o.logger = logger
	}

	warmSize, _ := cfg.WarmMaxFileSizeBytes()
	heapLimit, _ := cfg.HeapLimitBytes()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: "classcache",
	}, o.logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics").
			WithComponent("system")
	}

	s := &CacheSystem{
		config: cfg,
		logger: o.logger.WithComponent("system"),
		root:   cfg.Global.CacheRoot,
		format: o.format,
		producer: index.ProducerVersion{
			Major: cfg.Producer.Major,
			Minor: cfg.Producer.Minor,
		},
		hot:      cache.NewHotCache(cfg.Cache.HotMaxEntries),
		metrics:  collector,
		pool:     worker.New(cfg.Global.WorkerCount, 0, o.logger),
		bootDone: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.WithoutCancel(ctx))

	retryConfig := retry.DefaultConfig()
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("retrying storage operation", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		})
	}
	s.retry = retry.New(retryConfig)

	s.blacklist = circuit.NewBlacklist(circuit.BlacklistConfig{
		Threshold:   uint32(cfg.Guard.KeyFailureThreshold),
		OnBlacklist: s.onBlacklist,
	})
	s.breaker = circuit.NewBreaker("global", circuit.Config{
		Threshold:     uint32(cfg.Guard.GlobalFailureThreshold),
		OnStateChange: s.onBreakerChange,
	})
	s.monitor = memmon.NewPressureMonitor(memmon.MonitorConfig{
		SampleInterval: cfg.Memory.SampleInterval,
		UpperThreshold: cfg.Memory.UpperThreshold,
		Hysteresis:     cfg.Memory.Hysteresis,
		HeapLimit:      heapLimit,
		EmergencyGC:    cfg.Memory.EmergencyGC,
		OnPressure:     s.onPressure,
		OnRelief:       s.onRelief,
		Sampler:        o.sampler,
		Logger:         o.logger,
	})
	s.guard = guard.New(guard.Config{
		Format:    o.format,
		Timeout:   cfg.Guard.TransformTimeout,
		Blacklist: s.blacklist,
		Breaker:   s.breaker,
		Pause:     s.monitor,
		Logger:    o.logger,
	})

	if err := s.openStorage(o.logger); err != nil {
		s.memoryOnly = true
		s.logger.Warn("cache root is not usable, running in memory-only mode", map[string]interface{}{
			"root":  s.root,
			"error": err,
		})
	}

	predictorPath := ""
	if !s.memoryOnly {
		predictorPath = filepath.Join(s.root, predictor.FileName)
		s.warm = cache.NewWarmCache(cache.WarmConfig{
			MaxEntries:  cfg.Cache.WarmMaxEntries,
			MaxFileSize: warmSize,
		})
	}
	s.predictor = predictor.New(predictor.Config{
		Path:       predictorPath,
		Cap:        cfg.Predictor.LoadOrderCap,
		PrewarmCap: cfg.Predictor.PrewarmCap,
		Logger:     o.logger,
	})

	go s.bootstrap(s.bgCtx)
	go s.housekeeping(s.bgCtx)

	s.waitForIndex(ctx)
	return s, nil
}

func newLogger(cfg *config.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log level").WithComponent("system")
	}
	format, err := utils.ParseLogFormat(cfg.Global.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log format").WithComponent("system")
	}
	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	loggerConfig.Format = format
	return utils.NewStructuredLogger(loggerConfig)
}

// openStorage creates the cache layout and runs journal recovery.
func (s *CacheSystem) openStorage(logger *utils.StructuredLogger) error {
	if err := utils.IsWritableDir(s.root); err != nil {
		return err
	}

	idx, err := index.New(index.Config{
		Root:         s.root,
		Producer:     s.producer,
		ProducerName: s.config.Producer.Name,
		Format:       s.format,
		Logger:       logger,
		OrphanGrace:  s.config.Cache.OrphanGrace,
	})
	if err != nil {
		return err
	}

	result, err := idx.Recover()
	if err != nil {
		return err
	}
	s.metrics.RecordRecovery(len(result.Incomplete))
	if len(result.Incomplete) > 0 || result.Corrupt {
		s.logger.Info("journal recovery finished", map[string]interface{}{
			"records":    result.Records,
			"incomplete": len(result.Incomplete),
			"corrupt":    result.Corrupt,
		})
	}

	s.index = idx
	return nil
}

func (s *CacheSystem) waitForIndex(ctx context.Context) {
	if s.index == nil {
		return
	}
	timer := time.NewTimer(s.config.Cache.StartupWait)
	defer timer.Stop()

	select {
	case <-s.index.Ready():
	case <-timer.C:
		s.logger.Info("index not loaded yet, serving without it", map[string]interface{}{
			"waited": s.config.Cache.StartupWait,
		})
	case <-ctx.Done():
	}
}

// bootstrap runs the parallel startup phases. Prewarm starts once both the
// index and the predictor have loaded; self-heal starts once the index has.
func (s *CacheSystem) bootstrap(ctx context.Context) {
	defer close(s.bootDone)
	start := time.Now()

	var loads, services errgroup.Group

	loads.Go(func() error {
		if s.index == nil {
			return nil
		}
		result, err := s.index.Load()
		s.pool.Submit("self-heal", func() { s.selfHeal(ctx) })
		if err != nil {
			return fmt.Errorf("index load: %w", err)
		}
		s.metrics.SetEntries("index", s.index.Len())
		if result.Stale {
			s.logger.Info("cached entries belong to another producer and were dropped", map[string]interface{}{
				"dropped": result.Dropped,
			})
		}
		return nil
	})
	loads.Go(func() error {
		if _, err := s.predictor.LoadPredicted(); err != nil {
			return fmt.Errorf("predictor load: %w", err)
		}
		return nil
	})

	services.Go(func() error {
		return s.monitor.Start(ctx)
	})
	services.Go(func() error {
		return s.metrics.Start(ctx)
	})

	if err := loads.Wait(); err != nil {
		s.logger.Warn("startup load failed, continuing", map[string]interface{}{"error": err})
	}
	if ctx.Err() == nil && s.index != nil {
		s.prewarm.Store(s.predictor.Prewarm(ctx, s.pool, s.prewarmKey))
	}
	if err := services.Wait(); err != nil {
		s.logger.Warn("startup service failed, continuing", map[string]interface{}{"error": err})
	}

	s.logger.Info("startup complete", map[string]interface{}{
		"duration":    time.Since(start),
		"memory_only": s.memoryOnly,
	})
}

func (s *CacheSystem) selfHeal(ctx context.Context) {
	report, err := s.index.SelfHeal(ctx)
	if err != nil {
		s.logger.Warn("self-heal failed", map[string]interface{}{"error": err})
		return
	}
	s.lastHeal.Store(&report)
	s.metrics.RecordSelfHeal(report.Purged())
	s.metrics.RecordOperation("self_heal", report.Duration, true)
	if report.Purged() > 0 || report.OrphansRemoved > 0 {
		s.logger.Info("self-heal repaired the cache", map[string]interface{}{
			"checked": report.Checked,
			"purged":  report.Purged(),
			"orphans": report.OrphansRemoved,
			"temps":   report.TempsRemoved,
		})
	}
}

// prewarmKey copies key's live backing file into the hot tier.
func (s *CacheSystem) prewarmKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.monitor.Paused() {
		return errors.NewError(errors.ErrCodeMemoryPressure, "prewarm paused").WithKey(key)
	}
	e, ok := s.index.Lookup(key)
	if !ok || e.Producer != s.producer {
		return errors.NewError(errors.ErrCodeNotFound, "no live entry").WithKey(key)
	}
	digest, ok := e.Digest()
	if !ok {
		s.index.Purge(e)
		return errors.NewError(errors.ErrCodeCorruption, "entry has a malformed content hash").WithKey(key)
	}
	if s.hot.Contains(digest) {
		return nil
	}
	data, err := s.readEntry(e)
	if err != nil {
		return err
	}
	return s.hot.Put(digest, data)
}

// housekeeping flushes the index and refreshes gauges every flush interval.
func (s *CacheSystem) housekeeping(ctx context.Context) {
	defer close(s.loopDone)

	interval := s.config.Cache.FlushInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshGauges()
			if s.index == nil {
				continue
			}
			start := time.Now()
			err := s.retry.Do(ctx, func(context.Context) error {
				return s.index.FlushIfDirty()
			})
			s.metrics.RecordOperation("flush", time.Since(start), err == nil)
			if err != nil {
				s.logger.Warn("periodic index flush failed", map[string]interface{}{"error": err})
			}
		}
	}
}

func (s *CacheSystem) refreshGauges() {
	s.metrics.SetEntries(metrics.TierHot, s.hot.Len())
	if s.warm != nil {
		s.metrics.SetEntries(metrics.TierWarm, s.warm.Len())
	}
	if s.index != nil {
		s.metrics.SetEntries("index", s.index.Len())
	}
	s.metrics.SetBlacklisted(s.blacklist.Len())
	s.metrics.SetCircuitOpen(s.breaker.IsOpen())
	stats := s.monitor.GetStats()
	s.metrics.SetHeap(stats.Paused, stats.Ratio)
}

func (s *CacheSystem) onPressure(sample memmon.Sample) {
	hot := s.hot.Clear()
	warm := 0
	if s.warm != nil {
		warm = s.warm.Clear()
	}
	s.metrics.SetHeap(true, sample.Ratio())
	s.logger.Warn("evicted in-memory tiers under heap pressure", map[string]interface{}{
		"hot":  hot,
		"warm": warm,
	})
}

func (s *CacheSystem) onRelief(sample memmon.Sample) {
	s.metrics.SetHeap(false, sample.Ratio())
}

func (s *CacheSystem) onBlacklist(key string, failures uint32) {
	s.metrics.SetBlacklisted(s.blacklist.Len())
	if s.memoryOnly || s.closed.Load() {
		return
	}
	s.pool.Submit("blacklist", func() {
		if err := s.persistBlacklist(); err != nil {
			s.logger.Warn("failed to persist blacklist", map[string]interface{}{"error": err})
		}
	})
}

func (s *CacheSystem) persistBlacklist() error {
	if s.memoryOnly {
		return nil
	}
	return s.blacklist.WriteFile(filepath.Join(s.root, circuit.BlacklistFile))
}

func (s *CacheSystem) onBreakerChange(name string, from, to circuit.State) {
	s.metrics.SetCircuitOpen(to == circuit.StateOpen)
}

// MemoryOnly reports whether the system runs without a cache root.
func (s *CacheSystem) MemoryOnly() bool {
	return s.memoryOnly
}

// Root returns the cache root directory.
func (s *CacheSystem) Root() string {
	return s.root
}

// Metrics returns the metrics collector.
func (s *CacheSystem) Metrics() *metrics.Collector {
	return s.metrics
}

// WaitReady blocks until background startup has finished or ctx is done.
func (s *CacheSystem) WaitReady(ctx context.Context) error {
	select {
	case <-s.bootDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prewarm returns the startup prewarm run, or nil if it has not started.
func (s *CacheSystem) Prewarm() *predictor.PrewarmResult {
	return s.prewarm.Load()
}

// LastHeal returns the most recent self-heal report.
func (s *CacheSystem) LastHeal() (index.HealReport, bool) {
	r := s.lastHeal.Load()
	if r == nil {
		return index.HealReport{}, false
	}
	return *r, true
}

// SelfHeal verifies every index entry now and purges the broken ones.
func (s *CacheSystem) SelfHeal(ctx context.Context) (index.HealReport, error) {
	if s.index == nil {
		return index.HealReport{}, nil
	}
	report, err := s.index.SelfHeal(ctx)
	if err == nil {
		s.lastHeal.Store(&report)
		s.metrics.RecordSelfHeal(report.Purged())
	}
	return report, err
}

// ResetBreaker closes the global breaker.
func (s *CacheSystem) ResetBreaker() {
	s.breaker.Reset()
	s.logger.Info("global breaker reset", nil)
}

// Blacklisted reports whether key has been excluded from optimization.
func (s *CacheSystem) Blacklisted(key string) bool {
	return s.blacklist.IsBlacklisted(key)
}

// Flush writes the index to disk now.
func (s *CacheSystem) Flush() error {
	if s.index == nil {
		return nil
	}
	return s.index.Flush()
}
