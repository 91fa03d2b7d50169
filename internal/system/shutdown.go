package system

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/scttfrdmn/classcache/internal/cache"
	"github.com/scttfrdmn/classcache/internal/worker"
	"github.com/scttfrdmn/classcache/pkg/errors"
)

// Stats is a point-in-time view of the cache system.
type Stats struct {
	Hot  cache.Stats `json:"hot"`
	Warm cache.Stats `json:"warm"`

	DiskReads   uint64 `json:"disk_reads"`
	DiskHits    uint64 `json:"disk_hits"`
	DiskMisses  uint64 `json:"disk_misses"`
	Transforms  uint64 `json:"transforms"`
	Persisted   uint64 `json:"persisted"`
	Failures    uint64 `json:"failures"`
	Timeouts    uint64 `json:"timeouts"`
	Rejections  uint64 `json:"rejections"`
	Corruptions uint64 `json:"corruptions"`

	IndexEntries int  `json:"index_entries"`
	IndexReady   bool `json:"index_ready"`

	Blacklisted     int    `json:"blacklisted"`
	BreakerState    string `json:"breaker_state"`
	BreakerFailures uint64 `json:"breaker_failures"`

	Paused    bool    `json:"paused"`
	HeapRatio float64 `json:"heap_ratio"`

	MemoryOnly bool         `json:"memory_only"`
	Workers    worker.Stats `json:"workers"`
}

// Stats returns current counters and refreshes the exported gauges.
func (s *CacheSystem) Stats() Stats {
	s.refreshGauges()

	heap := s.monitor.GetStats()
	st := Stats{
		Hot:             s.hot.Stats(),
		DiskReads:       s.counters.diskReads.Load(),
		DiskHits:        s.counters.diskHits.Load(),
		DiskMisses:      s.counters.diskMisses.Load(),
		Transforms:      s.counters.transforms.Load(),
		Persisted:       s.counters.persisted.Load(),
		Failures:        s.counters.failures.Load(),
		Timeouts:        s.counters.timeouts.Load(),
		Rejections:      s.counters.rejections.Load(),
		Corruptions:     s.counters.corruptions.Load(),
		Blacklisted:     s.blacklist.Len(),
		BreakerState:    s.breaker.GetState().String(),
		BreakerFailures: s.breaker.GetCounts().Failures,
		Paused:          heap.Paused,
		HeapRatio:       heap.Ratio,
		MemoryOnly:      s.memoryOnly,
		Workers:         s.pool.Stats(),
	}
	if s.warm != nil {
		st.Warm = s.warm.Stats()
	}
	if s.index != nil {
		st.IndexEntries = s.index.Len()
		select {
		case <-s.index.Ready():
			st.IndexReady = true
		default:
		}
	}
	return st
}

// Shutdown stops background work, drains pending writes and persists the
// index, load order and blacklist. Lookups after Shutdown return their input
// unchanged. Only the first call does any work; later calls return its
// result.
func (s *CacheSystem) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *CacheSystem) shutdown(ctx context.Context) error {
	start := time.Now()
	s.closed.Store(true)
	s.logger.Info("shutting down cache system", nil)

	var errs error
	errs = multierr.Append(errs, s.monitor.Stop())

	s.bgCancel()
	if err := waitFor(ctx, s.bootDone); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeOperationTimeout, "startup did not stop").
			WithComponent("system").WithOperation("shutdown"))
	}
	if err := waitFor(ctx, s.loopDone); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeOperationTimeout, "housekeeping did not stop").
			WithComponent("system").WithOperation("shutdown"))
	}

	drained := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(drained)
	}()
	if err := waitFor(ctx, drained); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, errors.ErrCodeOperationTimeout, "pending writes did not drain").
			WithComponent("system").WithOperation("shutdown"))
	}

	errs = multierr.Append(errs, s.predictor.Persist())
	if s.blacklist.Len() > 0 {
		errs = multierr.Append(errs, s.persistBlacklist())
	}

	if s.index != nil {
		errs = multierr.Append(errs, s.index.Flush())
		errs = multierr.Append(errs, s.index.Journal().Close())
	}
	if s.warm != nil {
		errs = multierr.Append(errs, s.warm.Close())
	}
	s.hot.Clear()

	errs = multierr.Append(errs, s.metrics.Stop(ctx))

	fields := map[string]interface{}{"duration": time.Since(start)}
	if errs != nil {
		fields["error"] = errs
		s.logger.Warn("cache system shut down with errors", fields)
	} else {
		s.logger.Info("cache system shut down", fields)
	}
	return errs
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
