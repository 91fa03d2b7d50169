package system

import (
	"context"
	"time"

	"github.com/scttfrdmn/classcache/internal/guard"
	"github.com/scttfrdmn/classcache/internal/index"
	"github.com/scttfrdmn/classcache/internal/metrics"
	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/hasher"
)

// persistReadyWait bounds how long a persistence task waits for the index
// to finish loading.
const persistReadyWait = 5 * time.Second

// LookupOrTransform returns the optimized form of input for key. It never
// fails: on any error the original input is returned.
func (s *CacheSystem) LookupOrTransform(ctx context.Context, key string, input []byte, fn TransformFunc) []byte {
	return s.LookupOrTransformSource(ctx, Source{Key: key, Input: input}, fn)
}

// LookupOrTransformSource is LookupOrTransform with a modification marker
// for the input.
func (s *CacheSystem) LookupOrTransformSource(ctx context.Context, src Source, fn TransformFunc) []byte {
	out, err := s.lookup(ctx, src, fn)
	if err != nil {
		if errors.IsValidation(err) || errors.HasCode(err, errors.ErrCodeShutdownInProgress) {
			s.logger.Trace("returning original input", map[string]interface{}{
				"key":  src.Key,
				"code": string(errors.CodeOf(err)),
			})
		} else {
			s.logger.Debug("returning original input", map[string]interface{}{
				"key":   src.Key,
				"error": err,
			})
		}
		return src.Input
	}
	return out
}

// lookup walks the tiers in order: hot by input digest, warm by key, disk
// index by key, then the guarded transform.
func (s *CacheSystem) lookup(ctx context.Context, src Source, fn TransformFunc) ([]byte, error) {
	if s.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "cache system is shut down").
			WithComponent("system").WithKey(src.Key)
	}

	s.predictor.Record(src.Key)

	if err := s.guard.PreValidate(src.Key, src.Input); err != nil {
		s.counters.rejections.Add(1)
		s.metrics.RecordTransform(metrics.ResultRejected, 0)
		return nil, err
	}

	digest := hasher.Sum(src.Input)

	if out, ok := s.hot.Get(digest); ok {
		s.hit(metrics.TierHot, src.Key)
		return out, nil
	}

	if s.warm != nil {
		if out, ok := s.warm.Get(src.Key, digest); ok {
			_ = s.hot.Put(digest, out)
			s.hit(metrics.TierWarm, src.Key)
			return out, nil
		}
	}

	if out, ok := s.lookupDisk(src, digest); ok {
		s.hit(metrics.TierDisk, src.Key)
		return out, nil
	}

	s.metrics.RecordLookup(metrics.TierMiss)
	return s.transform(ctx, src, digest, fn)
}

func (s *CacheSystem) hit(tier, key string) {
	s.metrics.RecordLookup(tier)
	s.logger.Debug("cache hit", map[string]interface{}{
		"key":   key,
		"tier":  tier,
		"state": guard.StateCached.String(),
	})
}

func (s *CacheSystem) lookupDisk(src Source, digest hasher.Digest) ([]byte, bool) {
	if s.index == nil {
		return nil, false
	}
	e, ok := s.index.Lookup(src.Key)
	if !ok || !e.Matches(digest, src.ModTime, s.producer) {
		s.counters.diskMisses.Add(1)
		return nil, false
	}

	out, err := s.readEntry(e)
	if err != nil {
		s.counters.diskMisses.Add(1)
		return nil, false
	}
	s.counters.diskHits.Add(1)

	_ = s.hot.Put(digest, out)
	s.promoteWarm(src.Key, digest, e)
	return out, true
}

// readEntry reads e's backing file. A corrupt file purges the entry.
func (s *CacheSystem) readEntry(e index.Entry) ([]byte, error) {
	s.counters.diskReads.Add(1)
	s.metrics.RecordDiskRead()

	data, err := s.index.Read(e)
	if err != nil {
		if errors.IsCorruption(err) {
			s.counters.corruptions.Add(1)
			s.index.Purge(e)
			if s.warm != nil {
				s.warm.Demote(e.Key)
			}
			s.logger.Warn("purged corrupt cache entry", map[string]interface{}{
				"key":   e.Key,
				"error": err,
			})
		}
		return nil, err
	}
	return data, nil
}

func (s *CacheSystem) promoteWarm(key string, digest hasher.Digest, e index.Entry) {
	if s.warm == nil || !s.warm.Eligible(int64(e.OutputSize)) {
		return
	}
	p, err := s.index.Path(e.BackingFile)
	if err != nil {
		return
	}
	if err := s.warm.Promote(key, digest, p); err != nil && !errors.IsCapacity(err) {
		s.logger.Debug("warm promotion failed", map[string]interface{}{
			"key":   key,
			"error": err,
		})
	}
}

func (s *CacheSystem) transform(ctx context.Context, src Source, digest hasher.Digest, fn TransformFunc) ([]byte, error) {
	start := time.Now()
	out, err := s.guard.Transform(ctx, src.Key, src.Input, fn)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.HasCode(err, errors.ErrCodeCancelled):
		case errors.IsTimeout(err):
			s.counters.failures.Add(1)
			s.counters.timeouts.Add(1)
			s.metrics.RecordTransform(metrics.ResultTimeout, elapsed)
		default:
			s.counters.failures.Add(1)
			s.metrics.RecordTransform(metrics.ResultFailure, elapsed)
		}
		return nil, err
	}

	s.counters.transforms.Add(1)
	s.metrics.RecordTransform(metrics.ResultSuccess, elapsed)

	_ = s.hot.Put(digest, out)
	s.persistAsync(src, digest, out)
	return out, nil
}

// persistAsync stores out in the disk index and then the warm tier on the
// worker pool. If the pool is saturated the write is skipped.
func (s *CacheSystem) persistAsync(src Source, digest hasher.Digest, out []byte) {
	if s.index == nil {
		return
	}

	data := append([]byte(nil), out...)
	entry := index.Entry{
		Key:         src.Key,
		ContentHash: digest.Bytes(),
		SourceMTime: src.ModTime,
		Producer:    s.producer,
	}

	s.pool.Submit("persist", func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), persistReadyWait)
		_ = s.index.WaitReady(waitCtx)
		cancel()

		var stored index.Entry
		err := s.retry.Do(context.Background(), func(ctx context.Context) error {
			var err error
			stored, err = s.index.Store(ctx, entry, data)
			return err
		})
		if err != nil {
			s.logger.Warn("failed to persist cache entry", map[string]interface{}{
				"key":   entry.Key,
				"error": err,
			})
			return
		}
		if s.warm != nil {
			s.warm.Demote(entry.Key)
		}
		s.promoteWarm(entry.Key, digest, stored)
		s.counters.persisted.Add(1)
	})
}
