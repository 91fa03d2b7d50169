/*
Package metrics provides Prometheus metrics for the cache system.

# Overview

The collector always records. Config.Enabled only controls whether an HTTP
endpoint is started to expose the registry.

	┌─────────────┐
	│  Collector  │  ← owns a private prometheus.Registry
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Registry    │         │  HTTP Endpoints   │
	│ - Counters   │         │  /metrics         │
	│ - Histograms │         │  /health          │
	│ - Gauges     │         │  /debug/operations│
	└──────────────┘         └───────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "classcache",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	collector.RecordLookup(metrics.TierHot)
	collector.RecordTransform(metrics.ResultSuccess, time.Since(start))

# Exported Metrics

Counters:
  - classcache_lookups_total{tier}: lookups answered by hot, warm, disk or miss
  - classcache_transforms_total{result}: success, failure, timeout, rejected
  - classcache_disk_reads_total: backing file reads
  - classcache_self_heal_purged_total: entries purged by self-heal
  - classcache_wal_recovered_total: incomplete writes discarded at startup

Histograms:
  - classcache_transform_duration_seconds: guarded transform latency

Gauges:
  - classcache_cache_entries{tier}: entries per tier
  - classcache_blacklisted_keys: keys excluded from optimization
  - classcache_circuit_open: 1 while the global breaker is open
  - classcache_heap_pressure: 1 while transforms are paused
  - classcache_heap_usage_ratio: last sampled heap ratio

# Debug Endpoint

/debug/operations returns per-operation counts and timings (flush,
self_heal) as JSON.
*/
package metrics
