/*
Package config provides configuration management for classcache.

# Overview

Configuration is layered. Defaults come from NewDefault, a YAML file
overrides them, and CLASSCACHE_* environment variables override the file.
Validate reports every problem at once.

	Defaults → YAML file → CLASSCACHE_* environment → Validate

# Sections

Global: cache root, log level and format, worker count.

Cache: hot and warm tier bounds, the warm tier file size limit, the periodic
flush interval, how long New waits for the index, and the grace period after
which orphaned files are removed.

Guard: transform timeout and the per-key and global failure thresholds.

Memory: heap pressure thresholds, sample interval, heap limit used when
GOMEMLIMIT is unset, and the emergency GC switch.

Predictor: how many keys are recorded and pre-warmed.

Producer: the transform version stamped on every entry. Changing it makes
every existing entry stale.

Monitoring: the optional Prometheus endpoint.

# Usage Examples

	cfg, err := config.Load("/etc/classcache/config.yaml")
	if err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  cache_root: /var/cache/classcache
	  log_level: INFO
	  log_format: text
	  worker_count: 4

	cache:
	  hot_max_entries: 4096
	  warm_max_entries: 1024
	  warm_max_file_size: 1MiB
	  flush_interval: 30s
	  startup_wait: 500ms
	  orphan_grace: 10m

	guard:
	  transform_timeout: 5s
	  key_failure_threshold: 3
	  global_failure_threshold: 100

	memory:
	  upper_threshold: 0.90
	  hysteresis: 0.10
	  sample_interval: 500ms
	  heap_limit: 2GiB
	  emergency_gc: false

	predictor:
	  prewarm_cap: 128
	  load_order_cap: 512

	producer:
	  name: classcache
	  major: 1
	  minor: 0

	monitoring:
	  metrics:
	    enabled: true
	    port: 9090
	    path: /metrics

# Environment Variables

	CLASSCACHE_CACHE_ROOT, CLASSCACHE_LOG_LEVEL, CLASSCACHE_LOG_FORMAT,
	CLASSCACHE_WORKER_COUNT, CLASSCACHE_HOT_MAX_ENTRIES,
	CLASSCACHE_WARM_MAX_ENTRIES, CLASSCACHE_WARM_MAX_FILE_SIZE,
	CLASSCACHE_FLUSH_INTERVAL, CLASSCACHE_STARTUP_WAIT,
	CLASSCACHE_ORPHAN_GRACE, CLASSCACHE_TRANSFORM_TIMEOUT,
	CLASSCACHE_KEY_FAILURE_THRESHOLD, CLASSCACHE_GLOBAL_FAILURE_THRESHOLD,
	CLASSCACHE_HEAP_UPPER_THRESHOLD, CLASSCACHE_HEAP_HYSTERESIS,
	CLASSCACHE_HEAP_SAMPLE_INTERVAL, CLASSCACHE_HEAP_LIMIT,
	CLASSCACHE_EMERGENCY_GC, CLASSCACHE_PREWARM_CAP,
	CLASSCACHE_LOAD_ORDER_CAP, CLASSCACHE_PRODUCER_NAME,
	CLASSCACHE_PRODUCER_MAJOR, CLASSCACHE_PRODUCER_MINOR,
	CLASSCACHE_METRICS_ENABLED, CLASSCACHE_METRICS_PORT

Sizes accept human readable strings such as "1MB" (10^6 bytes) or "1MiB"
(2^20 bytes).
*/
package config
