package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Lookup tiers.
const (
	TierHot   = "hot"
	TierWarm  = "warm"
	TierDisk  = "disk"
	TierMiss  = "miss"
	TierInput = "input"
)

// Transform results.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultTimeout  = "timeout"
	ResultRejected = "rejected"
)

// Collector exports cache metrics on its own Prometheus registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	lookupCounter     *prometheus.CounterVec
	transformCounter  *prometheus.CounterVec
	transformDuration prometheus.Histogram
	entriesGauge      *prometheus.GaugeVec
	blacklistedGauge  prometheus.Gauge
	circuitOpenGauge  prometheus.Gauge
	pressureGauge     prometheus.Gauge
	heapRatioGauge    prometheus.Gauge
	healPurged        prometheus.Counter
	walRecovered      prometheus.Counter
	diskReads         prometheus.Counter

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig returns the defaults: a "classcache" namespace and no
// endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Port:      0,
		Path:      "/metrics",
		Namespace: "classcache",
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector. Metrics are always recorded;
// Config.Enabled only controls the HTTP endpoint.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start starts the metrics endpoint if enabled. The listener is bound before
// Start returns so a busy port is reported to the caller.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.listener = listener
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err})
		}
	}()

	c.logger.Info("Metrics endpoint started", map[string]interface{}{
		"addr": listener.Addr().String(),
		"path": c.config.Path,
	})
	return nil
}

// Addr returns the endpoint address, or "" if the endpoint is not running.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordLookup counts a lookup answered by tier.
func (c *Collector) RecordLookup(tier string) {
	c.lookupCounter.With(prometheus.Labels{"tier": tier}).Inc()
}

// RecordTransform records a transform outcome and its duration.
func (c *Collector) RecordTransform(result string, duration time.Duration) {
	c.transformCounter.With(prometheus.Labels{"result": result}).Inc()
	if result == ResultRejected {
		return
	}
	c.transformDuration.Observe(duration.Seconds())
	c.RecordOperation("transform", duration, result == ResultSuccess)
}

// RecordOperation tracks an operation for the debug endpoint.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
}

// RecordDiskRead counts a read of a backing file.
func (c *Collector) RecordDiskRead() {
	c.diskReads.Inc()
}

// RecordSelfHeal counts entries purged by self-heal.
func (c *Collector) RecordSelfHeal(purged int) {
	c.healPurged.Add(float64(purged))
}

// RecordRecovery counts incomplete writes rolled back at startup.
func (c *Collector) RecordRecovery(incomplete int) {
	c.walRecovered.Add(float64(incomplete))
}

// SetEntries sets the number of entries held by tier.
func (c *Collector) SetEntries(tier string, n int) {
	c.entriesGauge.With(prometheus.Labels{"tier": tier}).Set(float64(n))
}

// SetBlacklisted sets the blacklist size.
func (c *Collector) SetBlacklisted(n int) {
	c.blacklistedGauge.Set(float64(n))
}

// SetCircuitOpen sets the global breaker gauge.
func (c *Collector) SetCircuitOpen(open bool) {
	c.circuitOpenGauge.Set(boolToFloat(open))
}

// SetHeap sets the heap pressure gauges.
func (c *Collector) SetHeap(paused bool, ratio float64) {
	c.pressureGauge.Set(boolToFloat(paused))
	c.heapRatioGauge.Set(ratio)
}

// GetOperations returns a copy of the tracked operations
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	return operations
}

// ResetOperations clears the tracked operations. Prometheus series are left
// alone.
func (c *Collector) ResetOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.lookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "lookups_total",
			Help:      "Lookups by the tier that answered them",
		},
		[]string{"tier"},
	)

	c.transformCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "transforms_total",
			Help:      "Transform attempts by result",
		},
		[]string{"result"},
	)

	c.transformDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "transform_duration_seconds",
			Help:      "Duration of guarded transforms in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
		},
	)

	c.entriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_entries",
			Help:      "Entries held per tier",
		},
		[]string{"tier"},
	)

	c.blacklistedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "blacklisted_keys",
		Help: "Keys permanently excluded from optimization",
	})
	c.circuitOpenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "circuit_open",
		Help: "1 while the global breaker is open",
	})
	c.pressureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "heap_pressure",
		Help: "1 while caching is paused under heap pressure",
	})
	c.heapRatioGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "heap_usage_ratio",
		Help: "Last sampled heap usage over the heap ceiling",
	})

	c.healPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "self_heal_purged_total",
		Help: "Index entries purged by self-heal",
	})
	c.walRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "wal_recovered_total",
		Help: "Incomplete writes rolled back by journal recovery",
	})
	c.diskReads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "disk_reads_total",
		Help: "Backing file reads",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.lookupCounter,
		c.transformCounter,
		c.transformDuration,
		c.entriesGauge,
		c.blacklistedGauge,
		c.circuitOpenGauge,
		c.pressureGauge,
		c.heapRatioGauge,
		c.healPurged,
		c.walRecovered,
		c.diskReads,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"classcache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()

	body := struct {
		Uptime     string                      `json:"uptime"`
		LastReset  time.Time                   `json:"last_reset"`
		Operations map[string]OperationMetrics `json:"operations"`
	}{
		Uptime:     time.Since(since).String(),
		LastReset:  since,
		Operations: c.GetOperations(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
