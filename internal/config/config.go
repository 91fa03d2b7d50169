package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLASSCACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Guard      GuardConfig      `yaml:"guard"`
	Memory     MemoryConfig     `yaml:"memory"`
	Predictor  PredictorConfig  `yaml:"predictor"`
	Producer   ProducerConfig   `yaml:"producer"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	CacheRoot   string `yaml:"cache_root"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	WorkerCount int    `yaml:"worker_count"`
}

// CacheConfig represents the tier settings
type CacheConfig struct {
	HotMaxEntries   int           `yaml:"hot_max_entries"`
	WarmMaxEntries  int           `yaml:"warm_max_entries"`
	WarmMaxFileSize string        `yaml:"warm_max_file_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	StartupWait     time.Duration `yaml:"startup_wait"`
	OrphanGrace     time.Duration `yaml:"orphan_grace"`
}

// GuardConfig represents the failure accounting settings
type GuardConfig struct {
	TransformTimeout       time.Duration `yaml:"transform_timeout"`
	KeyFailureThreshold    int           `yaml:"key_failure_threshold"`
	GlobalFailureThreshold int           `yaml:"global_failure_threshold"`
}

// MemoryConfig represents the heap pressure settings
type MemoryConfig struct {
	UpperThreshold float64       `yaml:"upper_threshold"`
	Hysteresis     float64       `yaml:"hysteresis"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	HeapLimit      string        `yaml:"heap_limit"`
	EmergencyGC    bool          `yaml:"emergency_gc"`
}

// PredictorConfig represents the load-order settings
type PredictorConfig struct {
	PrewarmCap   int `yaml:"prewarm_cap"`
	LoadOrderCap int `yaml:"load_order_cap"`
}

// ProducerConfig identifies the transform whose outputs are cached
type ProducerConfig struct {
	Name  string `yaml:"name"`
	Major int32  `yaml:"major"`
	Minor int32  `yaml:"minor"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultCacheRoot returns the per-user cache directory for classcache.
func DefaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "classcache")
	}
	return filepath.Join(os.TempDir(), "classcache")
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			CacheRoot:   DefaultCacheRoot(),
			LogLevel:    "INFO",
			LogFormat:   "text",
			WorkerCount: 4,
		},
		Cache: CacheConfig{
			HotMaxEntries:   4096,
			WarmMaxEntries:  1024,
			WarmMaxFileSize: "1MiB",
			FlushInterval:   30 * time.Second,
			StartupWait:     500 * time.Millisecond,
			OrphanGrace:     10 * time.Minute,
		},
		Guard: GuardConfig{
			TransformTimeout:       5 * time.Second,
			KeyFailureThreshold:    3,
			GlobalFailureThreshold: 100,
		},
		Memory: MemoryConfig{
			UpperThreshold: 0.90,
			Hysteresis:     0.10,
			SampleInterval: 500 * time.Millisecond,
			HeapLimit:      "",
			EmergencyGC:    false,
		},
		Predictor: PredictorConfig{
			PrewarmCap:   128,
			LoadOrderCap: 512,
		},
		Producer: ProducerConfig{
			Name:  "classcache",
			Major: 1,
			Minor: 0,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    0,
				Path:    "/metrics",
			},
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty) and the environment, and validates it.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithDetail("file", filename)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename)
	}

	return nil
}

type envParser struct {
	err error
}

func (p *envParser) str(name string, dst *string) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		*dst = val
	}
}

func (p *envParser) int(name string, dst *int) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) int32(name string, dst *int32) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = int32(n)
	}
}

func (p *envParser) float(name string, dst *float64) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (p *envParser) duration(name string, dst *time.Duration) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (p *envParser) bool(name string, dst *bool) {
	if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err != nil {
			p.err = multierr.Append(p.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

// LoadFromEnv loads configuration from CLASSCACHE_* environment variables.
// Every malformed value is reported.
func (c *Configuration) LoadFromEnv() error {
	var p envParser

	// Global settings
	p.str("CACHE_ROOT", &c.Global.CacheRoot)
	p.str("LOG_LEVEL", &c.Global.LogLevel)
	p.str("LOG_FORMAT", &c.Global.LogFormat)
	p.int("WORKER_COUNT", &c.Global.WorkerCount)

	// Cache settings
	p.int("HOT_MAX_ENTRIES", &c.Cache.HotMaxEntries)
	p.int("WARM_MAX_ENTRIES", &c.Cache.WarmMaxEntries)
	p.str("WARM_MAX_FILE_SIZE", &c.Cache.WarmMaxFileSize)
	p.duration("FLUSH_INTERVAL", &c.Cache.FlushInterval)
	p.duration("STARTUP_WAIT", &c.Cache.StartupWait)
	p.duration("ORPHAN_GRACE", &c.Cache.OrphanGrace)

	// Guard settings
	p.duration("TRANSFORM_TIMEOUT", &c.Guard.TransformTimeout)
	p.int("KEY_FAILURE_THRESHOLD", &c.Guard.KeyFailureThreshold)
	p.int("GLOBAL_FAILURE_THRESHOLD", &c.Guard.GlobalFailureThreshold)

	// Memory settings
	p.float("HEAP_UPPER_THRESHOLD", &c.Memory.UpperThreshold)
	p.float("HEAP_HYSTERESIS", &c.Memory.Hysteresis)
	p.duration("HEAP_SAMPLE_INTERVAL", &c.Memory.SampleInterval)
	p.str("HEAP_LIMIT", &c.Memory.HeapLimit)
	p.bool("EMERGENCY_GC", &c.Memory.EmergencyGC)

	// Predictor settings
	p.int("PREWARM_CAP", &c.Predictor.PrewarmCap)
	p.int("LOAD_ORDER_CAP", &c.Predictor.LoadOrderCap)

	// Producer
	p.str("PRODUCER_NAME", &c.Producer.Name)
	p.int32("PRODUCER_MAJOR", &c.Producer.Major)
	p.int32("PRODUCER_MINOR", &c.Producer.Minor)

	// Metrics
	p.bool("METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	p.int("METRICS_PORT", &c.Monitoring.Metrics.Port)

	if p.err != nil {
		return errors.Wrap(p.err, errors.ErrCodeConfigLoad, "invalid environment override").
			WithComponent("config")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := utils.WriteFileAtomic(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// WarmMaxFileSizeBytes returns the parsed warm tier file size limit.
func (c *Configuration) WarmMaxFileSizeBytes() (int64, error) {
	if c.Cache.WarmMaxFileSize == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.Cache.WarmMaxFileSize)
}

// HeapLimitBytes returns the parsed heap limit, 0 if unset.
func (c *Configuration) HeapLimitBytes() (uint64, error) {
	if c.Memory.HeapLimit == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(c.Memory.HeapLimit)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Validate validates the configuration. All problems are reported together.
func (c *Configuration) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Global.CacheRoot) == "" {
		fail("cache_root must not be empty")
	}
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		fail("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		fail("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	if c.Global.WorkerCount <= 0 {
		fail("worker_count must be greater than 0")
	}

	if c.Cache.HotMaxEntries <= 0 {
		fail("hot_max_entries must be greater than 0")
	}
	if c.Cache.WarmMaxEntries < 0 {
		fail("warm_max_entries must not be negative")
	}
	if size, err := c.WarmMaxFileSizeBytes(); err != nil {
		fail("invalid warm_max_file_size %q: %v", c.Cache.WarmMaxFileSize, err)
	} else if size < 0 {
		fail("warm_max_file_size must not be negative")
	}
	if c.Cache.FlushInterval < 0 {
		fail("flush_interval must not be negative")
	}
	if c.Cache.StartupWait < 0 {
		fail("startup_wait must not be negative")
	}

	if c.Guard.TransformTimeout <= 0 {
		fail("transform_timeout must be greater than 0")
	}
	if c.Guard.KeyFailureThreshold <= 0 {
		fail("key_failure_threshold must be greater than 0")
	}
	if c.Guard.GlobalFailureThreshold <= 0 {
		fail("global_failure_threshold must be greater than 0")
	}

	if c.Memory.UpperThreshold <= 0 || c.Memory.UpperThreshold > 1 {
		fail("upper_threshold must be in (0, 1]")
	}
	if c.Memory.Hysteresis < 0 || c.Memory.Hysteresis >= c.Memory.UpperThreshold {
		fail("hysteresis must be in [0, upper_threshold)")
	}
	if c.Memory.SampleInterval <= 0 {
		fail("sample_interval must be greater than 0")
	}
	if _, err := c.HeapLimitBytes(); err != nil {
		fail("invalid heap_limit %q: %v", c.Memory.HeapLimit, err)
	}

	if c.Predictor.PrewarmCap <= 0 {
		fail("prewarm_cap must be greater than 0")
	}
	if c.Predictor.LoadOrderCap <= 0 {
		fail("load_order_cap must be greater than 0")
	}

	if c.Producer.Name == "" || strings.ContainsAny(c.Producer.Name, "\r\n") {
		fail("producer name must be a single non-empty line")
	}

	if c.Monitoring.Metrics.Port < 0 || c.Monitoring.Metrics.Port > 65535 {
		fail("metrics port must be in [0, 65535]")
	}

	if errs != nil {
		return errors.Wrap(errs, errors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent("config")
	}
	return nil
}
