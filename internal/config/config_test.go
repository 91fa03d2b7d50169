package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/classcache/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.WorkerCount != 4 {
		t.Errorf("Expected WorkerCount to be 4, got %d", cfg.Global.WorkerCount)
	}
	if cfg.Cache.HotMaxEntries != 4096 {
		t.Errorf("Expected HotMaxEntries to be 4096, got %d", cfg.Cache.HotMaxEntries)
	}
	if cfg.Cache.WarmMaxEntries != 1024 {
		t.Errorf("Expected WarmMaxEntries to be 1024, got %d", cfg.Cache.WarmMaxEntries)
	}
	if size, err := cfg.WarmMaxFileSizeBytes(); err != nil || size != 1<<20 {
		t.Errorf("Expected warm file size 1MiB, got %d (%v)", size, err)
	}
	if cfg.Cache.StartupWait != 500*time.Millisecond {
		t.Errorf("Expected StartupWait to be 500ms, got %v", cfg.Cache.StartupWait)
	}
	if cfg.Guard.TransformTimeout != 5*time.Second {
		t.Errorf("Expected TransformTimeout to be 5s, got %v", cfg.Guard.TransformTimeout)
	}
	if cfg.Guard.KeyFailureThreshold != 3 || cfg.Guard.GlobalFailureThreshold != 100 {
		t.Errorf("Unexpected failure thresholds %d/%d", cfg.Guard.KeyFailureThreshold, cfg.Guard.GlobalFailureThreshold)
	}
	if cfg.Memory.UpperThreshold != 0.90 || cfg.Memory.Hysteresis != 0.10 {
		t.Errorf("Unexpected heap thresholds %v/%v", cfg.Memory.UpperThreshold, cfg.Memory.Hysteresis)
	}
	if cfg.Predictor.PrewarmCap != 128 || cfg.Predictor.LoadOrderCap != 512 {
		t.Errorf("Unexpected predictor caps %d/%d", cfg.Predictor.PrewarmCap, cfg.Predictor.LoadOrderCap)
	}
	if cfg.Monitoring.Metrics.Enabled {
		t.Error("Expected metrics endpoint to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", modify: func(*Configuration) {}},
		{
			name:    "empty cache root",
			modify:  func(c *Configuration) { c.Global.CacheRoot = " " },
			wantErr: true, errMsg: "cache_root",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Configuration) { c.Global.LogLevel = "LOUD" },
			wantErr: true, errMsg: "log_level",
		},
		{
			name:    "zero workers",
			modify:  func(c *Configuration) { c.Global.WorkerCount = 0 },
			wantErr: true, errMsg: "worker_count",
		},
		{
			name:    "bad warm size",
			modify:  func(c *Configuration) { c.Cache.WarmMaxFileSize = "lots" },
			wantErr: true, errMsg: "warm_max_file_size",
		},
		{
			name:    "zero timeout",
			modify:  func(c *Configuration) { c.Guard.TransformTimeout = 0 },
			wantErr: true, errMsg: "transform_timeout",
		},
		{
			name:    "hysteresis above threshold",
			modify:  func(c *Configuration) { c.Memory.Hysteresis = 0.95 },
			wantErr: true, errMsg: "hysteresis",
		},
		{
			name:    "threshold above one",
			modify:  func(c *Configuration) { c.Memory.UpperThreshold = 1.5 },
			wantErr: true, errMsg: "upper_threshold",
		},
		{
			name:    "bad heap limit",
			modify:  func(c *Configuration) { c.Memory.HeapLimit = "-" },
			wantErr: true, errMsg: "heap_limit",
		},
		{
			name:    "multiline producer",
			modify:  func(c *Configuration) { c.Producer.Name = "a\nb" },
			wantErr: true, errMsg: "producer",
		},
		{
			name:    "bad metrics port",
			modify:  func(c *Configuration) { c.Monitoring.Metrics.Port = 70000 },
			wantErr: true, errMsg: "metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
				}
				if errors.CodeOf(err) != errors.ErrCodeConfigValidation {
					t.Errorf("Expected code %s, got %s", errors.ErrCodeConfigValidation, errors.CodeOf(err))
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.WorkerCount = 0
	cfg.Guard.KeyFailureThreshold = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, want := range []string{"worker_count", "key_failure_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %q", want, err.Error())
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
global:
  cache_root: /tmp/cc
  log_level: DEBUG
cache:
  hot_max_entries: 10
  warm_max_file_size: 64KiB
guard:
  transform_timeout: 250ms
producer:
  name: optimizer
  major: 3
  minor: 2
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load config from file: %v", err)
	}

	if cfg.Global.CacheRoot != "/tmp/cc" {
		t.Errorf("Expected CacheRoot /tmp/cc, got %s", cfg.Global.CacheRoot)
	}
	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Cache.HotMaxEntries != 10 {
		t.Errorf("Expected HotMaxEntries 10, got %d", cfg.Cache.HotMaxEntries)
	}
	if size, _ := cfg.WarmMaxFileSizeBytes(); size != 64<<10 {
		t.Errorf("Expected warm file size 64KiB, got %d", size)
	}
	if cfg.Guard.TransformTimeout != 250*time.Millisecond {
		t.Errorf("Expected TransformTimeout 250ms, got %v", cfg.Guard.TransformTimeout)
	}
	if cfg.Producer.Name != "optimizer" || cfg.Producer.Major != 3 || cfg.Producer.Minor != 2 {
		t.Errorf("Unexpected producer %+v", cfg.Producer)
	}
	// Untouched values keep their defaults.
	if cfg.Cache.WarmMaxEntries != 1024 {
		t.Errorf("Expected WarmMaxEntries default 1024, got %d", cfg.Cache.WarmMaxEntries)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("global:\n  unknown_option: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	err := cfg.LoadFromFile(bad)
	if err == nil {
		t.Fatal("Expected error for unknown option")
	}
	if errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("Expected code %s, got %s", errors.ErrCodeConfigLoad, errors.CodeOf(err))
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLASSCACHE_CACHE_ROOT", "/env/root")
	t.Setenv("CLASSCACHE_LOG_LEVEL", "WARN")
	t.Setenv("CLASSCACHE_WORKER_COUNT", "8")
	t.Setenv("CLASSCACHE_TRANSFORM_TIMEOUT", "2s")
	t.Setenv("CLASSCACHE_HEAP_UPPER_THRESHOLD", "0.8")
	t.Setenv("CLASSCACHE_EMERGENCY_GC", "TRUE")
	t.Setenv("CLASSCACHE_PRODUCER_MAJOR", "7")
	t.Setenv("CLASSCACHE_METRICS_PORT", "9100")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load from env: %v", err)
	}

	if cfg.Global.CacheRoot != "/env/root" {
		t.Errorf("Expected CacheRoot /env/root, got %s", cfg.Global.CacheRoot)
	}
	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.WorkerCount != 8 {
		t.Errorf("Expected WorkerCount 8, got %d", cfg.Global.WorkerCount)
	}
	if cfg.Guard.TransformTimeout != 2*time.Second {
		t.Errorf("Expected TransformTimeout 2s, got %v", cfg.Guard.TransformTimeout)
	}
	if cfg.Memory.UpperThreshold != 0.8 {
		t.Errorf("Expected UpperThreshold 0.8, got %v", cfg.Memory.UpperThreshold)
	}
	if !cfg.Memory.EmergencyGC {
		t.Error("Expected EmergencyGC to be enabled")
	}
	if cfg.Producer.Major != 7 {
		t.Errorf("Expected producer major 7, got %d", cfg.Producer.Major)
	}
	if cfg.Monitoring.Metrics.Port != 9100 {
		t.Errorf("Expected metrics port 9100, got %d", cfg.Monitoring.Metrics.Port)
	}
}

func TestLoadFromEnvMalformed(t *testing.T) {
	t.Setenv("CLASSCACHE_WORKER_COUNT", "many")
	t.Setenv("CLASSCACHE_FLUSH_INTERVAL", "soon")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error for malformed overrides")
	}
	for _, want := range []string{"CLASSCACHE_WORKER_COUNT", "CLASSCACHE_FLUSH_INTERVAL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %q", want, err.Error())
		}
	}
	if cfg.Global.WorkerCount != 4 {
		t.Errorf("Malformed value must not change WorkerCount, got %d", cfg.Global.WorkerCount)
	}
}

func TestLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("global:\n  log_level: DEBUG\n  worker_count: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLASSCACHE_WORKER_COUNT", "6")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected file value DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.WorkerCount != 6 {
		t.Errorf("Expected env override 6, got %d", cfg.Global.WorkerCount)
	}

	t.Setenv("CLASSCACHE_WORKER_COUNT", "0")
	if _, err := Load(configFile); err == nil {
		t.Error("Expected validation error")
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "nested", "config.yaml")

	original := NewDefault()
	original.Global.CacheRoot = "/saved"
	original.Cache.HotMaxEntries = 99

	if err := original.SaveToFile(configFile); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if loaded.Global.CacheRoot != "/saved" || loaded.Cache.HotMaxEntries != 99 {
		t.Errorf("Saved values not restored: %+v", loaded.Global)
	}
}
