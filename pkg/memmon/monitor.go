// Package memmon watches heap usage and signals memory pressure so callers
// can stop caching and shed what they hold.
package memmon

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Sample is a single heap measurement.
type Sample struct {
	Timestamp time.Time
	Used      uint64 // heap bytes in use
	Max       uint64 // heap ceiling, 0 if unknown
}

// Ratio returns Used/Max, or 0 when no ceiling is known.
func (s Sample) Ratio() float64 {
	if s.Max == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Max)
}

// Sampler produces heap samples. Tests inject their own.
type Sampler func() Sample

// MonitorConfig configures pressure monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to sample the heap
	SampleInterval time.Duration

	// UpperThreshold is the usage ratio at which pressure is signalled
	UpperThreshold float64

	// Hysteresis is how far below UpperThreshold usage must fall before
	// pressure clears
	Hysteresis float64

	// HeapLimit is the ceiling used when GOMEMLIMIT is not set
	HeapLimit uint64

	// EmergencyGC returns freed memory to the OS when pressure starts
	EmergencyGC bool

	// OnPressure is called once each time pressure starts
	OnPressure func(Sample)

	// OnRelief is called once each time pressure clears
	OnRelief func(Sample)

	// Sampler overrides the runtime heap sampler
	Sampler Sampler

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 500 * time.Millisecond,
		UpperThreshold: 0.90,
		Hysteresis:     0.10,
	}
}

// Stats is a snapshot of the monitor.
type Stats struct {
	Paused         bool
	Last           Sample
	Ratio          float64
	Samples        uint64
	PressureEvents uint64
}

// PressureMonitor samples the heap and keeps a paused flag with hysteresis:
// it is set at UpperThreshold and cleared only below UpperThreshold-Hysteresis.
type PressureMonitor struct {
	config  MonitorConfig
	logger  *utils.StructuredLogger
	sampler Sampler

	paused atomic.Bool

	mu             sync.Mutex
	last           Sample
	samples        uint64
	pressureEvents uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewPressureMonitor creates a new monitor. Zero config values take the
// defaults.
func NewPressureMonitor(config MonitorConfig) *PressureMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.UpperThreshold <= 0 {
		config.UpperThreshold = defaults.UpperThreshold
	}
	if config.Hysteresis < 0 {
		config.Hysteresis = 0
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	m := &PressureMonitor{
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		sampler: config.Sampler,
		stopCh:  make(chan struct{}),
	}
	if m.sampler == nil {
		m.sampler = RuntimeSampler(config.HeapLimit)
	}
	return m
}

// RuntimeSampler samples the Go heap. The ceiling is the runtime memory limit
// when one is set (GOMEMLIMIT), else heapLimit.
func RuntimeSampler(heapLimit uint64) Sampler {
	return func() Sample {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		return Sample{
			Timestamp: time.Now(),
			Used:      memStats.HeapAlloc,
			Max:       MaxHeap(heapLimit),
		}
	}
}

// MaxHeap returns the effective heap ceiling, 0 if none is configured.
func MaxHeap(heapLimit uint64) uint64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}
	return heapLimit
}

// Start begins monitoring
func (m *PressureMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	m.logger.Info("Starting pressure monitor", map[string]interface{}{
		"sample_interval": m.config.SampleInterval,
		"upper":           m.config.UpperThreshold,
		"hysteresis":      m.config.Hysteresis,
	})

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	return nil
}

// Stop stops monitoring and waits for the loop to exit
func (m *PressureMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 2) {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Debug("Pressure monitor stopped", nil)

	return nil
}

func (m *PressureMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.Check()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes a sample now and applies it.
func (m *PressureMonitor) Check() Sample {
	s := m.sampler()
	m.Observe(s)
	return s
}

// Observe applies a sample to the paused state. Hooks run on the caller's
// goroutine after the state change.
func (m *PressureMonitor) Observe(s Sample) {
	ratio := s.Ratio()
	upper := m.config.UpperThreshold
	lower := upper - m.config.Hysteresis

	m.mu.Lock()
	m.last = s
	m.samples++
	var started, cleared bool
	switch {
	case ratio >= upper && !m.paused.Load():
		m.paused.Store(true)
		m.pressureEvents++
		started = true
	case ratio < lower && m.paused.Load():
		m.paused.Store(false)
		cleared = true
	}
	m.mu.Unlock()

	if started {
		m.logger.Warn("Heap pressure, pausing caching", map[string]interface{}{
			"used":  utils.FormatBytes(int64(s.Used)),
			"max":   utils.FormatBytes(int64(s.Max)),
			"ratio": ratio,
		})
		if m.config.OnPressure != nil {
			m.config.OnPressure(s)
		}
		if m.config.EmergencyGC {
			debug.FreeOSMemory()
		}
	}
	if cleared {
		m.logger.Info("Heap pressure cleared", map[string]interface{}{"ratio": ratio})
		if m.config.OnRelief != nil {
			m.config.OnRelief(s)
		}
	}
}

// Paused reports whether caching should be suspended.
func (m *PressureMonitor) Paused() bool {
	return m.paused.Load()
}

// GetStats returns the current monitor statistics
func (m *PressureMonitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Paused:         m.paused.Load(),
		Last:           m.last,
		Ratio:          m.last.Ratio(),
		Samples:        m.samples,
		PressureEvents: m.pressureEvents,
	}
}
