// Package circuit contains the failure accounting that disables
// optimization: a latching global breaker and a per-key blacklist.
package circuit

import (
	"sync"
	"time"

	"github.com/scttfrdmn/classcache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - breaker is closed, transforms are allowed
	StateClosed State = iota
	// StateOpen - breaker has tripped, every request is rejected until Reset
	StateOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// DefaultGlobalThreshold is the number of failures that trips the global
// breaker.
const DefaultGlobalThreshold = 100

// Config contains circuit breaker configuration
type Config struct {
	// Number of failures after which the breaker opens
	Threshold uint32 `yaml:"threshold"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of outcomes seen since the last reset
type Counts struct {
	Successes   uint64    `json:"successes"`
	Failures    uint64    `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	TrippedAt   time.Time `json:"tripped_at"`
}

// Breaker counts failures across every key. Once the count reaches the
// threshold it opens and stays open until Reset; there is no automatic
// half-open probing.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config Config) *Breaker {
	if config.Threshold == 0 {
		config.Threshold = DefaultGlobalThreshold
	}
	if config.IsFailure == nil {
		config.IsFailure = errors.CountsAsFailure
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Allow returns an ErrCodeCircuitOpen error while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent("circuit").WithOperation(b.name)
	}
	return nil
}

// Observe records the outcome of a transform. Errors that do not count as
// failures are ignored. It reports whether this call tripped the breaker.
func (b *Breaker) Observe(err error) bool {
	if err == nil {
		b.mu.Lock()
		b.counts.Successes++
		b.mu.Unlock()
		return false
	}
	if !b.config.IsFailure(err) {
		return false
	}
	return b.RecordFailure()
}

// RecordFailure counts one failure and reports whether it tripped the
// breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	now := time.Now()
	b.counts.Failures++
	b.counts.LastFailure = now

	tripped := b.state == StateClosed && b.counts.Failures >= uint64(b.config.Threshold)
	var prev State
	if tripped {
		prev = b.state
		b.state = StateOpen
		b.counts.TrippedAt = now
	}
	b.mu.Unlock()

	if tripped && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, StateOpen)
	}
	return tripped
}

// GetState returns the current state of the breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker has tripped.
func (b *Breaker) IsOpen() bool {
	return b.GetState() == StateOpen
}

// GetCounts returns a copy of the current counts
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = StateClosed
	b.counts = Counts{}
	b.mu.Unlock()

	if prev != StateClosed && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, StateClosed)
	}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// Threshold returns the failure count that opens the breaker.
func (b *Breaker) Threshold() uint32 {
	return b.config.Threshold
}
