// Package guard decides whether a key may be optimized and runs transforms
// under a timeout, charging failures to the per-key blacklist and the global
// breaker.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/scttfrdmn/classcache/internal/circuit"
	"github.com/scttfrdmn/classcache/internal/wal"
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// DefaultTimeout bounds a single transform.
const DefaultTimeout = 5 * time.Second

// State is the lifecycle of a key within one request. It is used for logging.
type State int

const (
	StateUnknown State = iota
	StateValidated
	StateCached
	StateTransforming
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateValidated:
		return "validated"
	case StateCached:
		return "cached"
	case StateTransforming:
		return "transforming"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// TransformFunc produces the optimized form of input. It must be safe to
// call from any goroutine and should return promptly once ctx is done.
type TransformFunc func(ctx context.Context, input []byte) ([]byte, error)

// PauseSource reports whether caching is suspended, typically because of
// heap pressure.
type PauseSource interface {
	Paused() bool
}

// Config configures a Guard.
type Config struct {
	Format    classfile.Format
	Timeout   time.Duration
	Blacklist *circuit.Blacklist
	Breaker   *circuit.Breaker
	Pause     PauseSource
	Logger    *utils.StructuredLogger
}

// Guard is safe for concurrent use.
type Guard struct {
	format    classfile.Format
	timeout   time.Duration
	blacklist *circuit.Blacklist
	breaker   *circuit.Breaker
	pause     PauseSource
	logger    *utils.StructuredLogger
}

// New creates a guard. A nil Blacklist or Breaker gets a default one.
func New(cfg Config) *Guard {
	if cfg.Format.Magic == nil {
		cfg.Format = classfile.DefaultFormat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = circuit.NewBlacklist(circuit.BlacklistConfig{})
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuit.NewBreaker("global", circuit.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Guard{
		format:    cfg.Format,
		timeout:   cfg.Timeout,
		blacklist: cfg.Blacklist,
		breaker:   cfg.Breaker,
		pause:     cfg.Pause,
		logger:    cfg.Logger.WithComponent("guard"),
	}
}

// Format returns the format inputs are validated against.
func (g *Guard) Format() classfile.Format {
	return g.format
}

// Timeout returns the transform timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Blacklist returns the per-key failure counter.
func (g *Guard) Blacklist() *circuit.Blacklist {
	return g.blacklist
}

// Breaker returns the global breaker.
func (g *Guard) Breaker() *circuit.Breaker {
	return g.breaker
}

// PreValidate fails fast when key must not be optimized right now. Checks
// run cheapest first; every returned error satisfies errors.IsValidation.
func (g *Guard) PreValidate(key string, input []byte) error {
	if err := g.format.Validate(input); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid input").
			WithComponent("guard").WithOperation("pre_validate").WithKey(key)
	}
	if err := wal.ValidateKey(key); err != nil {
		return err
	}
	if g.blacklist.IsBlacklisted(key) {
		return errors.NewError(errors.ErrCodeBlacklisted, "key is blacklisted").
			WithComponent("guard").WithOperation("pre_validate").WithKey(key)
	}
	if g.Paused() {
		return errors.NewError(errors.ErrCodeMemoryPressure, "caching paused under heap pressure").
			WithComponent("guard").WithOperation("pre_validate").WithKey(key)
	}
	if err := g.breaker.Allow(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCircuitOpen, "optimization disabled").
			WithComponent("guard").WithOperation("pre_validate").WithKey(key)
	}
	return nil
}

// Paused reports whether the pause source is engaged.
func (g *Guard) Paused() bool {
	return g.pause != nil && g.pause.Paused()
}

type outcome struct {
	out []byte
	err error
}

// Transform runs fn under the configured timeout. On timeout it returns
// without waiting for fn; fn's context is cancelled and its late result is
// discarded. Every failure is charged to key.
func (g *Guard) Transform(ctx context.Context, key string, input []byte, fn TransformFunc) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.NewError(errors.ErrCodePanicRecovered,
					fmt.Sprintf("transform panicked: %v", r)).
					WithComponent("guard").WithOperation("transform").WithKey(key).WithStack()}
			}
		}()
		out, err := fn(tctx, input)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-tctx.Done():
	}

	if ctx.Err() != nil {
		// The caller gave up; not the transform's fault.
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "request cancelled").
			WithComponent("guard").WithOperation("transform").WithKey(key)
	}
	if tctx.Err() == context.DeadlineExceeded && (res.err != nil || res.out == nil) {
		res = outcome{err: errors.Newf(errors.ErrCodeOperationTimeout, "transform exceeded %s", g.timeout).
			WithComponent("guard").WithOperation("transform").WithKey(key)}
	}

	if res.err == nil {
		res.err = g.format.CheckOutput(res.out)
	} else if !errors.HasCode(res.err, errors.ErrCodeOperationTimeout) &&
		!errors.HasCode(res.err, errors.ErrCodePanicRecovered) {
		res.err = errors.Wrap(res.err, errors.ErrCodeTransformFailed, "transform failed").
			WithComponent("guard").WithOperation("transform").WithKey(key)
	}

	if res.err != nil {
		g.RecordFailure(key, res.err)
		return nil, res.err
	}

	g.breaker.Observe(nil)
	g.logger.Trace("transform ok", map[string]interface{}{
		"key":      key,
		"duration": time.Since(start),
		"state":    StateCommitted.String(),
	})
	return res.out, nil
}

// RecordFailure charges err to key and to the global breaker.
func (g *Guard) RecordFailure(key string, err error) {
	failures, blacklisted := g.blacklist.RecordFailure(key)
	tripped := g.breaker.RecordFailure()

	g.logger.Warn("transform failed", map[string]interface{}{
		"key":      key,
		"code":     string(errors.CodeOf(err)),
		"failures": failures,
		"error":    err,
		"state":    StateFailed.String(),
	})
	if blacklisted {
		g.logger.Error("key blacklisted", map[string]interface{}{
			"key":      key,
			"failures": failures,
		})
	}
	if tripped {
		g.logger.Error("global breaker tripped, optimization disabled", map[string]interface{}{
			"failures": g.breaker.GetCounts().Failures,
		})
	}
}
