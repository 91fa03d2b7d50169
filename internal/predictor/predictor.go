// Package predictor records the order in which keys are requested during a
// session and replays the previous session's order to pre-warm the cache.
package predictor

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Defaults.
const (
	FileName          = "load-order.dat"
	DefaultCap        = 512
	DefaultPrewarmCap = 128
)

// Config configures a Predictor. An empty Path disables persistence.
type Config struct {
	Path       string
	Cap        int
	PrewarmCap int
	Logger     *utils.StructuredLogger
}

// Loader warms a single key. Errors are logged and otherwise ignored.
type Loader func(ctx context.Context, key string) error

// Scheduler runs a named task in the background. It reports false if the
// task was not accepted.
type Scheduler interface {
	Submit(name string, fn func()) bool
}

// Predictor is safe for concurrent use.
type Predictor struct {
	path       string
	cap        int
	prewarmCap int
	logger     *utils.StructuredLogger

	mu        sync.Mutex
	session   []string
	seen      map[string]struct{}
	predicted []string
}

// New creates a predictor. Zero config values take the defaults.
func New(cfg Config) *Predictor {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.PrewarmCap <= 0 {
		cfg.PrewarmCap = DefaultPrewarmCap
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Predictor{
		path:       cfg.Path,
		cap:        cfg.Cap,
		prewarmCap: cfg.PrewarmCap,
		logger:     cfg.Logger.WithComponent("predictor"),
		seen:       make(map[string]struct{}),
	}
}

// Record appends key to the session log. It is a no-op once the log holds
// Cap keys or if key was already recorded. It reports whether key was added.
func (p *Predictor) Record(key string) bool {
	if key == "" || strings.ContainsAny(key, "\r\n") {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.session) >= p.cap {
		return false
	}
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	p.session = append(p.session, key)
	return true
}

// Session returns a copy of the keys recorded so far.
func (p *Predictor) Session() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.session...)
}

// Persist atomically writes the session log for the next process.
func (p *Predictor) Persist() error {
	if p.path == "" {
		return nil
	}

	var buf bytes.Buffer
	for _, key := range p.Session() {
		buf.WriteString(key)
		buf.WriteByte('\n')
	}

	if err := utils.WriteFileAtomic(p.path, buf.Bytes(), 0640); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to persist load order").
			WithComponent("predictor").WithOperation("persist")
	}
	return nil
}

// LoadPredicted reads the previous session's log. A missing file yields an
// empty prediction.
func (p *Predictor) LoadPredicted() ([]string, error) {
	if p.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read load order").
			WithComponent("predictor").WithOperation("load")
	}

	var keys []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<17)
	for scanner.Scan() && len(keys) < p.cap {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruption, "failed to parse load order").
			WithComponent("predictor").WithOperation("load")
	}

	p.mu.Lock()
	p.predicted = keys
	p.mu.Unlock()

	p.logger.Debug("loaded predicted order", map[string]interface{}{"keys": len(keys)})
	return append([]string(nil), keys...), nil
}

// Predicted returns the order loaded by LoadPredicted.
func (p *Predictor) Predicted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.predicted...)
}

// PrewarmResult tracks a prewarm run.
type PrewarmResult struct {
	Scheduled int

	pending sync.WaitGroup
	warmed  atomic.Int64
	failed  atomic.Int64
	done    chan struct{}
}

// Warmed returns how many keys the loader has warmed so far.
func (r *PrewarmResult) Warmed() int {
	return int(r.warmed.Load())
}

// Failed returns how many loader calls have failed so far.
func (r *PrewarmResult) Failed() int {
	return int(r.failed.Load())
}

// Done is closed when every scheduled key has been processed.
func (r *PrewarmResult) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run completes or ctx is done and returns Warmed.
func (r *PrewarmResult) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.done:
		return r.Warmed(), nil
	case <-ctx.Done():
		return r.Warmed(), ctx.Err()
	}
}

// Prewarm schedules loader for the first PrewarmCap predicted keys on sched
// and returns without waiting for them.
func (p *Predictor) Prewarm(ctx context.Context, sched Scheduler, loader Loader) *PrewarmResult {
	keys := p.Predicted()
	if len(keys) > p.prewarmCap {
		keys = keys[:p.prewarmCap]
	}

	result := &PrewarmResult{done: make(chan struct{})}
	for _, key := range keys {
		key := key
		result.pending.Add(1)
		accepted := sched.Submit("prewarm", func() {
			defer result.pending.Done()
			if ctx.Err() != nil {
				return
			}
			if err := loader(ctx, key); err != nil {
				result.failed.Add(1)
				p.logger.Debug("prewarm failed", map[string]interface{}{
					"key":   key,
					"error": err,
				})
				return
			}
			result.warmed.Add(1)
		})
		if !accepted {
			result.pending.Done()
			continue
		}
		result.Scheduled++
	}

	go func() {
		result.pending.Wait()
		close(result.done)
	}()

	p.logger.Debug("prewarm scheduled", map[string]interface{}{"keys": result.Scheduled})
	return result
}
