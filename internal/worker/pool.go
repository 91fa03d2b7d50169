// Package worker runs best-effort background tasks on a bounded set of
// goroutines.
package worker

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Defaults for New.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

// Stats counts pool activity.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
	Panicked  uint64 `json:"panicked"`
}

type task struct {
	name string
	fn   func()
}

// Pool executes submitted tasks on at most Workers goroutines. Submit never
// blocks: tasks that do not fit in the queue are dropped.
type Pool struct {
	workers *pool.Pool
	queue   chan task
	logger  *utils.StructuredLogger

	mu       sync.RWMutex
	closed   bool
	dispatch sync.WaitGroup
	drain    sync.Once
	drained  chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// New starts a pool with the given number of workers and queue capacity.
// Non-positive values take the defaults.
func New(workers, queueSize int, logger *utils.StructuredLogger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	p := &Pool{
		workers: pool.New().WithMaxGoroutines(workers),
		queue:   make(chan task, queueSize),
		logger:  logger.WithComponent("worker"),
		drained: make(chan struct{}),
	}

	p.dispatch.Add(1)
	go p.run()
	return p
}

func (p *Pool) run() {
	defer p.dispatch.Done()
	for t := range p.queue {
		t := t
		// Go blocks while every worker is busy; the queue absorbs bursts.
		p.workers.Go(func() { p.execute(t) })
	}
}

func (p *Pool) execute(t task) {
	var catcher panics.Catcher
	catcher.Try(t.fn)
	if r := catcher.Recovered(); r != nil {
		p.panicked.Add(1)
		p.logger.Error("background task panicked", map[string]interface{}{
			"task":  t.name,
			"panic": r.String(),
		})
		return
	}
	p.completed.Add(1)
}

// Submit schedules fn. It returns false if the pool is shutting down or the
// queue is full.
func (p *Pool) Submit(name string, fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.queue <- task{name: name, fn: fn}:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.logger.Debug("worker queue full, dropping task", map[string]interface{}{"task": name})
		return false
	}
}

// Wait stops accepting tasks, runs everything already queued and blocks
// until it has finished. It is safe to call more than once.
func (p *Pool) Wait() {
	p.drain.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.dispatch.Wait()
		p.workers.Wait()
		close(p.drained)
	})
	<-p.drained
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Dropped:   p.dropped.Load(),
		Panicked:  p.panicked.Load(),
	}
}
