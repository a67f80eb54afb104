// Package workpool runs short tasks on a fixed set of workers pulling from
// one shared FIFO queue.
package workpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPoolStopped is returned by Execute once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work.
type Task func()

// Pool is a fixed-size worker pool.  The queue is unbounded; enqueue appends
// to the tail and workers take from the head.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stopped bool

	wg      sync.WaitGroup
	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New starts a pool with the given number of workers.  A nil logger uses the
// standard logrus logger.
func New(workers int, logger logrus.FieldLogger, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{
		log:     logger.WithField("module", "workpool"),
		metrics: NopMetrics(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Execute queues task.  It fails with ErrPoolStopped, without queueing, once
// the pool has been stopped.
func (p *Pool) Execute(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	p.queue = append(p.queue, task)
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.cond.Signal()
	return nil
}

// Stop marks the pool stopped and wakes every idle worker.  Tasks already
// taken by a worker run to completion; queued tasks are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	dropped := len(p.queue)
	p.queue = nil
	p.metrics.QueueDepth.Set(0)
	p.mu.Unlock()

	p.cond.Broadcast()
	if dropped > 0 {
		p.log.WithField("dropped", dropped).Debug("Discarded queued tasks on stop")
	}
}

// Wait blocks until every worker has exited.  Call Stop first.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// QueueLen returns the number of tasks waiting for a worker.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(id, task)
	}
}

// next blocks until a task is available or the pool is stopped.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	return task, true
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.TaskPanics.Add(1)
			p.log.WithFields(logrus.Fields{
				"worker": id,
				"panic":  fmt.Sprint(r),
			}).Error("Task panicked")
		}
	}()
	task()
	p.metrics.TasksDone.Add(1)
}
