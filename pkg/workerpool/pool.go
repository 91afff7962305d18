// Package workerpool runs module tasks on a bounded set of goroutines. At
// most Cap tasks execute at once; further submissions queue, and Submit
// blocks once the queue is full.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("workerpool: pool closed")

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler receives the recovered value when a task panics. The
// worker keeps running either way.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.queueSize = n
		}
	}
}

// Pool is a fixed-capacity worker pool. Workers start on demand.
type Pool struct {
	cap       int
	queueSize int
	onPanic   func(any)

	tasks   chan func()
	workers atomic.Int32
	active  atomic.Int32

	// mu is held for reading while sending so Close never races a send.
	mu     sync.RWMutex
	closed bool

	workerWG sync.WaitGroup
	taskWG   sync.WaitGroup
}

// New returns a pool running at most workers tasks at once. A non-positive
// count means GOMAXPROCS.
func New(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{cap: workers, queueSize: workers}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan func(), p.queueSize)
	return p
}

// Submit queues task. It blocks while the queue is full and gives up with
// the context error if ctx ends first.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.grow()
	p.taskWG.Add(1)
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.taskWG.Done()
		return ctx.Err()
	}
}

func (p *Pool) grow() {
	for {
		n := p.workers.Load()
		if int(n) >= p.cap {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.workerWG.Add(1)
			go p.work()
			return
		}
	}
}

func (p *Pool) work() {
	defer p.workerWG.Done()
	for task := range p.tasks {
		p.exec(task)
	}
}

func (p *Pool) exec(task func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.taskWG.Done()
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	if task != nil {
		task()
	}
}

// Cap returns the maximum number of concurrently running tasks.
func (p *Pool) Cap() int { return p.cap }

// Active returns how many tasks are executing right now.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Wait blocks until every submitted task has finished. The pool stays open.
func (p *Pool) Wait() {
	p.taskWG.Wait()
}

// Close stops accepting tasks, lets queued ones finish, and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.workerWG.Wait()
}
