package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed  = errors.New("worker pool closed")
	ErrWorkerPanic = errors.New("worker panicked")
)

type task struct {
	run   func()
	abort func(r any)
}

// WorkerPool is the compute execution context: a fixed set of goroutines
// pinned to OS threads, fed from one queue. A worker that panics fails its
// current job, then is restarted after RestartDelay.
type WorkerPool struct {
	RestartDelay time.Duration

	tasks chan task
	quit  chan struct{}
	log   *zap.Logger
	wg    sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	restarts atomic.Uint64
}

func NewWorkerPool(workers int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &WorkerPool{
		RestartDelay: time.Second,
		tasks:        make(chan task, workers),
		quit:         make(chan struct{}),
		log:          log,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.runWorker(i)
	}
	return p
}

func (p *WorkerPool) runWorker(workerID int) {
	var current *task
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic, restarting", zap.Int("worker", workerID), zap.Any("panic", r), zap.Duration("delay", p.RestartDelay))
			if current != nil {
				current.abort(r)
			}
			p.restarts.Add(1)
			select {
			case <-time.After(p.RestartDelay):
				go p.runWorker(workerID)
				return
			case <-p.quit:
			}
		}
		p.wg.Done()
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Debug("worker created", zap.Int("worker", workerID))
	for t := range p.tasks {
		t := t
		current = &t
		t.run()
		current = nil
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restarts is how many times a worker was restarted after a panic.
func (p *WorkerPool) Restarts() uint64 { return p.restarts.Load() }

// Close stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

type result[T any] struct {
	val T
	err error
}

// Submit runs fn on the pool and waits for its result. A panic in fn is
// returned as ErrWorkerPanic. If ctx ends first the result is abandoned.
func Submit[T any](ctx context.Context, p *WorkerPool, fn func() (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	t := task{
		run: func() {
			v, err := fn()
			done <- result[T]{val: v, err: err}
		},
		abort: func(r any) {
			done <- result[T]{err: fmt.Errorf("%w: %v", ErrWorkerPanic, r)}
		},
	}
	if err := p.enqueue(ctx, t); err != nil {
		return zero, err
	}
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
