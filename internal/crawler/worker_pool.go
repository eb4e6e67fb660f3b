package crawler

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				t(p.ctx)
			}
		}()
	}
}

// Submit queues fn, blocking while the queue is full. It fails once ctx or
// the pool is cancelled.
func (p *WorkerPool) Submit(ctx context.Context, fn task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// Close stops accepting tasks, lets queued tasks run to completion, and
// waits for every worker to exit. Tasks still see a cancelled context when
// the parent context was cancelled.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}
