// Package workers provides a fixed-size worker pool draining a shared
// bounded queue. Workers stop claiming work on request and can be joined
// with a per-worker time limit.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/scanfleet/internal/logging"
)

// Handler processes one claimed item. It must account for the item even if
// ctx is already done.
type Handler[T any] func(ctx context.Context, workerID int, item T)

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// DequeueTimeout bounds each wait on an empty queue.
	DequeueTimeout time.Duration
	// JoinTimeout bounds the wait for each worker in Join.
	JoinTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:           1,
		DequeueTimeout: time.Second,
		JoinTimeout:    time.Second,
	}
}

// Pool runs Size workers over a Queue.
type Pool[T any] struct {
	config  Config
	queue   *Queue[T]
	handler Handler[T]
	logger  *logging.Logger

	workers   []*worker
	wg        sync.WaitGroup
	done      chan struct{}
	stopped   atomic.Bool
	startOnce sync.Once
}

// worker represents a single worker goroutine.
type worker struct {
	id   int
	done chan struct{}
}

// New creates a pool; call Start to launch the workers.
func New[T any](config Config, queue *Queue[T], handler Handler[T], logger *logging.Logger) *Pool[T] {
	defaults := DefaultConfig()
	if config.Size < 1 {
		config.Size = defaults.Size
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaults.DequeueTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = defaults.JoinTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}

	p := &Pool[T]{
		config:  config,
		queue:   queue,
		handler: handler,
		logger:  logger.WithComponent("workers"),
		workers: make([]*worker, config.Size),
		done:    make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = &worker{id: i, done: make(chan struct{})}
	}
	return p
}

// Start launches the workers. ctx is passed to every handler call.
func (p *Pool[T]) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queued", p.queue.Len())

		for _, w := range p.workers {
			p.wg.Add(1)
			go p.run(ctx, w)
		}

		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

func (p *Pool[T]) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer close(w.done)

	p.logger.Debug("Worker started", "worker_id", w.id)
	defer p.logger.Debug("Worker stopped", "worker_id", w.id)

	for !p.stopped.Load() {
		item, ok := p.queue.Get(p.config.DequeueTimeout)
		if !ok {
			if p.queue.Draining() && p.queue.Len() == 0 {
				return
			}
			continue
		}
		p.handler(ctx, w.id, item)
	}
}

// Stop makes workers exit after their current item instead of claiming more.
func (p *Pool[T]) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		p.logger.Debug("Worker pool stopped claiming work")
	}
}

// Stopped reports whether Stop was called.
func (p *Pool[T]) Stopped() bool {
	return p.stopped.Load()
}

// Done is closed once every worker has exited.
func (p *Pool[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until every worker has exited.
func (p *Pool[T]) Wait() {
	<-p.done
}

// Join waits for each worker in turn for at most timeout and returns the
// ids of workers still running afterwards. A zero timeout uses JoinTimeout.
func (p *Pool[T]) Join(timeout time.Duration) []int {
	if timeout <= 0 {
		timeout = p.config.JoinTimeout
	}
	var running []int
	for _, w := range p.workers {
		timer := time.NewTimer(timeout)
		select {
		case <-w.done:
		case <-timer.C:
			running = append(running, w.id)
		}
		timer.Stop()
	}
	if len(running) > 0 {
		p.logger.Warn("Workers still running after join timeout",
			"workers", running,
			"timeout", timeout)
	}
	return running
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int {
	return p.config.Size
}
