// Package workerpool runs typed tasks on a fixed set of goroutines, each of which
// owns a context value built once and reused for every task it executes.
package workerpool

import (
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ExecuteFunc runs one task with the calling worker's context. A returned error
// (or a panic) is reported through the pool's failure handler.
type ExecuteFunc[T, C any] func(task T, ctx C) error

// FailureFunc receives tasks that returned an error or panicked.
type FailureFunc[T any] func(task T, err error)

// ContextFunc builds the per-worker context. When it fails every task executed
// by that worker is reported as failed with the same error.
type ContextFunc[C any] func() (C, error)

type Option[T, C any] func(*Pool[T, C])

// WithContext sets the per-worker context factory. Contexts implementing
// io.Closer are closed when their worker exits.
func WithContext[T, C any](fn ContextFunc[C]) Option[T, C] {
	return func(p *Pool[T, C]) { p.newContext = fn }
}

// WithFailureHandler sets the failure channel of the pool.
func WithFailureHandler[T, C any](fn FailureFunc[T]) Option[T, C] {
	return func(p *Pool[T, C]) { p.onFailure = fn }
}

// Pool is an unbounded FIFO of tasks drained by a fixed set of workers.
type Pool[T, C any] struct {
	// lifecycle serializes AddThreads and Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	work      *sync.Cond // signalled when a task is queued or on stop
	settled   *sync.Cond // signalled when a task finishes or on stop
	tasks     []T
	active    int
	threads   int
	terminate bool
	wg        sync.WaitGroup

	executed atomic.Uint64
	failed   atomic.Uint64

	execute    ExecuteFunc[T, C]
	newContext ContextFunc[C]
	onFailure  FailureFunc[T]
}

// New creates a pool with numThreads workers. A pool with zero workers queues
// tasks until AddThreads is called.
func New[T, C any](numThreads int, execute ExecuteFunc[T, C], opts ...Option[T, C]) *Pool[T, C] {
	p := &Pool[T, C]{execute: execute}
	p.work = sync.NewCond(&p.mu)
	p.settled = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	if p.newContext == nil {
		p.newContext = func() (C, error) {
			var zero C
			return zero, nil
		}
	}

	p.AddThreads(numThreads)
	return p
}

// Submit appends a task to the queue and wakes one idle worker.
func (p *Pool[T, C]) Submit(task T) {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	p.work.Signal()
}

// AddThreads grows the pool. It is safe to call while tasks are running and
// restarts a pool that was stopped. A call racing with Stop runs after it.
func (p *Pool[T, C]) AddThreads(n int) {
	if n <= 0 {
		return
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.terminate = false
	for i := 0; i < n; i++ {
		p.threads++
		p.wg.Add(1)
		go p.run()
	}
}

// IsBusy reports whether tasks are queued or executing.
func (p *Pool[T, C]) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) > 0 || p.active > 0
}

// Wait blocks until the queue is empty and no worker is executing a task.
func (p *Pool[T, C]) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.tasks) > 0 || p.active > 0 {
		p.settled.Wait()
	}
}

// Stop terminates every worker and returns once they have exited. Tasks that
// are still queued are dropped without being reported.
func (p *Pool[T, C]) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	p.terminate = true
	p.mu.Unlock()

	p.work.Broadcast()
	p.wg.Wait()

	p.mu.Lock()
	p.tasks = nil
	p.threads = 0
	p.mu.Unlock()

	p.settled.Broadcast()
}

// Threads returns the number of running workers.
func (p *Pool[T, C]) Threads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool[T, C]) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Active returns the number of tasks currently executing.
func (p *Pool[T, C]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Executed returns the total number of tasks executed, failures included.
func (p *Pool[T, C]) Executed() uint64 { return p.executed.Load() }

// Failed returns the number of tasks reported through the failure handler.
func (p *Pool[T, C]) Failed() uint64 { return p.failed.Load() }

func (p *Pool[T, C]) run() {
	defer p.wg.Done()

	ctx, ctxErr := p.newContext()
	if closer, ok := any(ctx).(io.Closer); ok && ctxErr == nil {
		defer closer.Close()
	}

	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.terminate {
			p.work.Wait()
		}
		if p.terminate {
			p.mu.Unlock()
			return
		}

		task := p.tasks[0]
		var zero T
		p.tasks[0] = zero
		p.tasks = p.tasks[1:]
		p.active++
		p.mu.Unlock()

		if ctxErr != nil {
			p.fail(task, fmt.Errorf("worker context: %w", ctxErr))
		} else {
			p.safeExecute(task, ctx)
		}
		p.executed.Add(1)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.settled.Broadcast()
	}
}

// safeExecute keeps a panicking task from taking its worker down.
func (p *Pool[T, C]) safeExecute(task T, ctx C) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(task, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	if err := p.execute(task, ctx); err != nil {
		p.fail(task, err)
	}
}

func (p *Pool[T, C]) fail(task T, err error) {
	p.failed.Add(1)
	if p.onFailure != nil {
		p.onFailure(task, err)
	}
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
