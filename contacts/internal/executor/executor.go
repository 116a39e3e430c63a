package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/metricsx"
)

var (
	ErrSaturated    = errors.New("executor saturated")
	ErrClosed       = errors.New("executor closed")
	ErrDrainTimeout = errors.New("executor drain timed out")
)

// Task receives the worker context. It is cancelled once a drain times out, and
// tasks still queued at that point are run with it so they can release what they hold.
type Task func(ctx context.Context)

type Options struct {
	Name       string
	Workers    int
	QueueDepth int
	OnPanic    func(recovered any)
}

// Executor is a fixed pool of workers fed by a bounded FIFO queue.
type Executor struct {
	name    string
	queue   chan Task
	closing chan struct{}
	done    chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	workCtx context.Context
	cancel  context.CancelFunc
	onPanic func(any)

	inFlight  atomic.Int64
	abandoned atomic.Int64
}

func New(opts Options) *Executor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := opts.QueueDepth
	if depth < 0 {
		depth = 0
	}
	workCtx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		name:    opts.Name,
		queue:   make(chan Task, depth),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		workCtx: workCtx,
		cancel:  cancel,
		onPanic: opts.OnPanic,
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			e.work()
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		cancel()
		close(e.done)
	}()
	return e
}

func (e *Executor) work() {
	for task := range e.queue {
		metricsx.SetVerificationQueueDepth(e.name, len(e.queue))
		if e.workCtx.Err() != nil {
			e.abandoned.Add(1)
			metricsx.AddVerificationAbandoned(e.name, 1)
		}
		e.inFlight.Add(1)
		e.run(task)
		e.inFlight.Add(-1)
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if rec := recover(); rec != nil && e.onPanic != nil {
			e.onPanic(rec)
		}
	}()
	task(e.workCtx)
}

// Submit queues task, waiting for space until ctx is done.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metricsx.IncVerificationRejected(e.name)
		return ErrClosed
	}

	select {
	case e.queue <- task:
		metricsx.SetVerificationQueueDepth(e.name, len(e.queue))
		return nil
	default:
	}

	select {
	case e.queue <- task:
		metricsx.SetVerificationQueueDepth(e.name, len(e.queue))
		return nil
	case <-ctx.Done():
		metricsx.IncVerificationRejected(e.name)
		return fmt.Errorf("%w: %v", ErrSaturated, ctx.Err())
	case <-e.closing:
		metricsx.IncVerificationRejected(e.name)
		return ErrClosed
	}
}

// TrySubmit never waits.
func (e *Executor) TrySubmit(task Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metricsx.IncVerificationRejected(e.name)
		return ErrClosed
	}
	select {
	case e.queue <- task:
		metricsx.SetVerificationQueueDepth(e.name, len(e.queue))
		return nil
	default:
		metricsx.IncVerificationRejected(e.name)
		return ErrSaturated
	}
}

// Shutdown stops intake and waits for queued and running tasks. When ctx ends first
// the worker context is cancelled and ErrDrainTimeout is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.closing)
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.cancel()
		return ErrDrainTimeout
	}
}

func (e *Executor) QueueDepth() int { return len(e.queue) }

func (e *Executor) InFlight() int { return int(e.inFlight.Load()) }

func (e *Executor) Abandoned() int { return int(e.abandoned.Load()) }

func (e *Executor) Name() string { return e.name }
