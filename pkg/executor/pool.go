package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

const DefaultPoolSize = 8

// ErrPoolClosed is returned when dispatching to a stopped pool.
var ErrPoolClosed = errors.New("executor pool is closed")

// Outcome is what one finished attempt reports back to the scheduler.
type Outcome struct {
	InstanceID string
	StepID     string
	Attempt    int
	Result     map[string]any
	Err        error
	Duration   time.Duration
}

// Transient reports whether the attempt failed retryably.
func (o Outcome) Transient() bool {
	return o.Err != nil && IsTransient(o.Err)
}

// CompletionFunc receives attempt outcomes. Called from worker goroutines.
type CompletionFunc func(ctx context.Context, outcome Outcome)

type task struct {
	ctx      context.Context
	invoker  Invoker
	instance *models.WorkflowInstance
	step     models.StepDefinition
	attempt  int
}

// Pool runs automated step attempts on a fixed number of workers. Attempts
// are bounded by the step's per-attempt timeout; a timeout counts as a
// transient failure. The queue is unbounded: Dispatch must never block,
// because the scheduler dispatches while holding the instance lock that the
// completion callback needs.
type Pool struct {
	registry *Registry
	onDone   CompletionFunc
	logger   *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	pending []task
	closed  bool
}

func NewPool(registry *Registry, size int, onDone CompletionFunc, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool{
		registry: registry,
		onDone:   onDone,
		logger:   logger.With("module", "executor_pool"),
	}
	pool.cond = sync.NewCond(&pool.mu)

	for range size {
		pool.wg.Add(1)

		go pool.worker()
	}

	return pool
}

// Dispatch enqueues one attempt of an automated step and returns without
// waiting for a free worker. The attempt runs under ctx, so cancelling it
// (instance cancellation) aborts in-flight work. Invoker construction
// happens here so config errors surface as permanent failures immediately.
func (p *Pool) Dispatch(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition, attempt int) error {
	invoker, err := p.registry.Create(step.Type, step.Config)
	if err != nil {
		return fmt.Errorf("failed to build invoker for step %s: %w", step.ID, err)
	}

	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.pending = append(p.pending, task{ctx: ctx, invoker: invoker, instance: instance, step: step, attempt: attempt})
	p.cond.Signal()

	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		t, ok := p.next()
		if !ok {
			return
		}

		p.run(t)
	}
}

// next blocks until work is queued or the pool closes. Work queued before
// Close is still drained.
func (p *Pool) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 {
		if p.closed {
			return task{}, false
		}

		p.cond.Wait()
	}

	t := p.pending[0]
	p.pending = p.pending[1:]

	return t, true
}

func (p *Pool) run(t task) {
	base := t.ctx
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, t.step.AttemptTimeout())
	defer cancel()

	started := time.Now()
	result, err := t.invoker.Invoke(ctx, t.instance, t.step)
	duration := time.Since(started)

	// An attempt that raced the deadline but still produced a result wins.
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = Transient(fmt.Errorf("attempt timed out after %s", t.step.AttemptTimeout()))
	}

	if err != nil {
		p.logger.Warn("Step attempt failed",
			"instance_id", t.instance.ID, "step_id", t.step.ID,
			"attempt", t.attempt, "transient", IsTransient(err), "error", err)
	}

	p.onDone(context.Background(), Outcome{
		InstanceID: t.instance.ID,
		StepID:     t.step.ID,
		Attempt:    t.attempt,
		Result:     result,
		Err:        err,
		Duration:   duration,
	})
}

// Close stops accepting work and waits for in-flight attempts to finish.
func (p *Pool) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}
