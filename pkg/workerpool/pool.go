// Package workerpool runs jobs on a fixed set of workers, each bound to one
// backend session for its whole lifetime.
//
// Backend sessions are not safe to share between threads, so every worker
// goroutine locks itself to an OS thread and owns exactly one session. Jobs
// are plain closures that receive the session of whichever worker runs them.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Sentinel errors.
var (
	ErrClosed      = errors.New("worker pool is closed")
	ErrDropped     = errors.New("job dropped on shutdown")
	ErrInvalidSize = errors.New("worker pool size must be positive")
)

// ShutdownPolicy decides what happens to queued jobs on Close.
type ShutdownPolicy int

const (
	// ShutdownDrain runs every queued job before the workers exit.
	ShutdownDrain ShutdownPolicy = iota
	// ShutdownDrop discards queued jobs; running jobs still finish.
	ShutdownDrop
)

// String returns the config name of the policy.
func (p ShutdownPolicy) String() string {
	switch p {
	case ShutdownDrain:
		return "drain"
	case ShutdownDrop:
		return "drop"
	}

	return fmt.Sprintf("ShutdownPolicy(%d)", int(p))
}

// ParseShutdownPolicy maps a config name to a policy.
func ParseShutdownPolicy(name string) (ShutdownPolicy, error) {
	switch name {
	case "", "drain":
		return ShutdownDrain, nil
	case "drop":
		return ShutdownDrop, nil
	}

	return 0, fmt.Errorf("unknown shutdown policy %q", name)
}

// Job is a unit of work. It runs at most once, on one worker, with that
// worker's session.
type Job[S any] func(session S)

// DropFunc is called in place of a job the pool discards on Close. It runs
// on the goroutine calling Close, with ErrDropped.
type DropFunc func(err error)

type entry[S any] struct {
	job    Job[S]
	onDrop DropFunc
}

// SessionFactory creates the session bound to worker n.
type SessionFactory[S any] func(worker int) (S, error)

// Pool is a fixed set of session-bound workers fed from an unbounded FIFO
// queue. Submit never blocks, so jobs may safely submit further jobs.
type Pool[S any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []entry[S]
	closing bool

	sessions  []S
	wg        sync.WaitGroup
	closeOnce sync.Once

	policy  ShutdownPolicy
	logger  *slog.Logger
	metrics *poolMetrics
}

// New creates size sessions with factory and starts one worker per session.
func New[S any](size int, factory SessionFactory[S], opts ...Option) (*Pool[S], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	cfg := newOptions(opts)

	metrics, err := newPoolMetrics(cfg.meter)
	if err != nil {
		return nil, err
	}

	pool := &Pool[S]{
		sessions: make([]S, 0, size),
		policy:   cfg.policy,
		logger:   cfg.logger,
		metrics:  metrics,
	}
	pool.cond = sync.NewCond(&pool.mu)

	for n := range size {
		session, factoryErr := factory(n)
		if factoryErr != nil {
			closeSessions(pool.sessions)

			return nil, fmt.Errorf("create session for worker %d: %w", n, factoryErr)
		}

		pool.sessions = append(pool.sessions, session)
	}

	for n, session := range pool.sessions {
		pool.wg.Add(1)

		go pool.work(n, session)
	}

	pool.logger.Debug("worker pool started", "workers", size, "shutdown", pool.policy.String())

	return pool, nil
}

// Size returns the number of workers.
func (p *Pool[S]) Size() int {
	return len(p.sessions)
}

// Pending returns the number of queued jobs not yet picked up by a worker.
func (p *Pool[S]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// Ready returns ErrClosed once Close has been called. It matches the
// readiness check signature served at /readyz.
func (p *Pool[S]) Ready(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return ErrClosed
	}

	return nil
}

// Submit enqueues job. It fails with ErrClosed once Close has been called.
func (p *Pool[S]) Submit(job Job[S]) error {
	return p.SubmitWithDrop(job, nil)
}

// SubmitWithDrop enqueues job. If Close discards it under ShutdownDrop,
// onDrop is called instead, so exactly one of job and onDrop runs.
func (p *Pool[S]) SubmitWithDrop(job Job[S], onDrop DropFunc) error {
	p.mu.Lock()

	if p.closing {
		p.mu.Unlock()

		return ErrClosed
	}

	p.queue = append(p.queue, entry[S]{job: job, onDrop: onDrop})
	p.mu.Unlock()

	p.metrics.queued(1)
	p.cond.Signal()

	return nil
}

// Close stops accepting jobs and waits for the workers to exit, or for ctx
// to end. Queued jobs are run or dropped according to the shutdown policy;
// the drop hook of every dropped job is called, in queue order, before Close
// waits. Sessions implementing io.Closer are closed once every worker has
// exited.
func (p *Pool[S]) Close(ctx context.Context) error {
	p.mu.Lock()

	p.closing = true

	var dropped []entry[S]

	if p.policy == ShutdownDrop {
		dropped = p.queue
		p.queue = nil
	}

	p.mu.Unlock()
	p.cond.Broadcast()

	if len(dropped) > 0 {
		p.metrics.queued(-len(dropped))
		p.logger.Warn("worker pool dropped queued jobs", "dropped", len(dropped))

		for _, e := range dropped {
			p.drop(e)
		}
	}

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}

	p.closeOnce.Do(func() {
		closeSessions(p.sessions)
		p.logger.Debug("worker pool stopped")
	})

	return nil
}

func (p *Pool[S]) work(n int, session S) {
	runtime.LockOSThread()

	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	for {
		job, ok := p.next()
		if !ok {
			return
		}

		p.run(n, session, job)
	}
}

// next blocks until a job is available. It returns false when the pool is
// closing and no more jobs should be run by this worker.
func (p *Pool[S]) next() (Job[S], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closing {
		p.cond.Wait()
	}

	if len(p.queue) == 0 {
		return nil, false
	}

	job := p.queue[0].job
	p.queue[0] = entry[S]{}
	p.queue = p.queue[1:]

	return job, true
}

func (p *Pool[S]) drop(e entry[S]) {
	if e.onDrop == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("drop hook panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	e.onDrop(ErrDropped)
}

func (p *Pool[S]) run(n int, session S, job Job[S]) {
	p.metrics.queued(-1)

	start := time.Now()
	status := statusOK

	defer func() {
		if r := recover(); r != nil {
			status = statusPanic

			p.logger.Error("worker job panicked",
				"worker", n,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}

		p.metrics.finished(status, time.Since(start))
	}()

	job(session)
}

func closeSessions[S any](sessions []S) {
	for _, session := range sessions {
		if closer, ok := any(session).(io.Closer); ok {
			closer.Close()
		}
	}
}
