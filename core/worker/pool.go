package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/zonekeeper/core/fifoq"
	"github.com/dmitrymomot/zonekeeper/core/scheduler"
	"github.com/dmitrymomot/zonekeeper/pkg/crash"
	"github.com/dmitrymomot/zonekeeper/pkg/duration"
)

// Backoff growth bounds for deferred tasks, in seconds.
const (
	initialBackoff int64 = 60
	maxBackoff     int64 = 3600
)

// SubtaskFunc executes one item popped from the fan-out queue.
type SubtaskFunc func(ctx context.Context, item any) error

// Pool runs task workers and subtask runners against one scheduler.
type Pool struct {
	sched   *scheduler.Scheduler
	queue   *fifoq.Queue
	size    int
	runners int
	subtask SubtaskFunc
	logger  *slog.Logger

	shutdownTimeout time.Duration

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	threads  []*crash.Thread
	stopping atomic.Bool

	tasksProcessed  atomic.Int64
	tasksFailed     atomic.Int64
	tasksDeferred   atomic.Int64
	subtasksHandled atomic.Int64
	activeTasks     atomic.Int32
}

// PoolStats provides observability metrics for monitoring and debugging.
type PoolStats struct {
	TasksProcessed  int64 // Callbacks that returned Success or an explicit reschedule
	TasksFailed     int64 // Callbacks that returned Failed or panicked
	TasksDeferred   int64 // Callbacks that asked for backoff
	SubtasksHandled int64 // Items consumed from the fan-out queue
	ActiveTasks     int32 // Callbacks currently executing
	IsRunning       bool
}

// NewPool creates a pool bound to the scheduler and its fan-out queue.
func NewPool(sched *scheduler.Scheduler, opts ...PoolOption) (*Pool, error) {
	if sched == nil {
		return nil, ErrNilScheduler
	}

	options := &poolOptions{
		size:            4,
		runners:         4,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Pool{
		sched:           sched,
		queue:           sched.SignQueue(),
		size:            options.size,
		runners:         options.runners,
		subtask:         options.subtask,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger,
	}, nil
}

// NewPoolFromConfig creates a Pool from configuration. Additional options
// override config values.
func NewPoolFromConfig(cfg Config, sched *scheduler.Scheduler, opts ...PoolOption) (*Pool, error) {
	allOpts := append([]PoolOption{
		WithWorkers(cfg.Workers),
		WithSignWorkers(cfg.SignWorkers),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)
	return NewPool(sched, allOpts...)
}

// Start launches the worker threads and blocks until the context is
// cancelled. Use Run for the errgroup pattern or call Start in a
// goroutine.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.stopping.Store(false)

	for i := range p.size {
		w := newWorker(fmt.Sprintf("worker[%d]", i+1), p)
		th := crash.ThreadCreate(w.name, func() { p.workerLoop(w) })
		p.threads = append(p.threads, th)
		th.Start()
	}
	for i := range p.runners {
		w := newWorker(fmt.Sprintf("signer[%d]", i+1), p)
		th := crash.ThreadCreate(w.name, func() { p.runnerLoop(w) })
		p.threads = append(p.threads, th)
		th.Start()
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "worker pool started",
		slog.Int("workers", p.size),
		slog.Int("sign_workers", p.runners))

	<-p.ctx.Done()
	return p.ctx.Err()
}

// Stop asks every thread to finish its current task, wakes all blocked
// waits, and joins the threads. Returns an error when the shutdown
// timeout is exceeded.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	cancel := p.cancel
	p.cancel = nil
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()

	p.stopping.Store(true)
	cancel()
	p.sched.ReleaseAll()

	p.logger.Info("worker pool stopping, waiting for active tasks to complete",
		slog.Duration("timeout", p.shutdownTimeout))

	done := make(chan struct{})
	go func() {
		for _, th := range threads {
			th.Join()
		}
		close(done)
	}()

	// Workers parked in a timed PopDue wake on ReleaseAll, but one that
	// raced into a fresh wait needs another nudge.
	nudge := time.NewTicker(100 * time.Millisecond)
	defer nudge.Stop()
	deadline := time.NewTimer(p.shutdownTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-done:
			p.logger.Info("worker pool stopped cleanly")
			return nil
		case <-nudge.C:
			p.sched.ReleaseAll()
		case <-deadline.C:
			p.logger.Warn("worker pool shutdown timeout exceeded - some tasks may be abandoned",
				slog.Duration("timeout", p.shutdownTimeout))
			return fmt.Errorf("shutdown timeout exceeded after %s", p.shutdownTimeout)
		}
	}
}

// Run provides errgroup compatibility for coordinated lifecycle
// management.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = p.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// workerLoop is the task worker body: pop, lock, run, dispose.
func (p *Pool) workerLoop(w *Worker) {
	for !p.stopping.Load() {
		task := p.sched.PopDue()
		if task == nil {
			continue
		}
		next := p.execute(w, task)
		p.dispose(task, next)
	}
}

// execute runs the callback under the task's identity lock, turning a
// panic into a Failed verdict.
func (p *Pool) execute(w *Worker, task *scheduler.Task) (next scheduler.NextRun) {
	p.activeTasks.Add(1)
	defer p.activeTasks.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			next = scheduler.Failed
			p.logger.Error("task callback panicked",
				slog.String("worker", w.name),
				slog.String("type", task.Type),
				slog.String("owner", task.Owner),
				slog.Any("panic", r))
			crash.DumpCurrent()
		}
	}()

	if task.Lock != nil {
		task.Lock.Lock()
		defer task.Lock.Unlock()
	}
	return task.Callback(task, task.Owner, task.Userdata, w)
}

// dispose interprets the callback verdict.
func (p *Pool) dispose(task *scheduler.Task, next scheduler.NextRun) {
	switch next {
	case scheduler.Success:
		p.tasksProcessed.Add(1)
		task.Destroy()
	case scheduler.Failed:
		p.tasksFailed.Add(1)
		task.Destroy()
	case scheduler.Defer:
		p.tasksDeferred.Add(1)
		if task.Backoff == 0 {
			task.Backoff = initialBackoff
		} else {
			task.Backoff = duration.Minimum(task.Backoff*2, maxBackoff)
		}
		task.DueDate = duration.Now() + task.Backoff
		p.reschedule(task)
	case scheduler.Promptly:
		task.DueDate = duration.Now()
		p.reschedule(task)
	default:
		// Any other non-negative verdict is an absolute due date.
		p.tasksProcessed.Add(1)
		task.DueDate = int64(next)
		task.Backoff = 0
		p.reschedule(task)
	}
}

func (p *Pool) reschedule(task *scheduler.Task) {
	if err := p.sched.Schedule(task, true, false); err != nil {
		p.logger.Error("failed to reschedule task",
			slog.String("type", task.Type),
			slog.String("owner", task.Owner),
			slog.String("error", err.Error()))
		task.Destroy()
	}
}

// runnerLoop is the subtask runner body: pop an item from the fan-out
// queue, execute it, report the outcome to the producing worker.
func (p *Pool) runnerLoop(w *Worker) {
	for !p.stopping.Load() {
		item, owner := p.queue.Pop()
		if item == nil {
			continue
		}

		err := ErrNoSubtaskRunner
		if p.subtask != nil {
			err = p.runSubtask(item)
		}
		if err != nil {
			p.logger.Error("subtask failed",
				slog.String("worker", w.name),
				slog.String("error", err.Error()))
		}
		p.subtasksHandled.Add(1)
		p.queue.Report(owner, err != nil)
	}
}

func (p *Pool) runSubtask(item any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subtask: %v", r)
		}
	}()
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return p.subtask(ctx, item)
}

// Stats returns current pool statistics for observability and monitoring.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	isRunning := p.cancel != nil
	p.mu.Unlock()

	return PoolStats{
		TasksProcessed:  p.tasksProcessed.Load(),
		TasksFailed:     p.tasksFailed.Load(),
		TasksDeferred:   p.tasksDeferred.Load(),
		SubtasksHandled: p.subtasksHandled.Load(),
		ActiveTasks:     p.activeTasks.Load(),
		IsRunning:       isRunning,
	}
}

// Healthcheck validates that the pool is running. Suitable for health
// check endpoints; the returned error can be unwrapped with errors.Is.
func (p *Pool) Healthcheck(ctx context.Context) error {
	if !p.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrPoolNotRunning)
	}
	return nil
}
