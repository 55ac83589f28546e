package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/zonekeeper/core/scheduler"
	"github.com/dmitrymomot/zonekeeper/core/worker"
	"github.com/dmitrymomot/zonekeeper/pkg/duration"
)

// startPool spins up a pool and returns a stop function for cleanup.
func startPool(t *testing.T, sched *scheduler.Scheduler, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()

	opts = append([]worker.PoolOption{worker.WithShutdownTimeout(5 * time.Second)}, opts...)
	pool, err := worker.NewPool(sched, opts...)
	require.NoError(t, err)

	go func() { _ = pool.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return pool.Stats().IsRunning
	}, time.Second, 10*time.Millisecond)

	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func testScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.WithMaxWait(time.Second))
}

func TestNewPool(t *testing.T) {
	t.Parallel()

	t.Run("nil scheduler", func(t *testing.T) {
		t.Parallel()

		pool, err := worker.NewPool(nil)
		assert.ErrorIs(t, err, worker.ErrNilScheduler)
		assert.Nil(t, pool)
	})

	t.Run("from config", func(t *testing.T) {
		t.Parallel()

		pool, err := worker.NewPoolFromConfig(worker.DefaultConfig(), testScheduler())
		require.NoError(t, err)
		assert.NotNil(t, pool)
	})

	t.Run("stop before start", func(t *testing.T) {
		t.Parallel()

		pool, err := worker.NewPool(testScheduler())
		require.NoError(t, err)
		assert.ErrorIs(t, pool.Stop(), worker.ErrNotStarted)
	})
}

func TestSingleImmediateTask(t *testing.T) {
	t.Parallel()

	sched := testScheduler()
	var calls atomic.Int64
	sched.RegisterHandler(scheduler.ClassEnforcer, scheduler.TypeResalt,
		func(*scheduler.Task, string, any, any) scheduler.NextRun {
			calls.Add(1)
			return scheduler.Success
		})
	require.NoError(t, sched.ScheduleWithHandler(scheduler.TypeResalt, "default-policy", nil, nil, 0))

	startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))

	require.Eventually(t, func() bool {
		first, idle, count := sched.Info()
		return calls.Load() == 1 && first == scheduler.Whenever && idle == 1 && count == 0
	}, 3*time.Second, 20*time.Millisecond,
		"callback must run exactly once and leave an empty schedule with one idle worker")

	// No further invocations.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestVerdictHandling(t *testing.T) {
	t.Parallel()

	t.Run("failed destroys the task", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		var freed atomic.Bool
		task := scheduler.NewTask("z", scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun { return scheduler.Failed },
			"data", func(any) { freed.Store(true) }, 0)
		require.NoError(t, sched.Schedule(task, false, false))

		pool := startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))

		require.Eventually(t, func() bool {
			return pool.Stats().TasksFailed == 1 && freed.Load()
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("absolute verdict reschedules and resets backoff", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		future := duration.Now() + 900
		done := make(chan struct{})
		var once sync.Once
		task := scheduler.NewTask("z", scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun {
				once.Do(func() { close(done) })
				return scheduler.NextRun(future)
			}, nil, nil, 0)
		task.Backoff = 600
		require.NoError(t, sched.Schedule(task, false, false))

		startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))
		<-done

		require.Eventually(t, func() bool {
			first, _, count := sched.Info()
			return count == 1 && first == future
		}, 3*time.Second, 20*time.Millisecond)

		got := sched.Unschedule(scheduler.NewTask("z", scheduler.Whatever, scheduler.TypeSign, nil, nil, nil, scheduler.Whenever))
		require.NotNil(t, got)
		assert.Zero(t, got.Backoff)
	})

	t.Run("panicking callback counts as failed", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		task := scheduler.NewTask("z", scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun { panic("boom") },
			nil, nil, 0)
		require.NoError(t, sched.Schedule(task, false, false))

		pool := startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))

		require.Eventually(t, func() bool {
			return pool.Stats().TasksFailed == 1
		}, 3*time.Second, 20*time.Millisecond)

		// The pool survives and keeps serving tasks.
		var ran atomic.Bool
		ok := scheduler.NewTask("z2", scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun {
				ran.Store(true)
				return scheduler.Success
			}, nil, nil, 0)
		require.NoError(t, sched.Schedule(ok, false, false))
		require.Eventually(t, func() bool { return ran.Load() }, 3*time.Second, 20*time.Millisecond)
	})
}

func TestDeferBackoff(t *testing.T) {
	t.Parallel()

	t.Run("first defer starts at one minute", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		done := make(chan struct{})
		var once sync.Once
		task := scheduler.NewTask("z", scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun {
				once.Do(func() { close(done) })
				return scheduler.Defer
			}, nil, nil, 0)
		require.NoError(t, sched.Schedule(task, false, false))

		startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))
		<-done

		require.Eventually(t, func() bool {
			_, _, count := sched.Info()
			return count == 1
		}, 3*time.Second, 20*time.Millisecond)

		got := sched.Unschedule(scheduler.NewTask("z", scheduler.Whatever, scheduler.TypeSign, nil, nil, nil, scheduler.Whenever))
		require.NotNil(t, got)
		assert.Equal(t, int64(60), got.Backoff)
		assert.InDelta(t, duration.Now()+60, got.DueDate, 5)
	})

	t.Run("backoff doubles and is capped at one hour", func(t *testing.T) {
		t.Parallel()

		for _, tc := range []struct {
			seed, want int64
		}{
			{seed: 60, want: 120},
			{seed: 1800, want: 3600},
			{seed: 3600, want: 3600},
		} {
			sched := testScheduler()
			done := make(chan struct{})
			var once sync.Once
			task := scheduler.NewTask("z", scheduler.ClassSigner, scheduler.TypeSign,
				func(*scheduler.Task, string, any, any) scheduler.NextRun {
					once.Do(func() { close(done) })
					return scheduler.Defer
				}, nil, nil, 0)
			task.Backoff = tc.seed
			require.NoError(t, sched.Schedule(task, false, false))

			startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))
			<-done

			require.Eventually(t, func() bool {
				_, _, count := sched.Info()
				return count == 1
			}, 3*time.Second, 20*time.Millisecond)

			got := sched.Unschedule(scheduler.NewTask("z", scheduler.Whatever, scheduler.TypeSign, nil, nil, nil, scheduler.Whenever))
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Backoff, "seed %d", tc.seed)
		}
	})
}

func TestSerializationByTTuple(t *testing.T) {
	t.Parallel()

	sched := testScheduler()

	type interval struct{ start, end time.Time }
	var mu sync.Mutex
	var intervals []interval

	cb := func(*scheduler.Task, string, any, any) scheduler.NextRun {
		start := time.Now()
		time.Sleep(80 * time.Millisecond)
		mu.Lock()
		intervals = append(intervals, interval{start: start, end: time.Now()})
		mu.Unlock()
		return scheduler.Success
	}

	startPool(t, sched, worker.WithWorkers(4), worker.WithSignWorkers(0))

	// Feed tasks with an identical t-tuple while earlier ones are still
	// executing; the shared identity lock must serialize them.
	const n = 6
	for range n {
		task := scheduler.NewTask("example.com", scheduler.ClassSigner, scheduler.TypeSign, cb, nil, nil, 0)
		require.NoError(t, sched.Schedule(task, true, false))
		time.Sleep(30 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(intervals) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(intervals); i++ {
		assert.False(t, intervals[i].start.Before(intervals[i-1].end),
			"executions with the same t-tuple must not overlap")
	}
}

func TestFanOutThroughPool(t *testing.T) {
	t.Parallel()

	sched := testScheduler()

	const subtasks = 200
	var handled atomic.Int64
	subtaskFn := func(_ context.Context, item any) error {
		handled.Add(1)
		return nil
	}

	result := make(chan int64, 1)
	cb := func(task *scheduler.Task, owner string, userdata, wctx any) scheduler.NextRun {
		w := wctx.(*worker.Worker)
		var failed, dispatched int64
		for i := range subtasks {
			tries := 0
			for {
				if err := w.Dispatch(i, &tries); err == nil {
					dispatched++
					break
				}
				// Budget exhausted: drain what is already out, then retry.
				failed += w.WaitSubtasks(dispatched)
				dispatched = 0
				tries = 0
			}
		}
		result <- failed + w.WaitSubtasks(dispatched)
		return scheduler.Success
	}

	task := scheduler.NewTask("big.example", scheduler.ClassSigner, scheduler.TypeSign, cb, nil, nil, 0)
	require.NoError(t, sched.Schedule(task, false, false))

	startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(3),
		worker.WithSubtaskFunc(subtaskFn))

	select {
	case failed := <-result:
		assert.Zero(t, failed)
	case <-time.After(10 * time.Second):
		t.Fatal("fan-out barrier did not complete")
	}

	assert.Equal(t, int64(subtasks), handled.Load())
	assert.Zero(t, sched.SignQueue().Count())
}

func TestFanOutFailuresAreCounted(t *testing.T) {
	t.Parallel()

	sched := testScheduler()

	subtaskFn := func(_ context.Context, item any) error {
		if item.(int)%2 == 0 {
			return assert.AnError
		}
		return nil
	}

	result := make(chan int64, 1)
	cb := func(task *scheduler.Task, owner string, userdata, wctx any) scheduler.NextRun {
		w := wctx.(*worker.Worker)
		for i := range 10 {
			tries := 0
			// assert, not require: this runs on a worker thread.
			assert.NoError(t, w.Dispatch(i, &tries))
		}
		result <- w.WaitSubtasks(10)
		return scheduler.Success
	}

	task := scheduler.NewTask("big.example", scheduler.ClassSigner, scheduler.TypeSign, cb, nil, nil, 0)
	require.NoError(t, sched.Schedule(task, false, false))

	startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(2),
		worker.WithSubtaskFunc(subtaskFn))

	select {
	case failed := <-result:
		assert.Equal(t, int64(5), failed)
	case <-time.After(10 * time.Second):
		t.Fatal("fan-out barrier did not complete")
	}
}

func TestPoolShutdown(t *testing.T) {
	t.Parallel()

	t.Run("stop unblocks parked workers", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		sched.RegisterHandler(scheduler.ClassSigner, scheduler.TypeSign,
			func(*scheduler.Task, string, any, any) scheduler.NextRun { return scheduler.Success })

		pool, err := worker.NewPool(sched,
			worker.WithWorkers(4), worker.WithSignWorkers(2),
			worker.WithShutdownTimeout(5*time.Second))
		require.NoError(t, err)

		go func() { _ = pool.Start(context.Background()) }()
		require.Eventually(t, func() bool {
			_, idle, _ := sched.Info()
			return idle == 4
		}, 2*time.Second, 20*time.Millisecond)

		assert.NoError(t, pool.Stop())
		assert.False(t, pool.Stats().IsRunning)
	})

	t.Run("double start is rejected", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		pool := startPool(t, sched, worker.WithWorkers(1), worker.WithSignWorkers(0))
		assert.ErrorIs(t, pool.Start(context.Background()), worker.ErrAlreadyStarted)
	})

	t.Run("healthcheck reflects lifecycle", func(t *testing.T) {
		t.Parallel()

		sched := testScheduler()
		pool, err := worker.NewPool(sched, worker.WithWorkers(1), worker.WithSignWorkers(0))
		require.NoError(t, err)
		assert.ErrorIs(t, pool.Healthcheck(context.Background()), worker.ErrPoolNotRunning)

		go func() { _ = pool.Start(context.Background()) }()
		require.Eventually(t, func() bool {
			return pool.Healthcheck(context.Background()) == nil
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, pool.Stop())
		assert.ErrorIs(t, pool.Healthcheck(context.Background()), worker.ErrPoolNotRunning)
	})
}
