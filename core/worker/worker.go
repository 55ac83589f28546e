package worker

import (
	"github.com/google/uuid"

	"github.com/dmitrymomot/zonekeeper/core/fifoq"
	"github.com/dmitrymomot/zonekeeper/core/scheduler"
)

// Worker is one thread of the pool. It is handed to task callbacks as
// their execution context.
type Worker struct {
	id    uuid.UUID
	name  string
	pool  *Pool
	tally *fifoq.Tally
}

func newWorker(name string, pool *Pool) *Worker {
	return &Worker{
		id:    uuid.New(),
		name:  name,
		pool:  pool,
		tally: &fifoq.Tally{},
	}
}

// Name returns the worker's thread name.
func (w *Worker) Name() string { return w.name }

// ID returns the worker's unique identifier.
func (w *Worker) ID() uuid.UUID { return w.id }

// Scheduler returns the scheduler this worker serves.
func (w *Worker) Scheduler() *scheduler.Scheduler { return w.pool.sched }

// Queue returns the fan-out queue shared by the pool.
func (w *Worker) Queue() *fifoq.Queue { return w.pool.queue }

// Tally returns the worker's subtask completion tally.
func (w *Worker) Tally() *fifoq.Tally { return w.tally }

// Dispatch hands a subtask item to the pool through the fan-out queue.
// tries carries the caller's retry budget across calls; on
// fifoq.ErrQueueFull the caller should drain via WaitSubtasks and retry.
func (w *Worker) Dispatch(item any, tries *int) error {
	return w.pool.queue.Push(item, w.tally, tries)
}

// WaitSubtasks blocks until expected subtasks dispatched by this worker
// have been consumed and reported, then returns how many of them failed.
// Both counters are reset on return.
func (w *Worker) WaitSubtasks(expected int64) int64 {
	var failed int64
	w.pool.queue.WaitFor(w.tally, expected, &failed)
	return failed
}
