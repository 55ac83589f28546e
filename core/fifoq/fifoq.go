package fifoq

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

const (
	// MaxCount is the queue capacity.
	MaxCount = 1000

	// MaxTries is the number of not-full wakeups a single Push may consume
	// before it reports exhaustion.
	MaxTries = 10
)

var (
	// ErrQueueFull is returned by Push when the retry budget is exhausted.
	// The caller should drain via WaitFor and try again.
	ErrQueueFull = errors.New("fifoq: queue full, drain and retry")

	// ErrNilItem is returned by Push for a nil item; nil is the empty
	// return marker of Pop and cannot be stored.
	ErrNilItem = errors.New("fifoq: nil item")
)

// Tally tracks subtask completions for one producing worker. All counter
// access happens under the queue lock.
type Tally struct {
	completed int64
	failed    int64
}

// entry pairs an item with the tally of the worker that produced it.
type entry struct {
	item  any
	owner *Tally
}

// Queue is a fixed-capacity FIFO with backpressure and a completion
// barrier. The zero value is not usable; use New.
type Queue struct {
	mu        sync.Mutex
	notFull   *sync.Cond
	threshold *sync.Cond

	ring  [MaxCount]entry
	head  int
	count int

	draining bool
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger for queue diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.threshold = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends an item owned by the given tally. When the queue is full it
// waits for room; every wakeup consumes one unit of the caller's retry
// budget (*tries). Once *tries reaches MaxTries, Push returns ErrQueueFull
// without enqueueing and the caller is expected to drain via WaitFor.
func (q *Queue) Push(item any, owner *Tally, tries *int) error {
	if item == nil {
		return ErrNilItem
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count >= MaxCount {
		if *tries >= MaxTries {
			q.logger.Debug("push rejected, retry budget exhausted",
				slog.Int("tries", *tries))
			return ErrQueueFull
		}
		q.notFull.Wait()
		*tries++
	}

	q.ring[(q.head+q.count)%MaxCount] = entry{item: item, owner: owner}
	q.count++
	// Consumers and WaitFor barriers share the threshold condition; a
	// single signal could wake the wrong class of waiter and get lost.
	q.threshold.Broadcast()
	return nil
}

// Pop removes the oldest item and returns it together with the tally of
// the worker that pushed it. An empty queue blocks until an item arrives
// or NotifyAll wakes everyone; a wakeup with nothing queued returns
// (nil, nil).
func (q *Queue) Pop() (any, *Tally) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		if q.draining {
			return nil, nil
		}
		q.threshold.Wait()
		if q.count == 0 {
			return nil, nil
		}
	}

	e := q.ring[q.head]
	q.ring[q.head] = entry{}
	q.head = (q.head + 1) % MaxCount
	q.count--
	q.notFull.Signal()
	return e.item, e.owner
}

// Report records the completion of one subtask against its owner's tally
// and wakes anyone blocked in WaitFor. failed marks the subtask as
// unsuccessful.
func (q *Queue) Report(owner *Tally, failed bool) {
	if owner == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	owner.completed++
	if failed {
		owner.failed++
	}
	q.threshold.Broadcast()
}

// WaitFor blocks until the owner's completed count reaches expected, then
// adds the accumulated failure count to *failed and zeroes both counters.
// NotifyAll aborts the wait early so shutdown never hangs on a barrier.
func (q *Queue) WaitFor(owner *Tally, expected int64, failed *int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for owner.completed < expected && !q.draining {
		q.threshold.Wait()
	}

	if failed != nil {
		*failed += owner.failed
	}
	owner.completed = 0
	owner.failed = 0
}

// NotifyAll wakes every waiter on both conditions and marks the queue as
// draining. Used at shutdown to unblock producers and consumers alike.
func (q *Queue) NotifyAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = true
	q.notFull.Broadcast()
	q.threshold.Broadcast()
}

// Count reports the number of queued items.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Wipe discards all queued items.
func (q *Queue) Wipe() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ring {
		q.ring[i] = entry{}
	}
	q.head = 0
	q.count = 0
	q.notFull.Broadcast()
}
