package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/dmitrymomot/zonekeeper/core/fifoq"
	"github.com/dmitrymomot/zonekeeper/pkg/duration"
)

// btreeDegree is the branching factor of the task indices. The schedule
// rarely holds more than a few thousand tasks; a small degree keeps nodes
// cache-friendly.
const btreeDegree = 16

// MaxWait is the longest PopDue sleeps without a wakeup, in seconds.
const MaxWait int64 = 3600

// Scheduler is the time-ordered task queue with duplicate detection.
type Scheduler struct {
	mu sync.Mutex

	// tasks and tasksByName always contain exactly the same set of task
	// records; locksByName holds one shallow anchor per t-tuple that has
	// ever been scheduled without a lock of its own, carrying the shared
	// identity lock.
	tasks       *btree.BTreeG[*Task]
	tasksByName *btree.BTreeG[*Task]
	locksByName *btree.BTreeG[*Task]

	signq *fifoq.Queue

	// waitCh is the broadcast channel backing the schedule condition:
	// signalLocked closes the current channel and installs a fresh one,
	// waking every PopDue blocked on it.
	waitCh     chan struct{}
	numWaiting int

	handlers []Handler

	maxWait int64
	logger  *slog.Logger

	scheduledTotal atomic.Int64
	poppedTotal    atomic.Int64
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	ScheduledTotal int64
	PoppedTotal    int64
	IdleWorkers    int
	TaskCount      int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger for scheduler diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxWait overrides the PopDue sleep ceiling. Intended for tests that
// cannot afford hour-long timeouts.
func WithMaxWait(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxWait = int64(d / time.Second)
			if s.maxWait == 0 {
				s.maxWait = 1
			}
		}
	}
}

// New creates an empty scheduler with its fan-out queue.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:       btree.NewG(btreeDegree, timeLess),
		tasksByName: btree.NewG(btreeDegree, nameLess),
		locksByName: btree.NewG(btreeDegree, nameLess),
		signq:       fifoq.New(),
		waitCh:      make(chan struct{}),
		maxWait:     MaxWait,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignQueue returns the fan-out queue shared by this scheduler's workers.
func (s *Scheduler) SignQueue() *fifoq.Queue {
	return s.signq
}

// Cleanup destroys every registered task and every identity lock. All
// workers must be stopped first.
func (s *Scheduler) Cleanup() {
	s.Purge()
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

// signalLocked wakes every goroutine blocked in PopDue. Caller holds s.mu.
func (s *Scheduler) signalLocked() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

// findByNameLocked looks up a registered task matching the given pattern,
// honoring the Whatever wildcard in any t-tuple component. Caller holds
// s.mu.
func (s *Scheduler) findByNameLocked(match *Task) (*Task, bool) {
	if match.Owner != Whatever && match.Class != Whatever && match.Type != Whatever {
		return s.tasksByName.Get(match)
	}
	var found *Task
	pivot := &Task{Type: match.Type, DueDate: Whenever}
	if match.Type == Whatever {
		pivot = &Task{DueDate: Whenever}
	}
	s.tasksByName.AscendGreaterOrEqual(pivot, func(t *Task) bool {
		if match.Type != Whatever && t.Type != match.Type {
			return false
		}
		if CompareTTuple(match, t) == 0 {
			found = t
			return false
		}
		return true
	})
	return found, found != nil
}

// removeLocked deletes a task from both indices. Caller holds s.mu.
func (s *Scheduler) removeLocked(t *Task) {
	s.tasks.Delete(t)
	s.tasksByName.Delete(t)
}

// Schedule inserts a task. The scheduler owns the task from here on,
// unless an error is returned, in which case the caller must destroy it.
//
// When a task with the same t-tuple is registered already: without
// replace, ErrTaskAlreadyPresent is returned; with replace, the existing
// entry keeps its record but adopts the minimum of both due dates and the
// new task's userdata, and the new task is destroyed.
func (s *Scheduler) Schedule(t *Task, replace, log bool) error {
	if t == nil {
		return ErrNilTask
	}

	s.mu.Lock()
	existing, ok := s.tasksByName.Get(t)
	if !ok {
		// Not scheduled right now, but a lock for this t-tuple may exist
		// from an earlier incarnation. Tasks arriving with their own lock
		// (ScheduleWithHandler) keep it.
		if t.Lock == nil {
			anchor, ok := s.locksByName.Get(t)
			if !ok {
				anchor = t.duplicateShallow()
				anchor.Lock = &sync.Mutex{}
				s.locksByName.ReplaceOrInsert(anchor)
			}
			t.Lock = anchor.Lock
		}
		s.tasks.ReplaceOrInsert(t)
		s.tasksByName.ReplaceOrInsert(t)
		s.scheduledTotal.Add(1)
	} else {
		if !replace {
			s.mu.Unlock()
			s.logger.Error("unable to schedule task: already present",
				slog.String("type", t.Type),
				slog.String("owner", t.Owner))
			return ErrTaskAlreadyPresent
		}
		// The due date is part of the time index key; pull the record out
		// before touching it.
		s.tasks.Delete(existing)
		if t.DueDate < existing.DueDate {
			existing.DueDate = t.DueDate
		}
		if existing.Freedata != nil {
			existing.Freedata(existing.Userdata)
		}
		existing.Userdata = t.Userdata
		existing.Freedata = t.Freedata
		t.Userdata = nil // now owned by the existing record
		t.Destroy()
		s.tasks.ReplaceOrInsert(existing)
		t = existing
	}
	if log {
		s.logger.Info("scheduled task",
			slog.String("type", t.Type),
			slog.String("class", t.Class),
			slog.String("owner", t.Owner),
			slog.Int64("due", t.DueDate))
	}
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

// Unschedule removes the registered task matching the given pattern
// (wildcards allowed) and returns it. The caller owns the returned task
// and must destroy it. The identity lock stays in the pool. Returns nil
// when nothing matches.
func (s *Scheduler) Unschedule(match *Task) *Task {
	if match == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.findByNameLocked(match)
	if !ok {
		return nil
	}
	s.removeLocked(found)
	return found
}

// UnscheduleAllOf removes and destroys every task with the given type and
// owner, regardless of class.
func (s *Scheduler) UnscheduleAllOf(typ, owner string) {
	match := &Task{Owner: owner, Class: Whatever, Type: typ, DueDate: Whenever}
	s.mu.Lock()
	for {
		found, ok := s.findByNameLocked(match)
		if !ok {
			break
		}
		s.removeLocked(found)
		found.Destroy()
	}
	s.mu.Unlock()
}

// firstEligibleLocked returns the earliest task that can ever fire,
// skipping never-due entries. Caller holds s.mu.
func (s *Scheduler) firstEligibleLocked() *Task {
	var first *Task
	s.tasks.Ascend(func(t *Task) bool {
		if t.DueDate < 0 {
			return true
		}
		first = t
		return false
	})
	return first
}

// PopDue removes and returns the earliest task whose due date has passed.
// When nothing is due, it registers as an idle worker and sleeps on the
// schedule condition with a timeout clamped to [lower, maxWait] seconds,
// where lower is 0 for enforcer tasks and 60 otherwise, then returns nil.
// A detected clock leap skips the sleep entirely.
func (s *Scheduler) PopDue() *Task {
	now := duration.Now()

	s.mu.Lock()
	first := s.firstEligibleLocked()
	if first != nil && first.DueDate <= now {
		s.removeLocked(first)
		s.poppedTotal.Add(1)
		s.mu.Unlock()
		s.logger.Debug("popped task",
			slog.String("type", first.Type),
			slog.String("owner", first.Owner))
		return first
	}

	lower := int64(60)
	if first != nil && first.Class == ClassEnforcer {
		lower = 0
	}
	if lower > s.maxWait {
		lower = s.maxWait
	}
	timeout := s.maxWait
	if first != nil {
		timeout = duration.Clamp(first.DueDate-now, lower, s.maxWait)
	}
	if duration.Leaped() {
		timeout = 0
	}

	s.numWaiting++
	ch := s.waitCh
	s.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout) * time.Second)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}

	s.mu.Lock()
	s.numWaiting--
	s.mu.Unlock()
	return nil
}

// PopFirst removes and returns the earliest task regardless of its due
// date. Used by the time-leap test hook.
func (s *Scheduler) PopFirst() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.tasks.Min()
	if !ok {
		return nil
	}
	s.removeLocked(first)
	s.poppedTotal.Add(1)
	s.signalLocked()
	return first
}

// Flush pulls every future task forward to now and wakes the workers.
func (s *Scheduler) Flush() {
	now := duration.Now()

	s.mu.Lock()
	var future []*Task
	s.tasks.Ascend(func(t *Task) bool {
		if t.DueDate > now {
			future = append(future, t)
		}
		return true
	})
	for _, t := range future {
		s.tasks.Delete(t)
		t.DueDate = now
		s.tasks.ReplaceOrInsert(t)
	}
	s.signalLocked()
	s.mu.Unlock()
	s.logger.Debug("flushed all tasks", slog.Int("count", len(future)))
}

// Purge removes and destroys every task and every identity lock.
func (s *Scheduler) Purge() {
	s.mu.Lock()
	var all []*Task
	s.tasksByName.Ascend(func(t *Task) bool {
		all = append(all, t)
		return true
	})
	for _, t := range all {
		t.Destroy()
	}
	s.tasks.Clear(false)
	s.tasksByName.Clear(false)
	s.locksByName.Clear(false)
	s.mu.Unlock()
}

// PurgeOwner removes and destroys every task with the given class and
// owner. Matching and deletion run in two phases so the removal never
// invalidates the iteration.
func (s *Scheduler) PurgeOwner(class, owner string) {
	s.mu.Lock()
	var matches []*Task
	s.tasksByName.Ascend(func(t *Task) bool {
		if t.Owner == owner && t.Class == class {
			matches = append(matches, t)
		}
		return true
	})
	for _, t := range matches {
		s.removeLocked(t)
		t.Destroy()
	}
	s.mu.Unlock()
}

// Info returns a non-blocking snapshot: the earliest due date (Whenever
// when the schedule is empty), the number of workers parked in PopDue, and
// the number of registered tasks.
func (s *Scheduler) Info() (firstDue int64, idleWorkers, taskCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	firstDue = Whenever
	if first, ok := s.tasks.Min(); ok {
		firstDue = first.DueDate
	}
	return firstDue, s.numWaiting, s.tasks.Len()
}

// ReleaseAll wakes every worker blocked on the schedule condition or on
// the fan-out queue. Used at shutdown.
func (s *Scheduler) ReleaseAll() {
	s.mu.Lock()
	s.signalLocked()
	s.mu.Unlock()
	s.signq.NotifyAll()
}

// TaskDestroy unschedules the task (if registered) and destroys it.
func (s *Scheduler) TaskDestroy(t *Task) {
	if t == nil {
		return
	}
	if found := s.Unschedule(t); found != nil {
		t = found
	}
	t.Destroy()
}

// Stats returns activity counters for observability.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	idle := s.numWaiting
	count := s.tasks.Len()
	s.mu.Unlock()
	return Stats{
		ScheduledTotal: s.scheduledTotal.Load(),
		PoppedTotal:    s.poppedTotal.Load(),
		IdleWorkers:    idle,
		TaskCount:      count,
	}
}

// Healthcheck fails when the schedule holds no tasks. The returned error
// can be unwrapped with errors.Is.
func (s *Scheduler) Healthcheck(ctx context.Context) error {
	if s.Stats().TaskCount == 0 {
		return errors.Join(ErrHealthcheckFailed, ErrNoTasks)
	}
	return nil
}
