package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinels. Whenever is a due date that matches any other in comparisons
// and tells the scheduler a task should never fire on its own; Whatever is
// a t-tuple component that matches any string, enabling wildcard lookups.
const (
	Whenever int64 = -1
	Whatever       = "[any]"
)

// NextRun is a task callback's verdict: one of the named sentinels below,
// or any non-negative value interpreted as an absolute due date in seconds
// since the Unix epoch.
type NextRun int64

const (
	// Promptly reschedules the task for right now.
	Promptly NextRun = 1
	// Immediately reschedules at epoch, sorting the task ahead of
	// everything with a real due date.
	Immediately NextRun = 0
	// Success destroys the task; a collaborator re-creates it when needed.
	Success NextRun = -1
	// Defer reschedules with exponential backoff.
	Defer NextRun = -2
	// Failed destroys the task.
	Failed NextRun = -3
)

// Callback runs a task. owner and userdata are the task's own; context is
// the executing worker, opaque to the scheduler.
type Callback func(t *Task, owner string, userdata, context any) NextRun

// Task classes.
const (
	ClassEnforcer = "enforcer"
	ClassSigner   = "signer"
)

// Enforcer task types.
const (
	TypeEnforce   = "enforce"
	TypeResalt    = "resalt"
	TypeHsmKeyGen = "hsmkeygen"
	TypeDSSubmit  = "dssubmit"
	TypeDSRetract = "dsretract"
	TypeSignConf  = "signconf"
)

// Signer task types.
const (
	TypeRead  = "read"
	TypeSign  = "sign"
	TypeWrite = "write"
)

// Task is a schedulable unit of housekeeping work. The identity triple
// (Owner, Class, Type) is fixed at creation; DueDate and Backoff are
// managed by the scheduler and the worker pool.
type Task struct {
	Owner string
	Class string
	Type  string

	// DueDate in seconds since the Unix epoch. Values in the past mean
	// "as soon as a worker is free"; Whenever means "never".
	DueDate int64

	Callback Callback

	// Userdata is owned by the task. Freedata, when set, releases it on
	// destroy and must accept nil.
	Userdata any
	Freedata func(userdata any)

	// Lock serializes execution with every other task sharing this
	// t-tuple. Assigned by the scheduler on first schedule; borrowed, not
	// owned.
	Lock *sync.Mutex

	// Backoff is the current deferral interval in seconds.
	Backoff int64
}

// NewTask creates a task. due may be Whenever.
func NewTask(owner, class, typ string, cb Callback, userdata any, freedata func(any), due int64) *Task {
	return &Task{
		Owner:    owner,
		Class:    class,
		Type:     typ,
		DueDate:  due,
		Callback: cb,
		Userdata: userdata,
		Freedata: freedata,
	}
}

// Destroy releases the task's userdata. The identity lock is left alone;
// it belongs to the scheduler's pool.
func (t *Task) Destroy() {
	if t == nil {
		return
	}
	if t.Freedata != nil {
		t.Freedata(t.Userdata)
	}
	t.Userdata = nil
	t.Callback = nil
}

// duplicateShallow copies only the identity triple. The scheduler uses it
// to anchor an identity lock in the pool independent of any live task.
func (t *Task) duplicateShallow() *Task {
	return &Task{
		Owner:   t.Owner,
		Class:   t.Class,
		Type:    t.Type,
		DueDate: Whenever,
	}
}

// IsType reports whether the task has the given type tag.
func (t *Task) IsType(typ string) bool {
	return t.Type == typ
}

// Describe renders a human-readable one-liner about the task, used by the
// operator query interface.
func (t *Task) Describe(now int64) string {
	at := t.DueDate
	if at < now {
		at = now
	}
	entity := "zone"
	if t.Type == TypeResalt {
		entity = "policy"
	}
	when := time.Unix(at, 0).Format(time.ANSIC)
	return fmt.Sprintf("On %s I will %s %s %s", when, t.Type, entity, t.Owner)
}

// compareWild compares two strings where Whatever matches anything.
func compareWild(a, b string) int {
	if a == Whatever || b == Whatever {
		return 0
	}
	return strings.Compare(a, b)
}

// CompareTTuple orders tasks by identity: type first, then class, then
// owner. The Whatever sentinel compares equal to any value, which is what
// makes wildcard unscheduling work.
func CompareTTuple(a, b *Task) int {
	if c := compareWild(a.Type, b.Type); c != 0 {
		return c
	}
	if c := compareWild(a.Class, b.Class); c != 0 {
		return c
	}
	return compareWild(a.Owner, b.Owner)
}

// CompareTimeThenTTuple orders tasks by due date, ties broken by identity.
// The Whenever sentinel compares equal to any due date.
func CompareTimeThenTTuple(a, b *Task) int {
	if a.DueDate != Whenever && b.DueDate != Whenever {
		if a.DueDate < b.DueDate {
			return -1
		}
		if a.DueDate > b.DueDate {
			return 1
		}
	}
	return CompareTTuple(a, b)
}

// timeLess is the strict ordering backing the by-time index. Unlike
// CompareTimeThenTTuple it treats Whenever as a plain value so the index
// stays a total order; PopDue skips never-due entries instead.
func timeLess(a, b *Task) bool {
	if a.DueDate != b.DueDate {
		return a.DueDate < b.DueDate
	}
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.Class, b.Class); c != 0 {
		return c < 0
	}
	return strings.Compare(a.Owner, b.Owner) < 0
}

// nameLess is the strict ordering backing the by-identity and lock-pool
// indices. Wildcard matching is layered on top by the lookup helpers, not
// baked into the tree order.
func nameLess(a, b *Task) bool {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.Class, b.Class); c != 0 {
		return c < 0
	}
	return strings.Compare(a.Owner, b.Owner) < 0
}
