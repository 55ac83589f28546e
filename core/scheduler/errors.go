package scheduler

import "errors"

var (
	// ErrNilTask is returned when a required task argument is nil.
	ErrNilTask = errors.New("scheduler: nil task")

	// ErrTaskAlreadyPresent is returned by Schedule without replace when a
	// task with the same t-tuple is registered. The caller keeps ownership
	// of the rejected task and must destroy it.
	ErrTaskAlreadyPresent = errors.New("scheduler: task already present")

	// ErrNoHandler is returned by ScheduleWithHandler when no handler is
	// registered for the requested task type.
	ErrNoHandler = errors.New("scheduler: no handler registered for task type")

	// ErrHealthcheckFailed wraps the specific condition that failed a
	// health probe.
	ErrHealthcheckFailed = errors.New("scheduler: healthcheck failed")

	// ErrNoTasks indicates an empty schedule during a health probe.
	ErrNoTasks = errors.New("scheduler: no tasks registered")
)
