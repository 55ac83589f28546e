package scheduler

import (
	"log/slog"
	"sync"
)

// Handler binds a (class, type) pair to a callback. The registry is
// append-only and populated during startup, before any worker runs.
type Handler struct {
	Class    string
	Type     string
	Callback Callback
}

// RegisterHandler appends a handler for the given class and type.
func (s *Scheduler) RegisterHandler(class, typ string, cb Callback) {
	s.mu.Lock()
	s.handlers = append(s.handlers, Handler{Class: class, Type: typ, Callback: cb})
	s.mu.Unlock()
	s.logger.Info("registered task handler",
		slog.String("class", class),
		slog.String("type", typ))
}

// handlerFor returns the first handler registered for the type.
func (s *Scheduler) handlerFor(typ string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if h.Type == typ {
			return h, true
		}
	}
	return Handler{}, false
}

// ScheduleWithHandler creates a task for the registered handler of the
// given type and schedules it without replacement. The resource mutex, when
// non-nil, becomes the task's identity lock in place of one from the pool,
// letting a task serialize against an externally owned resource.
func (s *Scheduler) ScheduleWithHandler(typ, owner string, userdata any, resource *sync.Mutex, when int64) error {
	h, ok := s.handlerFor(typ)
	if !ok {
		s.logger.Error("no handler for task type", slog.String("type", typ))
		return ErrNoHandler
	}
	t := NewTask(owner, h.Class, typ, h.Callback, userdata, nil, when)
	t.Lock = resource
	return s.Schedule(t, false, false)
}
