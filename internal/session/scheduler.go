package session

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock creates timers. RealClock is backed by time.AfterFunc; tests use a
// manual clock.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Handle identifies one scheduled task.
type Handle struct {
	mu        sync.Mutex
	timer     Timer
	fn        func()
	cancelled bool
	fired     bool
}

// Cancel stops the task if it has not run yet and reports whether it did.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.cancelled {
		return false
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Pending reports whether the task is still waiting to run.
func (h *Handle) Pending() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.fired && !h.cancelled
}

func (h *Handle) claim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.fired {
		return false
	}
	h.fired = true
	return true
}

// Scheduler runs at most one pending task: scheduling cancels the previous
// handle before arming a new one, so a burst collapses into its last call.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	current *Handle
}

// NewScheduler returns a Scheduler using clock, or the wall clock if nil.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{clock: clock}
}

// Schedule arms fn to run after d and returns its handle.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Handle {
	h := &Handle{fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Cancel()
	s.current = h

	t := s.clock.AfterFunc(d, func() {
		if h.claim() {
			fn()
		}
	})
	h.mu.Lock()
	h.timer = t
	h.mu.Unlock()
	return h
}

// Flush runs the pending task immediately on the calling goroutine and
// reports whether there was one.
func (s *Scheduler) Flush() bool {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()

	if h == nil || !h.claim() {
		return false
	}
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	h.fn()
	return true
}

// Cancel stops the pending task, if any.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.current.Cancel()
	s.current = nil
	return ok
}

// Pending reports whether a task is waiting to run.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Pending()
}
