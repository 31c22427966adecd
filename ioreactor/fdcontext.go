package ioreactor

import (
	"sync"

	"github.com/sfssa/fibernet/fiber"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/scheduler"
)

// slot holds what to do when one direction (read or write) of a
// descriptor becomes ready: either an explicit callback, or the fiber
// that registered the interest and is waiting to be resumed. Exactly
// one of cb/waiter is set, grounded on the original FdContext's
// EventContext (cb XOR fiber).
type slot struct {
	cb     func()
	waiter *fiber.Fiber
	sched  *scheduler.Scheduler
}

func (s *slot) empty() bool { return s.cb == nil && s.waiter == nil }

func (s *slot) reset() { *s = slot{} }

// fdContext is the per-descriptor registration state: which directions
// are currently being watched and what to do when each fires. One
// mutex per descriptor, grounded directly on the original FdContext's
// own per-context mutex (lock order position 3, below the reactor
// registry and above timerwheel).
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Events
	read   slot
	write  slot
}

func newFdContext(fd int) *fdContext {
	return &fdContext{fd: fd}
}

func (c *fdContext) slotFor(ev Events) *slot {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		assertx.True(false, "ioreactor: slotFor called with non-singular event %d", ev)
		return nil
	}
}

// arm records a new interest in ev, returning the combined event mask
// that should now be watched via epoll_ctl. The caller must already
// hold c.mu.
func (c *fdContext) arm(ev Events, cb func(), sched *scheduler.Scheduler) Events {
	assertx.True(c.events&ev == 0, "ioreactor: fd=%d event %d already registered", c.fd, ev)

	s := c.slotFor(ev)
	s.sched = sched
	if cb != nil {
		s.cb = cb
	} else {
		f, ok := fiber.Current()
		assertx.True(ok, "ioreactor: AddEvent called with no callback from a goroutine with no current fiber")
		assertx.True(f.State() == fiber.Running, "ioreactor: AddEvent's implicit-fiber form must be called from the fiber being suspended")
		s.waiter = f
	}
	c.events |= ev
	return c.events
}

// disarm clears ev without triggering it, returning the new combined
// mask and whether anything is still registered. The caller must
// already hold c.mu.
func (c *fdContext) disarm(ev Events) (Events, bool) {
	if c.events&ev == 0 {
		return c.events, false
	}
	c.events &^= ev
	c.slotFor(ev).reset()
	return c.events, true
}

// trigger clears ev and returns the Task to schedule for it — exactly
// once: the bit is cleared and the slot reset atomically under c.mu
// before the caller ever touches the scheduler, so a second readiness
// notification for the same interest before it's rearmed is a no-op.
func (c *fdContext) trigger(ev Events) (scheduler.Task, *scheduler.Scheduler, bool) {
	if c.events&ev == 0 {
		return scheduler.Task{}, nil, false
	}
	c.events &^= ev
	s := c.slotFor(ev)
	sched := s.sched
	var task scheduler.Task
	if s.cb != nil {
		task = scheduler.Task{Runnable: s.cb, Affinity: scheduler.AnyWorker}
	} else {
		task = scheduler.Task{Fiber: s.waiter, Affinity: scheduler.AnyWorker}
	}
	s.reset()
	return task, sched, true
}
