// Package ioreactor composes scheduler.Scheduler and timerwheel.Wheel
// around an epoll instance, the same role the original IOManager plays
// over Scheduler+TimerManager in iomanager.cpp: every worker's idle fiber,
// instead of blocking on the scheduler's own tickle channel, blocks in
// epoll_wait bounded by the soonest timer deadline, then dispatches
// whatever fds came ready and whatever timers came due as ordinary
// scheduler tasks.
package ioreactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/fiber"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/logging"
	"github.com/sfssa/fibernet/scheduler"
	"github.com/sfssa/fibernet/timerwheel"
)

var sysLog = logging.Get("system")

// registry maps a running Scheduler back to the Reactor that owns it,
// so Current can find the owning Reactor the way the original's
// IOManager::GetThis() dynamic_casts Scheduler::GetThis() — a downcast
// Go's type system has no equivalent for, so a lookup table keyed by
// the embedded Scheduler's identity stands in for it instead.
var (
	registryMu  sync.RWMutex
	byScheduler = map[*scheduler.Scheduler]*Reactor{}
)

// Current returns the Reactor owning the scheduler dispatch loop
// running on the calling goroutine, if any.
func Current() (*Reactor, bool) {
	sched, ok := scheduler.Current()
	if !ok {
		return nil, false
	}
	registryMu.RLock()
	r, ok := byScheduler[sched]
	registryMu.RUnlock()
	return r, ok
}

// maxEpollWait is the ceiling on how long a single epoll_wait call may
// block even with no timer scheduled, matching the original's
// MAX_TIMEOUT of 5000ms — keeps the loop checking isDrained/stopping
// periodically rather than only on fd or timer activity.
const maxEpollWait = 5 * time.Second

const maxEpollEvents = 256

// Reactor is a Scheduler with epoll-backed readiness dispatch and a
// timer wheel wired into its idle loop.
type Reactor struct {
	*scheduler.Scheduler
	*timerwheel.Wheel

	epfd   int
	wakeFd int

	mu    sync.RWMutex // lock order position 2, above fdContext's own mutex
	ctx   []*fdContext
	total int
}

// New creates a Reactor with the given worker count and caller-mode
// flag, passed straight through to scheduler.New, and starts the
// embedded scheduler (a later Start call is a no-op). The returned
// Reactor owns an epoll instance and a wakeup eventfd; Close releases both.
func New(workers int, useCaller bool, name string) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: epoll_create1: %w", err)
	}

	wakeFd, err := createWakeFd()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioreactor: creating wake fd: %w", err)
	}

	r := &Reactor{
		Scheduler: scheduler.New(workers, useCaller, name),
		Wheel:     timerwheel.New(),
		epfd:      epfd,
		wakeFd:    wakeFd,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(epfd)
		closeWakeFd(wakeFd)
		return nil, fmt.Errorf("ioreactor: registering wake fd: %w", err)
	}

	// A newly soonest timer may need the poll loop to wake up sooner than
	// whatever it's currently blocked on; the wheel only knows how to call
	// back, so it is given the Reactor's own Tickle, which wakes a worker
	// parked in epoll_wait through the wakeup eventfd. SetWake below routes
	// the embedded Scheduler's tickle through the same function.
	r.Wheel.OnFrontChanged = r.Tickle

	r.Scheduler.SetIdle(r.idle)
	r.Scheduler.SetWake(r.Tickle)

	registryMu.Lock()
	byScheduler[r.Scheduler] = r
	registryMu.Unlock()

	r.Scheduler.Start()

	return r, nil
}

// Close releases the epoll instance and wakeup descriptor. The Reactor
// must already be stopped (via Stop) before calling Close.
func (r *Reactor) Close() error {
	registryMu.Lock()
	delete(byScheduler, r.Scheduler)
	registryMu.Unlock()

	closeWakeFd(r.wakeFd)
	return unix.Close(r.epfd)
}

func (r *Reactor) contextFor(fd int) *fdContext {
	assertx.True(fd >= 0, "ioreactor: negative fd %d", fd)

	r.mu.RLock()
	if fd < len(r.ctx) && r.ctx[fd] != nil {
		c := r.ctx[fd]
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.ctx) {
		// Geometric growth, grounded on the original's
		// contextResize(fd*1.5).
		newLen := int(float64(fd+1) * 1.5)
		grown := make([]*fdContext, newLen)
		copy(grown, r.ctx)
		r.ctx = grown
	}
	if r.ctx[fd] == nil {
		r.ctx[fd] = newFdContext(fd)
		r.total++
	}
	return r.ctx[fd]
}

// AddEvent registers interest in ev on fd. If cb is non-nil it is run
// (as an ordinary scheduler task) when the event fires; if cb is nil,
// the calling goroutine's current fiber is captured and resumed
// instead — the caller must arrange to yield (fiber.YieldToSuspended)
// immediately after calling AddEvent in that form.
func (r *Reactor) AddEvent(fd int, ev Events, cb func()) error {
	c := r.contextFor(fd)

	c.mu.Lock()
	prevMask := c.events
	newMask := c.arm(ev, cb, r.Scheduler)
	c.mu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if prevMask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	return unix.EpollCtl(r.epfd, op, fd, &unix.EpollEvent{
		Events: eventsToEpoll(newMask),
		Fd:     int32(fd),
	})
}

// DelEvent clears interest in ev on fd without invoking its callback.
func (r *Reactor) DelEvent(fd int, ev Events) error {
	c := r.contextFor(fd)

	c.mu.Lock()
	newMask, had := c.disarm(ev)
	c.mu.Unlock()
	if !had {
		return nil
	}

	return r.applyMask(fd, newMask)
}

// CancelEvent clears interest in ev on fd and, if it was armed,
// schedules its callback/fiber immediately as though it had fired —
// grounded on the original's cancelEvent, used when a caller needs to
// unblock a waiter without waiting for real readiness (e.g. a
// connect timeout).
func (r *Reactor) CancelEvent(fd int, ev Events) error {
	c := r.contextFor(fd)

	c.mu.Lock()
	task, sched, had := c.trigger(ev)
	newMask := c.events
	c.mu.Unlock()
	if !had {
		return nil
	}

	sched.Schedule(task)
	return r.applyMask(fd, newMask)
}

// CancelAll clears every registered interest on fd, firing each one
// exactly as CancelEvent would — grounded on the original's cancelAll,
// called from the syscallshim Close wrapper.
func (r *Reactor) CancelAll(fd int) error {
	for _, ev := range [...]Events{EventRead, EventWrite} {
		if err := r.CancelEvent(fd, ev); err != nil {
			return err
		}
	}
	return r.forget(fd)
}

func (r *Reactor) applyMask(fd int, mask Events) error {
	if mask == 0 {
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(mask),
		Fd:     int32(fd),
	})
}

// WaitEvent suspends the calling fiber until fd becomes ready for ev,
// or until timeout elapses if timeout is non-negative. Returns
// unix.ETIMEDOUT if the wait timed out. Grounded on the original
// do_io/connect_with_timeout's shared pattern: arm a one-shot timer
// that marks the wait timed out and cancels the event on expiry,
// register the event against the current fiber, yield, then cancel the
// timer. The timer is a plain one, not a conditional one tied to this
// call: a timer callback already drained from the wheel before that
// cancel still runs afterwards.
func (r *Reactor) WaitEvent(fd int, ev Events, timeout time.Duration) error {
	_, ok := fiber.Current()
	assertx.True(ok, "ioreactor: WaitEvent called from a goroutine with no current fiber")

	var timedOut atomic.Bool
	var timerHandle timerwheel.Handle
	haveTimer := timeout >= 0
	if haveTimer {
		timerHandle = r.Wheel.Add(timeout, func() {
			timedOut.Store(true)
			_ = r.CancelEvent(fd, ev)
		}, false)
	}

	if err := r.AddEvent(fd, ev, nil); err != nil {
		if haveTimer {
			r.Wheel.Cancel(timerHandle)
		}
		return err
	}

	fiber.YieldToSuspended()

	if haveTimer {
		r.Wheel.Cancel(timerHandle)
	}
	if timedOut.Load() {
		return unix.ETIMEDOUT
	}
	return nil
}

func (r *Reactor) forget(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.ctx) {
		r.ctx[fd] = nil
	}
	return nil
}

// idle is installed via Scheduler.SetIdle: each pass blocks in
// epoll_wait bounded by the soonest timer deadline (capped at
// maxEpollWait), then dispatches whatever fds came ready and whatever
// timers came due — grounded on the original IOManager::idle().
func (r *Reactor) idle() {
	timeout := maxEpollWait
	if d, ok := r.Wheel.NextDelay(); ok && d < timeout {
		timeout = d
	}

	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], int(timeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		sysLog.Error("ioreactor: epoll_wait failed", err)
		return
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == r.wakeFd {
			drainWakeFd(r.wakeFd)
			continue
		}
		r.dispatch(fd, epollToEvents(events[i].Events))
	}

	for _, cb := range r.Wheel.DrainExpired(time.Now()) {
		r.Scheduler.Schedule(scheduler.Task{Runnable: cb, Affinity: scheduler.AnyWorker})
	}
}

func (r *Reactor) dispatch(fd int, ready Events) {
	r.mu.RLock()
	var c *fdContext
	if fd < len(r.ctx) {
		c = r.ctx[fd]
	}
	r.mu.RUnlock()
	if c == nil {
		return
	}

	for _, ev := range [...]Events{EventRead, EventWrite} {
		if ready&ev == 0 {
			continue
		}
		c.mu.Lock()
		task, sched, had := c.trigger(ev)
		newMask := c.events
		c.mu.Unlock()
		if !had {
			continue
		}
		sched.Schedule(task)
		if err := r.applyMask(fd, newMask); err != nil {
			sysLog.Error("ioreactor: epoll_ctl after dispatch failed", err, "fd", fd)
		}
	}
}

// Tickle wakes a worker parked in epoll_wait by writing to the wakeup
// eventfd, but only if one is actually idle — mirroring the original
// IOManager::tickle()'s hasIdleThreads() guard, so a steady stream of
// AddEvent/Schedule calls while every worker is busy doesn't pay for a
// write(2) per call.
func (r *Reactor) Tickle() {
	if !r.Scheduler.HasIdleWorkers() {
		return
	}
	wakeOne(r.wakeFd)
}
