// Package scheduler implements the M:N task dispatcher this runtime is
// built around: a shared FIFO queue of Task, drained by a pool of
// worker goroutines each running the same Find→Run→Idle loop the
// original Scheduler::run() implements, generalized from OS threads to
// goroutines and from ucontext fibers to the fiber package's
// goroutine+channel rendition.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sfssa/fibernet/fiber"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/internal/gls"
	"github.com/sfssa/fibernet/logging"
)

var sysLog = logging.Get("system")

// current-scheduler and current-worker-index lookups are per-goroutine,
// the same trick fiber uses for CurrentTrampoline/Current: Go has no
// native TLS, so a goroutine-id-keyed map stands in for the teacher's
// thread_local Scheduler* t_scheduler.
var (
	currentScheduler = gls.NewMap[*Scheduler]()
	currentWorker    = gls.NewMap[int]()
)

// ownerInfo is what each dispatched Fiber's Owner carries: which
// Scheduler and which worker index is currently resuming it. A Fiber
// runs on its own dedicated goroutine for its whole lifetime (see
// fiber.ResumeInto), distinct from the worker loop's goroutine that
// calls ResumeInto on it — so Current/CurrentWorker, when called from
// inside a Fiber's own callback, cannot rely on the worker-loop's own
// goroutine-local state and instead resolve through the Fiber's Owner,
// set fresh on every resume (including across the scheduling hops an
// AnyWorker-affinity Fiber may take between different workers).
type ownerInfo struct {
	sched  *Scheduler
	worker int
}

// Current returns the Scheduler driving the calling context: if called
// from inside a dispatched Fiber's callback, the Scheduler currently
// resuming it; otherwise (called directly from a worker loop goroutine)
// the Scheduler that goroutine belongs to.
func Current() (*Scheduler, bool) {
	if f, ok := fiber.Current(); ok {
		if info, ok := f.Owner().(ownerInfo); ok {
			return info.sched, true
		}
	}
	return currentScheduler.Get()
}

// CurrentWorker returns the 0-based worker index currently resuming the
// calling Fiber, or (called directly from a worker loop goroutine) that
// goroutine's own worker index.
func CurrentWorker() (int, bool) {
	if f, ok := fiber.Current(); ok {
		if info, ok := f.Owner().(ownerInfo); ok {
			return info.worker, true
		}
	}
	return currentWorker.Get()
}

// Scheduler is an M:N dispatcher: workers goroutines drain a shared FIFO
// Task queue, each running user Fiber and plain callbacks to completion
// or their next suspend point.
type Scheduler struct {
	name        string
	useCaller   bool
	workerCount int

	mu    sync.Mutex // lock order position 1
	queue taskQueue

	stopping  atomic.Bool
	autoStop  atomic.Bool
	active    atomic.Int64
	idle      atomic.Int64

	tickleCh chan struct{}
	idleFunc func()
	wakeFunc func()

	schedulerFiber *fiber.Fiber // caller-mode only: bound to the constructing goroutine
	wg             sync.WaitGroup
	startOnce      sync.Once
	stopOnce       sync.Once
}

// New creates a Scheduler with the given total worker count. If
// useCaller is true, the constructing goroutine becomes worker 0: a
// scheduler fiber is bound to it immediately (mirroring the original
// constructor's use_caller branch, which decrements threads and installs
// m_rootFiber/t_scheduler_fiber on the calling thread), and Start spawns
// one fewer goroutine than workers.
func New(workers int, useCaller bool, name string) *Scheduler {
	assertx.True(workers > 0, "scheduler: New(%q) called with non-positive worker count %d", name, workers)

	s := &Scheduler{
		name:        name,
		useCaller:   useCaller,
		workerCount: workers,
		tickleCh:    make(chan struct{}, 1),
	}
	s.stopping.Store(true) // not started yet, mirrors original's m_stopping==true pre-start

	if useCaller {
		_, alreadyScheduled := Current()
		assertx.True(!alreadyScheduled, "scheduler: New(useCaller=true) called from a goroutine already running a scheduler")

		currentScheduler.Set(s)
		currentWorker.Set(0)

		s.schedulerFiber = fiber.New(func(f *fiber.Fiber) error {
			s.run(0)
			return nil
		})
		fiber.BindSchedulerFiber(s.schedulerFiber)
	}

	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// Start spawns the worker goroutines (one fewer than the configured
// count in caller mode, since the constructing goroutine is worker 0).
// Calling Start more than once is a no-op.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.stopping.Store(false)

		first := 0
		if s.useCaller {
			first = 1
		}
		for i := first; i < s.workerCount; i++ {
			worker := i
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				currentScheduler.Set(s)
				currentWorker.Set(worker)
				fiber.CurrentTrampoline()
				s.run(worker)
			}()
		}
	})
}

// Schedule enqueues task, tickling an idle worker if the queue was
// empty beforehand.
func (s *Scheduler) Schedule(task Task) {
	s.scheduleLocked(task)
}

// ScheduleBatch enqueues every task in tasks, issuing at most one
// tickle regardless of how many tasks were added.
func (s *Scheduler) ScheduleBatch(tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := s.queue.empty()
	for _, t := range tasks {
		s.queue.push(t)
	}
	s.mu.Unlock()
	if wasEmpty {
		s.tickle()
	}
}

func (s *Scheduler) scheduleLocked(task Task) {
	assertx.True(!task.empty(), "scheduler: Schedule called with an empty Task")
	s.mu.Lock()
	wasEmpty := s.queue.empty()
	s.queue.push(task)
	s.mu.Unlock()
	if wasEmpty {
		s.tickle()
	}
}

// tickle wakes one blocked-idle worker, if any. If a custom wake
// function was installed via SetWake (alongside a custom idle body via
// SetIdle), that is used instead of the default tickle channel, since a
// replaced idle body no longer blocks on tickleCh at all — without this,
// every Schedule/ScheduleBatch call (and CancelEvent/dispatch, which
// route through Schedule) would silently fail to wake a worker genuinely
// parked in that custom idle body.
func (s *Scheduler) tickle() {
	if s.wakeFunc != nil {
		s.wakeFunc()
		return
	}
	select {
	case s.tickleCh <- struct{}{}:
	default:
	}
}

// Tickle wakes a worker blocked in the idle wait — the default
// tickle-channel one, or whatever was installed via SetWake if the idle
// body was replaced via SetIdle.
func (s *Scheduler) Tickle() {
	s.tickle()
}

// HasIdleWorkers reports whether any worker is currently parked in its
// idle fiber, mirroring the original's hasIdleThreads() check that
// IOManager::tickle() uses to avoid writing to the wake pipe when no
// one is listening.
func (s *Scheduler) HasIdleWorkers() bool {
	return s.idle.Load() > 0
}

// SwitchTo migrates the calling goroutine's current fiber onto the
// given worker index by affinity, yielding it back into the queue and
// suspending until it is next resumed — a no-op if already running on
// thread.
func SwitchTo(thread int) {
	s, ok := Current()
	assertx.True(ok, "scheduler: SwitchTo called from a goroutine with no current scheduler")
	if w, ok := CurrentWorker(); ok && (thread == AnyWorker || thread == w) {
		return
	}
	f, ok := fiber.Current()
	assertx.True(ok, "scheduler: SwitchTo called from a goroutine with no current fiber")
	s.scheduleLocked(Task{Fiber: f, Affinity: thread})
	fiber.YieldToSuspended()
}

// isDrained reports whether the scheduler has been asked to stop and
// has drained: both autoStop/stopping flags set, queue empty, nothing
// active.
func (s *Scheduler) isDrained() bool {
	s.mu.Lock()
	empty := s.queue.empty()
	s.mu.Unlock()
	return s.autoStop.Load() && s.stopping.Load() && empty && s.active.Load() == 0
}

// resumeSchedulerFiber drives the scheduler fiber — bound to the
// goroutine that called New — to its next suspend point. In caller
// mode this is how worker 0 actually gets dispatched: unlike the
// spawned workers (running continuously from Start), the caller's own
// goroutine only pumps the dispatch loop when Stop resumes it,
// matching the original's m_rootFiber->call() inside Scheduler::stop().
func (s *Scheduler) resumeSchedulerFiber() {
	assertx.True(s.schedulerFiber.State() != fiber.Running,
		"scheduler: scheduler fiber resumed re-entrantly")
	if s.isDrained() {
		return
	}
	state, err := s.schedulerFiber.ResumeInto(fiber.CurrentTrampoline())
	if err != nil {
		sysLog.Error("scheduler: scheduler fiber faulted", err, "name", s.name)
	}
	assertx.True(state.IsTerminal(), "scheduler: %q scheduler fiber yielded without terminating", s.name)
}

// Wait blocks until every worker goroutine has exited, the Go analogue
// of joining the original's thread pool. Safe to call concurrently with
// Stop, and safe to call without ever calling Stop if the scheduler
// drains naturally (no more tasks and no Schedule calls will ever come).
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop requests shutdown: the three-step protocol from the original
// Scheduler::stop() — flip the flags, tickle every worker (plus the
// scheduler fiber in caller mode), then in caller mode resume the
// scheduler fiber from the constructing goroutine so it drains the
// queue before Stop returns. Blocks until every worker goroutine has
// exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.autoStop.Store(true)
		s.stopping.Store(true)

		for i := 0; i < s.workerCount; i++ {
			s.tickle()
		}

		if s.useCaller {
			s.resumeSchedulerFiber()
		}

		s.wg.Wait()
	})
}

// run is the per-worker dispatch loop: Find a runnable item, Run it to
// its next suspend point, and fall back to Idle when there is nothing
// to do — grounded line-for-line on the original Scheduler::run().
func (s *Scheduler) run(worker int) {
	idleFiber := fiber.New(func(*fiber.Fiber) error {
		s.idleLoop()
		return nil
	})

	var cbFiber *fiber.Fiber

	for {
		task, found, more := s.findTask(worker)

		if more {
			s.tickle()
		}

		switch {
		case found && task.Fiber != nil:
			s.runFiberTask(task.Fiber, worker)

		case found && task.Runnable != nil:
			cbFiber = s.runCallbackTask(task.Runnable, cbFiber, worker)

		default:
			if s.isDrained() {
				return
			}

			s.idle.Add(1)
			idleFiber.SetOwner(ownerInfo{sched: s, worker: worker})
			state, err := idleFiber.ResumeInto(fiber.CurrentTrampoline())
			s.idle.Add(-1)
			if err != nil {
				sysLog.Error("scheduler: idle fiber faulted", err, "name", s.name, "worker", worker)
			}
			if state.IsTerminal() {
				return
			}
		}
	}
}

// findTask pops the first queued task this worker may run: unpinned, or
// pinned to this worker, and not a fiber that is still Running (one
// enqueued by SwitchTo or a timer just before it yields). A task pinned
// elsewhere is left in the queue and reported via the "more" return so
// the caller tickles another worker to pick it up.
func (s *Scheduler) findTask(worker int) (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found, more := s.queue.popMatching(func(t Task) bool {
		if t.Fiber != nil && t.Fiber.State() == fiber.Running {
			return false
		}
		return t.Affinity == AnyWorker || t.Affinity == worker
	})
	if found {
		s.active.Add(1)
	}
	return task, found, more
}

func (s *Scheduler) runFiberTask(f *fiber.Fiber, worker int) {
	f.SetOwner(ownerInfo{sched: s, worker: worker})
	state, err := f.ResumeInto(fiber.CurrentTrampoline())
	s.active.Add(-1)
	if err != nil && state == fiber.Faulted {
		sysLog.Error("scheduler: task fiber faulted", err, "name", s.name)
	}
	if state == fiber.Ready {
		s.scheduleLocked(Task{Fiber: f, Affinity: AnyWorker})
	}
}

func (s *Scheduler) runCallbackTask(cb func(), reuse *fiber.Fiber, worker int) *fiber.Fiber {
	wrapped := func(*fiber.Fiber) error {
		cb()
		return nil
	}
	f := reuse
	if f == nil {
		f = fiber.New(wrapped)
	} else {
		assertx.True(f.Reset(wrapped) == nil, "scheduler: could not reset callback fiber")
	}

	f.SetOwner(ownerInfo{sched: s, worker: worker})
	state, err := f.ResumeInto(fiber.CurrentTrampoline())
	s.active.Add(-1)
	if err != nil {
		sysLog.Error("scheduler: callback fiber faulted", err, "name", s.name)
	}
	if state == fiber.Ready {
		s.scheduleLocked(Task{Fiber: f, Affinity: AnyWorker})
		return nil
	}
	if !state.IsTerminal() {
		return nil
	}
	return f
}

// SetIdle installs fn as the body each worker's idle fiber runs instead
// of blocking on the internal tickle channel, once per pass before
// yielding back to the dispatch loop — the extension point ioreactor
// uses to replace "wait for a tickle" with "epoll_wait, then dispatch
// readiness and expired timers", the same role the original's virtual
// Scheduler::idle() plays for IOManager. Must be called before Start.
func (s *Scheduler) SetIdle(fn func()) {
	s.idleFunc = fn
}

// SetWake installs the function tickle uses to wake a worker parked in
// a custom idle body installed via SetIdle — the extension point
// ioreactor uses to wire Schedule/ScheduleBatch/Tickle through to its
// own epoll self-pipe write instead of the now-unread tickle channel.
// Must be called before Start.
func (s *Scheduler) SetWake(fn func()) {
	s.wakeFunc = fn
}

// idleLoop is the idle fiber's body: wait for something to do (the
// installed idle function, or by default a blocking receive on the
// tickle channel) and yield back to the dispatch loop on every wakeup,
// terminating once the scheduler has fully drained.
func (s *Scheduler) idleLoop() {
	for !s.isDrained() {
		if s.idleFunc != nil {
			s.idleFunc()
		} else {
			<-s.tickleCh
		}
		fiber.YieldToReady()
	}
}

// String implements fmt.Stringer for diagnostics.
func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler{name=%s workers=%d active=%d idle=%d stopping=%t}",
		s.name, s.workerCount, s.active.Load(), s.idle.Load(), s.stopping.Load())
}
