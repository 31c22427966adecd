// Package fiber implements the goroutine-backed execution context this
// runtime schedules: a "fiber" has its own lifecycle state and its own
// goroutine, and is handed control by sending on resumeCh and handed
// back by receiving on yieldCh, the same role the eventloop teacher's
// single dedicated loop goroutine plays, generalized to many fibers
// instead of one.
package fiber

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/internal/gls"
	"github.com/sfssa/fibernet/logging"
)

var sysLog = logging.Get("system")

// DefaultStackSize is the advisory stack size hint used when no Option
// overrides it, matching config.DefaultStackSize (131072 bytes). It is
// duplicated here, rather than imported from config, to keep fiber free
// of a dependency on the configuration layer; callers that wire config
// into fiber construction pass config.Config.StackSize.Value() through
// WithStackSize explicitly.
const DefaultStackSize uint64 = 131072

// StackAllocator is a pluggable hook for stack bookkeeping. Go manages
// its own goroutine stacks, so the default implementation is a no-op;
// the interface exists so a production deployment can plug in a
// goroutine-pool recycler without fiber itself needing to change.
type StackAllocator interface {
	Allocate(size uint64)
	Release()
}

type noopAllocator struct{}

func (noopAllocator) Allocate(uint64) {}
func (noopAllocator) Release()        {}

// Option configures a Fiber at construction.
type Option interface {
	apply(*fiberOptions)
}

type fiberOptions struct {
	stackSize uint64
	allocator StackAllocator
}

type optionFunc func(*fiberOptions)

func (f optionFunc) apply(o *fiberOptions) { f(o) }

// WithStackSize sets the advisory stack size hint for the fiber.
func WithStackSize(size uint64) Option {
	return optionFunc(func(o *fiberOptions) { o.stackSize = size })
}

// WithStackAllocator installs a custom StackAllocator.
func WithStackAllocator(a StackAllocator) Option {
	return optionFunc(func(o *fiberOptions) { o.allocator = a })
}

func resolveOptions(opts []Option) *fiberOptions {
	o := &fiberOptions{
		stackSize: DefaultStackSize,
		allocator: noopAllocator{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	return o
}

var nextID atomic.Uint64

// yieldMsg is what a fiber's goroutine sends back to whoever called
// ResumeInto: the state it came to rest in, and an error if the
// callback faulted or returned one.
type yieldMsg struct {
	state State
	err   error
}

// Fiber is a single cooperatively scheduled execution context.
type Fiber struct {
	id    uint64
	state atomicState

	resumeCh chan struct{}
	yieldCh  chan yieldMsg

	trampoline     bool
	schedulerFiber bool

	stackSize uint64
	allocator StackAllocator

	mu       sync.Mutex
	cb       func(*Fiber) error
	err      error
	owner    any // typically *scheduler.Scheduler; non-owning back-pointer
	resumer  *Fiber
	started  bool
}

// New creates a Fiber in the Ready state, wrapping cb. The fiber's
// goroutine is not spawned until the first ResumeInto.
func New(cb func(*Fiber) error, opts ...Option) *Fiber {
	assertx.True(cb != nil, "fiber: New called with nil callback")
	o := resolveOptions(opts)
	f := &Fiber{
		id:        nextID.Add(1),
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan yieldMsg),
		stackSize: o.stackSize,
		allocator: o.allocator,
		cb:        cb,
	}
	f.state.Store(Ready)
	return f
}

// newBareFiber creates a Fiber with no callback and no goroutine of its
// own, used for the trampoline and (in worker mode) the scheduler fiber
// binding to an already-running goroutine.
func newBareFiber(trampoline bool) *Fiber {
	f := &Fiber{id: nextID.Add(1), trampoline: trampoline}
	f.state.Store(Running)
	return f
}

// ID returns the fiber's process-unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return f.state.Load() }

// IsTrampoline reports whether this Fiber represents a worker's base
// context rather than a callback running in its own goroutine.
func (f *Fiber) IsTrampoline() bool { return f.trampoline }

// Err returns the error the callback returned or panicked with, once
// the fiber has reached Terminated or Faulted. Zero value otherwise.
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// SetOwner records the non-owning back-pointer to whatever is
// dispatching this fiber (normally a *scheduler.Scheduler). Go's GC
// makes the Fiber↔Scheduler cycle harmless, so no ownership transfer
// needs to be encoded.
func (f *Fiber) SetOwner(owner any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = owner
}

// Owner returns the value last passed to SetOwner, or nil.
func (f *Fiber) Owner() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}

// ResumedBy returns the fiber that last resumed this one via
// ResumeInto, or nil.
func (f *Fiber) ResumedBy() *Fiber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumer
}

// ResumeInto transitions f from Ready or Suspended to Running and blocks
// until f next yields or terminates, returning the state it came to
// rest in. suspendTarget, if non-nil, is recorded as the fiber that
// performed the resume (diagnostic only — it is not itself touched).
//
// The trampoline fiber is a special case: it has no goroutine of its
// own (it *is* the calling goroutine), so "resuming" it is synchronous
// and immediate rather than a channel handoff.
func (f *Fiber) ResumeInto(suspendTarget *Fiber) (State, error) {
	if f.trampoline {
		f.mu.Lock()
		f.resumer = suspendTarget
		f.mu.Unlock()
		f.state.Store(Running)
		currentFiber.Set(f)
		return Running, nil
	}

	st := f.state.Load()
	assertx.True(st == Ready || st == Suspended,
		"fiber: ResumeInto on fiber id=%d in non-resumable state %s", f.id, st)

	f.mu.Lock()
	f.resumer = suspendTarget
	started := f.started
	f.started = true
	f.mu.Unlock()

	f.state.Store(Running)

	if !started {
		go f.run()
	} else {
		f.resumeCh <- struct{}{}
	}

	msg := <-f.yieldCh
	return msg.state, msg.err
}

// run is the fiber's goroutine body. It executes for the entire
// lifetime of the fiber across every suspend/resume cycle: a voluntary
// yield blocks on resumeCh from inside YieldOut, it does not return
// from run.
func (f *Fiber) run() {
	currentFiber.Set(f)

	f.allocator.Allocate(f.stackSize)
	defer f.allocator.Release()

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 16384)
			n := runtime.Stack(buf, false)
			err := fmt.Errorf("fiber panic: %v", r)
			sysLog.Error("fiber: callback panicked", err, "id", f.id, "backtrace", string(buf[:n]))
			f.finish(Faulted, err)
		}
	}()

	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()

	err := cb(f)
	f.finish(Terminated, err)
}

// finish records the callback's outcome, clears it so its closure can
// be collected, releases the owner back-reference, and performs the
// final yield by handing the terminal state to whoever is blocked in
// ResumeInto. It then returns and the entry goroutine exits: a terminal
// fiber is not resumed again until Reset gives it a fresh goroutine.
func (f *Fiber) finish(state State, err error) {
	f.mu.Lock()
	f.cb = nil
	f.err = err
	f.owner = nil
	f.mu.Unlock()

	f.state.Store(state)
	f.yieldCh <- yieldMsg{state: state, err: err}
}

// YieldOut is the primitive suspension point: it records state, hands
// control back to whoever is blocked in ResumeInto, and — unless state
// is terminal — blocks until this fiber is resumed again.
//
// For a terminal state YieldOut returns right after the handoff instead
// of waiting on resumeCh. The entry goroutine's own final yield does not
// go through YieldOut: finish sends on yieldCh directly.
func (f *Fiber) YieldOut(state State) {
	assertx.True(f.state.Load() == Running,
		"fiber: YieldOut(%s) on fiber id=%d not in Running state", state, f.id)

	f.state.Store(state)
	f.yieldCh <- yieldMsg{state: state}

	if state.IsTerminal() {
		return
	}

	<-f.resumeCh
	f.state.Store(Running)
	currentFiber.Set(f)
}

// Reset rearms a Terminated or Faulted fiber with a new callback so it
// can be ResumeInto'd again. Returns an error if f is not in a terminal
// state.
func (f *Fiber) Reset(cb func(*Fiber) error) error {
	assertx.True(cb != nil, "fiber: Reset called with nil callback")

	st := f.state.Load()
	if !st.IsTerminal() {
		return fmt.Errorf("fiber: Reset on fiber id=%d in non-terminal state %s", f.id, st)
	}

	f.mu.Lock()
	f.cb = cb
	f.err = nil
	f.started = false
	f.resumer = nil
	f.mu.Unlock()

	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan yieldMsg)
	f.state.Store(Ready)
	return nil
}

// --- goroutine-local lookups ---

var (
	currentFiber    = gls.NewMap[*Fiber]()
	trampolines     = gls.NewMap[*Fiber]()
	schedulerFibers = gls.NewMap[*Fiber]()
)

// Current returns the Fiber running on the calling goroutine, if any.
func Current() (*Fiber, bool) {
	return currentFiber.Get()
}

// CurrentTrampoline returns (creating if necessary) the implicit fiber
// representing the calling goroutine's own base context: the one every
// worker goroutine has even when no user callback is running on it.
func CurrentTrampoline() *Fiber {
	if f, ok := trampolines.Get(); ok {
		return f
	}
	f := newBareFiber(true)
	trampolines.Set(f)
	currentFiber.Set(f)
	return f
}

// CurrentSchedulerFiber returns the fiber bound to the scheduler
// dispatch loop running on the calling goroutine, if scheduler has
// bound one via BindSchedulerFiber.
func CurrentSchedulerFiber() (*Fiber, bool) {
	return schedulerFibers.Get()
}

// BindSchedulerFiber associates f as the scheduler fiber for the
// calling goroutine. Used by package scheduler when it starts (worker
// mode) or binds to (caller mode) the goroutine running its dispatch
// loop.
func BindSchedulerFiber(f *Fiber) {
	f.schedulerFiber = true
	schedulerFibers.Set(f)
}

// IsSchedulerFiber reports whether f was bound via BindSchedulerFiber.
func (f *Fiber) IsSchedulerFiber() bool { return f.schedulerFiber }

// --- application-facing yield points ---

// YieldToReady suspends the calling goroutine's current fiber to Ready,
// to be resumed again once the scheduler gets back around to it.
func YieldToReady() {
	f := currentOrPanic()
	f.YieldOut(Ready)
}

// YieldToSuspended suspends the calling goroutine's current fiber to
// Suspended: the caller is responsible for arranging some later event
// (a reactor readiness callback, a timer) to resume it via ResumeInto.
//
// Per this codebase's resolution of the stricter-vs-looser suspend
// question: both YieldToReady and YieldToSuspended require the fiber to
// be Running on entry — YieldOut already asserts this uniformly.
func YieldToSuspended() {
	f := currentOrPanic()
	f.YieldOut(Suspended)
}

func currentOrPanic() *Fiber {
	f, ok := Current()
	assertx.True(ok, "fiber: Yield called from a goroutine with no current fiber")
	return f
}
