// Package timerwheel is the deadline-ordered set of one-shot, periodic,
// and conditional callbacks ioreactor drains on every pass of its
// readiness loop.
//
// It generalizes the teacher's timerHeap (a container/heap min-heap
// keyed by time, loop.go) two ways: entries carry an index so a Handle
// can be cancelled or rescheduled in O(log n) instead of only ever
// popping the front, and a (deadline, seq) tie-break keeps insertion
// order stable for timers that land on the same instant.
package timerwheel

import (
	"container/heap"
	"sync"
	"time"
	"weak"

	"github.com/sfssa/fibernet/internal/assertx"
)

// Handle identifies a scheduled timer for Cancel/Refresh/Reset.
type Handle uint64

// clockJumpThreshold is how far backward DrainExpired's now may jump,
// relative to the last call, before the whole wheel is treated as
// expired rather than trusting individual deadlines — guards against a
// stepped system clock making every timer look like it still has years
// to wait.
const clockJumpThreshold = time.Hour

type entry struct {
	handle    Handle
	deadline  time.Time
	period    time.Duration
	periodic  bool
	seq       uint64
	cb        func()
	witness   func() bool // nil for unconditional timers
	cancelled bool
	index     int
}

// entryHeap implements container/heap.Interface, ordered by
// (deadline, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the deadline-ordered timer set.
type Wheel struct {
	mu       sync.Mutex
	heap     entryHeap
	byHandle map[Handle]*entry
	nextID   uint64
	nextSeq  uint64
	lastNow  time.Time

	// OnFrontChanged, if set, is invoked (without the wheel lock held)
	// whenever Add/Cancel/Refresh/Reset changes which timer is soonest,
	// mirroring the original's on_front_changed protected hook so
	// ioreactor can shorten its poll timeout immediately instead of
	// waiting for its next scheduled wakeup.
	OnFrontChanged func()
}

// New creates an empty Wheel.
func New() *Wheel {
	return &Wheel{byHandle: make(map[Handle]*entry)}
}

// Add schedules cb to run after period, repeating every period if
// periodic is true.
func (w *Wheel) Add(period time.Duration, cb func(), periodic bool) Handle {
	return w.add(period, cb, nil, periodic)
}

// AddConditional schedules cb like Add, but the timer is silently
// dropped instead of firing if witness has already been garbage
// collected by the time it comes due — grounded on the original's
// timer_info+weak_ptr guard in hook.cpp, generalized here with Go's
// weak.Pointer instead of shared_ptr/weak_ptr.
func AddConditional[T any](w *Wheel, period time.Duration, cb func(), witness *T, periodic bool) Handle {
	assertx.True(witness != nil, "timerwheel: AddConditional called with a nil witness")
	wp := weak.Make(witness)
	return w.add(period, cb, func() bool { return wp.Value() != nil }, periodic)
}

func (w *Wheel) add(period time.Duration, cb func(), witness func() bool, periodic bool) Handle {
	assertx.True(cb != nil, "timerwheel: Add called with a nil callback")
	assertx.True(period >= 0, "timerwheel: Add called with a negative period %s", period)

	w.mu.Lock()
	w.nextID++
	h := Handle(w.nextID)
	w.nextSeq++
	e := &entry{
		handle:   h,
		deadline: w.now().Add(period),
		period:   period,
		periodic: periodic,
		seq:      w.nextSeq,
		cb:       cb,
		witness:  witness,
	}
	heap.Push(&w.heap, e)
	w.byHandle[h] = e
	frontChanged := w.heap[0] == e
	w.mu.Unlock()

	w.notifyFrontChanged(frontChanged)
	return h
}

// now returns the current time, which Add, Refresh, Reset and NextDelay
// measure deadlines from. lastNow is kept only for DrainExpired's
// clock-jump check. Caller must hold mu.
func (w *Wheel) now() time.Time {
	return time.Now()
}

// Cancel removes the timer identified by h, if it still exists. A
// handle for a timer that already fired (and was one-shot) or was
// already cancelled is simply ignored.
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	e, ok := w.byHandle[h]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.byHandle, h)
	e.cancelled = true
	var frontChanged bool
	if e.index >= 0 {
		wasFront := w.heap[0] == e
		heap.Remove(&w.heap, e.index)
		frontChanged = wasFront
	}
	w.mu.Unlock()

	w.notifyFrontChanged(frontChanged)
}

// Refresh resets the timer's deadline to now+its original period,
// leaving the period and callback unchanged — a no-op if h is unknown.
func (w *Wheel) Refresh(h Handle) {
	w.mu.Lock()
	e, ok := w.byHandle[h]
	if !ok {
		w.mu.Unlock()
		return
	}
	wasFront := e.index == 0
	e.deadline = w.now().Add(e.period)
	heap.Fix(&w.heap, e.index)
	frontChanged := wasFront || e.index == 0
	w.mu.Unlock()

	w.notifyFrontChanged(frontChanged)
}

// Reset changes the timer's period. If fromNow is true the new
// deadline is now+newPeriod; otherwise it is the timer's previous
// deadline plus the delta between the new and old periods. A no-op if
// h is unknown.
func (w *Wheel) Reset(h Handle, newPeriod time.Duration, fromNow bool) {
	assertx.True(newPeriod >= 0, "timerwheel: Reset called with a negative period %s", newPeriod)

	w.mu.Lock()
	e, ok := w.byHandle[h]
	if !ok {
		w.mu.Unlock()
		return
	}
	wasFront := e.index == 0
	if fromNow {
		e.deadline = w.now().Add(newPeriod)
	} else {
		e.deadline = e.deadline.Add(newPeriod - e.period)
	}
	e.period = newPeriod
	heap.Fix(&w.heap, e.index)
	frontChanged := wasFront || e.index == 0
	w.mu.Unlock()

	w.notifyFrontChanged(frontChanged)
}

// NextDelay returns the duration until the soonest timer is due. ok is
// false if the wheel is empty.
func (w *Wheel) NextDelay() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.heap) == 0 {
		return 0, false
	}
	now := w.now()
	d := w.heap[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// DrainExpired pops every timer due at or before now and returns the
// callbacks to invoke, in deadline order. A periodic, non-cancelled,
// still-live timer is re-inserted with its next deadline before
// DrainExpired returns. Callbacks are returned rather than invoked
// directly so the caller (ioreactor) can run them outside the wheel's
// lock, honoring the locking order (timer is the innermost lock).
//
// If now has jumped backward by more than an hour relative to the last
// call — a stepped system clock — the entire wheel is treated as
// expired rather than trusting individual deadlines, since "now" is no
// longer a meaningful reference point for anything scheduled against
// the old clock.
func (w *Wheel) DrainExpired(now time.Time) []func() {
	w.mu.Lock()

	clockJumped := !w.lastNow.IsZero() && w.lastNow.Sub(now) > clockJumpThreshold
	w.lastNow = now

	var due []*entry
	for len(w.heap) > 0 {
		front := w.heap[0]
		if !clockJumped && front.deadline.After(now) {
			break
		}
		heap.Pop(&w.heap)
		delete(w.byHandle, front.handle)
		due = append(due, front)
	}

	cbs := make([]func(), 0, len(due))
	for _, e := range due {
		if e.cancelled {
			continue
		}
		if e.witness != nil && !e.witness() {
			continue
		}
		cbs = append(cbs, e.cb)
		if e.periodic {
			w.nextSeq++
			e.seq = w.nextSeq
			e.deadline = now.Add(e.period)
			e.cancelled = false
			heap.Push(&w.heap, e)
			w.byHandle[e.handle] = e
		}
	}
	w.mu.Unlock()

	if len(due) > 0 {
		w.notifyFrontChanged(true)
	}
	return cbs
}

// Len reports how many timers are currently scheduled.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

func (w *Wheel) notifyFrontChanged(changed bool) {
	if changed && w.OnFrontChanged != nil {
		w.OnFrontChanged()
	}
}
