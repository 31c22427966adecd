package timerwheel

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrdersByDeadline(t *testing.T) {
	w := New()
	var order []int

	w.Add(30*time.Millisecond, func() { order = append(order, 3) }, false)
	w.Add(10*time.Millisecond, func() { order = append(order, 1) }, false)
	w.Add(20*time.Millisecond, func() { order = append(order, 2) }, false)

	cbs := w.DrainExpired(time.Now().Add(time.Second))
	require.Len(t, cbs, 3)
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestNextDelayEmptyWheel(t *testing.T) {
	w := New()
	_, ok := w.NextDelay()
	assert.False(t, ok)
}

func TestNextDelayReflectsSoonestTimer(t *testing.T) {
	w := New()
	w.Add(50*time.Millisecond, func() {}, false)
	d, ok := w.NextDelay()
	require.True(t, ok)
	assert.LessOrEqual(t, d, 50*time.Millisecond)
	assert.Greater(t, d, time.Duration(0))
}

func TestDrainExpiredOnlyPopsDueTimers(t *testing.T) {
	w := New()
	w.Add(time.Hour, func() { t.Fatal("far-future timer must not fire") }, false)
	fired := false
	w.Add(time.Millisecond, func() { fired = true }, false)

	cbs := w.DrainExpired(time.Now().Add(10 * time.Millisecond))
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
	assert.Equal(t, 1, w.Len())
}

func TestCancelRemovesTimer(t *testing.T) {
	w := New()
	h := w.Add(time.Millisecond, func() { t.Fatal("cancelled timer must not fire") }, false)
	w.Cancel(h)

	cbs := w.DrainExpired(time.Now().Add(time.Second))
	assert.Empty(t, cbs)
	assert.Equal(t, 0, w.Len())
}

func TestCancelUnknownHandleIsNoop(t *testing.T) {
	w := New()
	assert.NotPanics(t, func() { w.Cancel(Handle(999)) })
}

func TestPeriodicTimerReschedulesItself(t *testing.T) {
	w := New()
	count := 0
	w.Add(time.Millisecond, func() { count++ }, true)

	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(2 * time.Millisecond)
		for _, cb := range w.DrainExpired(now) {
			cb()
		}
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, w.Len(), "periodic timer should still be scheduled after firing")
}

// TestPeriodicTimerCancelledFromOwnCallbackAfterThirdFire exercises the
// literal end-to-end scenario of a periodic timer that cancels itself,
// from inside its own callback, once it has fired three times — no
// further fires may occur afterward.
func TestPeriodicTimerCancelledFromOwnCallbackAfterThirdFire(t *testing.T) {
	w := New()
	var h Handle
	count := 0
	h = w.Add(time.Millisecond, func() {
		count++
		if count == 3 {
			w.Cancel(h)
		}
	}, true)

	now := time.Now()
	for i := 0; i < 10; i++ {
		now = now.Add(2 * time.Millisecond)
		for _, cb := range w.DrainExpired(now) {
			cb()
		}
	}
	assert.Equal(t, 3, count, "timer must not fire again after cancelling itself on its third fire")
	assert.Equal(t, 0, w.Len())
}

func TestRefreshPostponesDeadline(t *testing.T) {
	w := New()
	h := w.Add(10*time.Millisecond, func() {}, false)

	base := time.Now()
	w.Refresh(h)

	cbs := w.DrainExpired(base.Add(5 * time.Millisecond))
	assert.Empty(t, cbs, "refreshed timer should not have fired yet relative to the original schedule")
}

func TestResetChangesPeriod(t *testing.T) {
	w := New()
	fired := false
	h := w.Add(time.Hour, func() { fired = true }, false)

	w.Reset(h, time.Millisecond, true)

	cbs := w.DrainExpired(time.Now().Add(10 * time.Millisecond))
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
}

func TestConditionalTimerDroppedWhenWitnessCollected(t *testing.T) {
	w := New()
	fired := false

	func() {
		witness := new(int)
		AddConditional(w, time.Millisecond, func() { fired = true }, witness, false)
		// witness goes out of scope here; nothing else references it.
	}()

	for i := 0; i < 20; i++ {
		runtime.GC()
	}

	cbs := w.DrainExpired(time.Now().Add(time.Second))
	for _, cb := range cbs {
		cb()
	}
	assert.False(t, fired, "conditional timer must not fire once its witness is collected")
}

func TestConditionalTimerFiresWhileWitnessAlive(t *testing.T) {
	w := New()
	witness := new(int)
	fired := false
	AddConditional(w, time.Millisecond, func() { fired = true }, witness, false)

	cbs := w.DrainExpired(time.Now().Add(time.Second))
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
	_ = witness
}

func TestClockJumpBackwardExpiresEverything(t *testing.T) {
	w := New()
	w.Add(time.Hour, func() {}, false)

	now := time.Now()
	w.DrainExpired(now) // anchor lastNow

	fired := false
	w.Add(time.Hour, func() { fired = true }, false)

	// Step the clock backward by more than the jump threshold: every
	// remaining timer, not just the ones due by deadline, must expire.
	cbs := w.DrainExpired(now.Add(-2 * time.Hour))
	require.NotEmpty(t, cbs)
	for _, cb := range cbs {
		cb()
	}
	assert.True(t, fired)
	assert.Equal(t, 0, w.Len())
}
