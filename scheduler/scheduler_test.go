package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfssa/fibernet/fiber"
)

func TestScheduleRunsCallback(t *testing.T) {
	s := New(2, false, "test")
	s.Start()

	var ran atomic.Bool
	done := make(chan struct{})
	s.Schedule(Task{Runnable: func() {
		ran.Store(true)
		close(done)
	}, Affinity: AnyWorker})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	assert.True(t, ran.Load())

	s.Stop()
}

func TestScheduleBatch(t *testing.T) {
	s := New(3, false, "batch")
	s.Start()

	var wg sync.WaitGroup
	var count atomic.Int64
	const n = 50
	wg.Add(n)

	tasks := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, Task{Runnable: func() {
			count.Add(1)
			wg.Done()
		}, Affinity: AnyWorker})
	}
	s.ScheduleBatch(tasks)

	waitWithTimeout(t, &wg, time.Second)
	assert.EqualValues(t, n, count.Load())

	s.Stop()
}

func TestFiberTaskRunsToCompletion(t *testing.T) {
	s := New(2, false, "fiber-task")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func(*fiber.Fiber) error {
		close(done)
		return nil
	})
	s.Schedule(Task{Fiber: f, Affinity: AnyWorker})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber task never ran")
	}

	s.Stop()
}

func TestFiberTaskYieldsToReadyIsReenqueued(t *testing.T) {
	s := New(2, false, "yield")
	s.Start()

	var stages atomic.Int64
	done := make(chan struct{})
	f := fiber.New(func(*fiber.Fiber) error {
		stages.Add(1)
		fiber.YieldToReady()
		stages.Add(1)
		close(done)
		return nil
	})
	s.Schedule(Task{Fiber: f, Affinity: AnyWorker})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never completed both stages")
	}
	assert.EqualValues(t, 2, stages.Load())

	s.Stop()
}

func TestAffinityPinsToWorker(t *testing.T) {
	s := New(4, false, "affinity")
	s.Start()

	var observed atomic.Int64
	observed.Store(-1)
	done := make(chan struct{})
	s.Schedule(Task{Runnable: func() {
		w, ok := CurrentWorker()
		require.True(t, ok)
		observed.Store(int64(w))
		close(done)
	}, Affinity: 2})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pinned task never ran")
	}
	assert.EqualValues(t, 2, observed.Load())

	s.Stop()
}

func TestCallerModeDrainsOnStop(t *testing.T) {
	s := New(1, true, "caller")

	var ran atomic.Bool
	s.Schedule(Task{Runnable: func() {
		ran.Store(true)
	}, Affinity: AnyWorker})

	// No Start() call needed: with a single, caller-mode worker there is
	// no spawned goroutine — Stop alone drives the scheduler fiber to
	// drain the queue, matching the original's single-threaded
	// use_caller pattern where stop() performs the final pump.
	s.Stop()

	assert.True(t, ran.Load())
}

func TestSwitchToMigratesAffinity(t *testing.T) {
	s := New(3, false, "switch")
	s.Start()

	var worker0, worker1 atomic.Int64
	worker0.Store(-1)
	worker1.Store(-1)
	done := make(chan struct{})

	f := fiber.New(func(*fiber.Fiber) error {
		if w, ok := CurrentWorker(); ok {
			worker0.Store(int64(w))
		}
		SwitchTo(1)
		if w, ok := CurrentWorker(); ok {
			worker1.Store(int64(w))
		}
		close(done)
		return nil
	})
	s.Schedule(Task{Fiber: f, Affinity: 0})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("switched fiber never completed")
	}
	assert.EqualValues(t, 0, worker0.Load())
	assert.EqualValues(t, 1, worker1.Load())

	s.Stop()
}

// TestTwoFibersOneYieldOrdering exercises the literal end-to-end
// scenario of a fiber that prints, yields to suspended, is resumed
// explicitly from an external timer, then prints again, interleaved
// with a second fiber that runs to completion in between.
//
// The scenario as specified uses a single caller-mode worker, whose
// dispatch loop only ever pumps from inside Stop — there is no public
// way to resume it partway through and then let an independent timer
// goroutine feed it a task mid-drain without racing Stop's own flag
// flip. A continuously running worker-mode scheduler exercises the
// exact same ordering guarantee (yield suspends without blocking
// anything else; an external resume re-enqueues and the suspended
// fiber's remainder eventually runs) without that race.
func TestTwoFibersOneYieldOrdering(t *testing.T) {
	s := New(1, false, "two-fiber")
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	done := make(chan struct{})
	a := fiber.New(func(*fiber.Fiber) error {
		record("A1")
		fiber.YieldToSuspended()
		record("A2")
		close(done)
		return nil
	})
	s.Schedule(Task{Fiber: a, Affinity: AnyWorker})

	bDone := make(chan struct{})
	s.Schedule(Task{Runnable: func() {
		record("B")
		close(bDone)
	}, Affinity: AnyWorker})

	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Fatal("B never ran")
	}

	time.AfterFunc(10*time.Millisecond, func() {
		s.Schedule(Task{Fiber: a, Affinity: AnyWorker})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("A never resumed to completion")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A1", "B", "A2"}, order)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for WaitGroup")
	}
}
