package scheduler

import "github.com/sfssa/fibernet/fiber"

// AnyWorker means a Task carries no thread affinity: any idle worker may
// run it. Workers are identified 0..N-1; in caller mode, worker 0 is the
// goroutine that constructed the Scheduler.
const AnyWorker = -1

// Task is one unit of work submitted to a Scheduler: either a bare
// callback (Runnable) or a suspended Fiber to resume. Exactly one of
// the two is set.
type Task struct {
	Runnable func()
	Fiber    *fiber.Fiber
	Affinity int
}

func (t Task) empty() bool {
	return t.Runnable == nil && t.Fiber == nil
}
