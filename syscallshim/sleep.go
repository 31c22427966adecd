package syscallshim

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/fiber"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/ioreactor"
	"github.com/sfssa/fibernet/scheduler"
)

// sleepFor is Pattern S: arm a one-shot timer that reschedules the
// calling fiber, then yield to suspended — grounded on the original's
// sleep/usleep/nanosleep wrappers, each of which differs only in how
// the requested duration is computed before sharing this exact body.
func sleepFor(d time.Duration) {
	if d <= 0 {
		return
	}

	if !IsEnabled() {
		time.Sleep(d)
		return
	}

	f, ok := fiber.Current()
	assertx.True(ok, "syscallshim: Sleep called from a goroutine with no current fiber")
	r, ok := ioreactor.Current()
	assertx.True(ok, "syscallshim: Sleep called from a goroutine with no current reactor")

	r.Wheel.Add(d, func() {
		r.Schedule(scheduler.Task{Fiber: f, Affinity: scheduler.AnyWorker})
	}, false)

	fiber.YieldToSuspended()
}

// Sleep suspends the calling fiber for the given whole number of
// seconds.
func Sleep(seconds uint) error {
	sleepFor(time.Duration(seconds) * time.Second)
	return nil
}

// Usleep suspends the calling fiber for the given number of
// microseconds.
func Usleep(usec uint) error {
	sleepFor(time.Duration(usec) * time.Microsecond)
	return nil
}

// Nanosleep suspends the calling fiber for the duration described by
// req. rem is accepted for signature parity with the libc call but is
// always zeroed: a suspended fiber cannot be interrupted by a signal
// the way an OS thread can.
func Nanosleep(req *unix.Timespec, rem *unix.Timespec) error {
	assertx.True(req != nil, "syscallshim: Nanosleep called with a nil request")
	d := time.Duration(req.Sec)*time.Second + time.Duration(req.Nsec)
	sleepFor(d)
	if rem != nil {
		*rem = unix.Timespec{}
	}
	return nil
}
