package syscallshim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/fdregistry"
	"github.com/sfssa/fibernet/fiber"
	"github.com/sfssa/fibernet/ioreactor"
	"github.com/sfssa/fibernet/scheduler"
)

func newTestReactor(t *testing.T) *ioreactor.Reactor {
	t.Helper()
	r, err := ioreactor.New(2, false, "shim-test")
	require.NoError(t, err)
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		_ = r.Close()
	})
	return r
}

func runInFiber(r *ioreactor.Reactor, body func() error) <-chan error {
	result := make(chan error, 1)
	f := fiber.New(func(*fiber.Fiber) error {
		Enable()
		result <- body()
		return nil
	})
	r.Schedule(scheduler.Task{Fiber: f, Affinity: scheduler.AnyWorker})
	return result
}

func socketpair(t *testing.T) (a, b int, cleanup func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	markSocket(fds[0])
	markSocket(fds[1])
	return fds[0], fds[1], func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
}

func TestSleepSuspendsCallingFiber(t *testing.T) {
	r := newTestReactor(t)

	start := time.Now()
	result := runInFiber(r, func() error {
		return Usleep(20000)
	})

	select {
	case err := <-result:
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep never returned")
	}
}

func TestReadSuspendsUntilDataArrives(t *testing.T) {
	r := newTestReactor(t)
	readFd, writeFd, cleanup := socketpair(t)
	defer cleanup()

	buf := make([]byte, 8)
	var n int
	result := runInFiber(r, func() error {
		var err error
		n, err = Read(readFd, buf)
		return err
	})

	time.Sleep(20 * time.Millisecond)
	_, err := unix.Write(writeFd, []byte("hello"))
	require.NoError(t, err)

	select {
	case err := <-result:
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
	case <-time.After(2 * time.Second):
		t.Fatal("Read never returned")
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	r := newTestReactor(t)
	readFd, _, cleanup := socketpair(t)
	defer cleanup()

	buf := make([]byte, 8)
	result := runInFiber(r, func() error {
		_, err := Read(readFd, buf)
		return err
	})

	time.Sleep(20 * time.Millisecond)
	closeResult := runInFiber(r, func() error {
		return Close(readFd)
	})
	require.NoError(t, <-closeResult)

	select {
	case err := <-result:
		assert.Error(t, err, "Read on a closed, cancelled descriptor should surface an error rather than hang")
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the pending Read")
	}
}

func TestFcntlHidesForcedNonblock(t *testing.T) {
	r := newTestReactor(t)
	readFd, _, cleanup := socketpair(t)
	defer cleanup()

	result := runInFiber(r, func() error {
		if _, err := Fcntl(readFd, unix.F_SETFL, 0); err != nil {
			return err
		}
		flags, err := Fcntl(readFd, unix.F_GETFL, 0)
		if err != nil {
			return err
		}
		assert.Zero(t, flags&unix.O_NONBLOCK, "user-visible flags must not show the forced non-blocking bit")

		realFlags, err := unix.FcntlInt(uintptr(readFd), unix.F_GETFL, 0)
		if err != nil {
			return err
		}
		assert.NotZero(t, realFlags&unix.O_NONBLOCK, "the real descriptor must still be kernel non-blocking underneath")
		return nil
	})

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Fcntl check never completed")
	}
}

func TestSetsockoptTimevalCausesReadTimeout(t *testing.T) {
	r := newTestReactor(t)
	readFd, _, cleanup := socketpair(t)
	defer cleanup()

	result := runInFiber(r, func() error {
		tv := unix.Timeval{Sec: 0, Usec: 20000}
		if err := SetsockoptTimeval(readFd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return err
		}
		ctx := fdregistry.Default().Get(readFd, false)
		require.NotNil(t, ctx)
		assert.Equal(t, int64(20), ctx.Timeout(fdregistry.Recv))

		buf := make([]byte, 8)
		_, err := Read(readFd, buf)
		return err
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, unix.ETIMEDOUT)
	case <-time.After(2 * time.Second):
		t.Fatal("Read never timed out")
	}
}

// TestSleepConcurrencyOrdering exercises the literal end-to-end
// scenario of two fibers sleeping for different durations inside a
// single-worker reactor: total wall time must be bounded by the
// longer sleep (not their sum), and the shorter one's log line must
// land before the longer one's.
func TestSleepConcurrencyOrdering(t *testing.T) {
	r, err := ioreactor.New(1, false, "sleep-concurrency")
	require.NoError(t, err)
	r.Start()
	defer func() {
		r.Stop()
		_ = r.Close()
	}()

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()

	r.Schedule(scheduler.Task{Fiber: fiber.New(func(*fiber.Fiber) error {
		Enable()
		defer wg.Done()
		if err := Usleep(40000); err != nil {
			return err
		}
		record("s2")
		return nil
	}), Affinity: scheduler.AnyWorker})

	r.Schedule(scheduler.Task{Fiber: fiber.New(func(*fiber.Fiber) error {
		Enable()
		defer wg.Done()
		if err := Usleep(60000); err != nil {
			return err
		}
		record("s3")
		return nil
	}), Affinity: scheduler.AnyWorker})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("both sleepers never finished")
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"s2", "s3"}, order)
}

// TestConnectTimeoutBounded exercises the literal end-to-end scenario
// of a connect that never gets a response: the call must surface the
// timed-out error within the configured bound, and the descriptor must
// remain open (the caller, not Connect, is responsible for closing it).
//
// The target is a loopback listener whose accept backlog has already
// been filled by another connection that is deliberately never
// accepted, so the kernel silently drops the test's own SYN instead of
// ever completing or refusing it — this runtime's own configured
// timeout is what fires, not anything network-dependent.
func TestConnectTimeoutBounded(t *testing.T) {
	r := newTestReactor(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(lfd)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 0))
	addr, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := addr.(*unix.SockaddrInet4).Port

	fillerFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fillerFd)
	require.NoError(t, unix.Connect(fillerFd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	result := runInFiber(r, func() error {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return err
		}
		defer Close(fd)
		return Connect(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}, timeout)
	})

	select {
	case err := <-result:
		elapsed := time.Since(start)
		assert.ErrorIs(t, err, unix.ETIMEDOUT)
		assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never timed out")
	}
}

func TestSocketAndConnectRoundTrip(t *testing.T) {
	r := newTestReactor(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(lfd)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 1))
	addr, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := addr.(*unix.SockaddrInet4).Port

	accepted := make(chan error, 1)
	go func() {
		_, _, err := unix.Accept(lfd)
		accepted <- err
	}()

	result := runInFiber(r, func() error {
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return err
		}
		defer Close(fd)
		return Connect(fd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}, time.Second)
	})

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}
	require.NoError(t, <-accepted)
}
