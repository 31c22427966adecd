// Package syscallshim replaces blocking descriptor syscalls with
// fiber-aware equivalents, grounded function-for-function on the
// original hook.cpp. Go cannot dlsym(RTLD_NEXT, ...)-intercept libc the
// way the original does, so each entry point here is an explicit
// wrapper application code calls directly from inside a fiber instead
// of calling the raw golang.org/x/sys/unix function — same contract
// (same error semantics, same blocking-vs-suspending behavior under
// the hood), different indirection.
package syscallshim

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/config"
	"github.com/sfssa/fibernet/fdregistry"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/internal/gls"
	"github.com/sfssa/fibernet/ioreactor"
)

var enabled = gls.NewMap[bool]()

// Enable turns on shim interception for the calling goroutine: its
// Read/Write/Connect/Sleep/etc. calls through this package suspend on
// EAGAIN instead of blocking the OS thread. Each fiber runs on its own
// goroutine, so a fiber calls Enable itself. Mirrors the original's
// thread-local t_hook_enable / set_hook_enable.
func Enable() { enabled.Set(true) }

// Disable turns shim interception back off for the calling goroutine;
// calls fall straight through to the underlying syscall.
func Disable() { enabled.Set(false) }

// IsEnabled reports whether shim interception is active for the
// calling goroutine.
func IsEnabled() bool {
	v, ok := enabled.Get()
	return ok && v
}

// defaultConnectTimeoutMs mirrors the original's s_connect_timeout: a
// process-wide default Connect honors when the caller doesn't pick an
// explicit one, kept live via WireConfig the same way the original's
// _HookIniter subscribes g_tcp_connect_timeout.
var defaultConnectTimeoutMs int64 = config.DefaultConnectTimeout

// WireConfig subscribes the package-level connect timeout default to
// cfg's live tcp.connect.timeout value, grounded on the original's
// _HookIniter installing a listener on g_tcp_connect_timeout.
func WireConfig(cfg *config.Config) {
	defaultConnectTimeoutMs = cfg.ConnectTimeout.Value()
	cfg.ConnectTimeout.AddListener(func(_, newMs int64) {
		defaultConnectTimeoutMs = newMs
	})
}

// DefaultConnectTimeout returns the currently configured default
// connect timeout.
func DefaultConnectTimeout() time.Duration {
	ms := defaultConnectTimeoutMs
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// doIO is the shared retry loop behind every Pattern I entry point,
// grounded on the original's do_io template: passthrough when
// interception is off, when the fd isn't a tracked socket, or when the
// user has requested non-blocking semantics explicitly; otherwise
// retry through EINTR, and on EAGAIN suspend the calling fiber on ev
// until the reactor says the descriptor is ready again (or the
// configured timeout for dir elapses).
func doIO(fd int, ev ioreactor.Events, dir fdregistry.SockOptDirection, op func() (int, error)) (int, error) {
	if !IsEnabled() {
		return op()
	}

	ctx := fdregistry.Default().Get(fd, false)
	if ctx == nil {
		return op()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}

	reactor, ok := ioreactor.Current()
	assertx.True(ok, "syscallshim: doIO called from a goroutine with no current reactor")

	timeout := timeoutFor(ctx, dir)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}
		// A zero timeout means "at most one non-blocking attempt": surface
		// the would-block result directly rather than registering with the
		// reactor at all.
		if timeout == 0 {
			return n, err
		}
		if waitErr := reactor.WaitEvent(fd, ev, timeout); waitErr != nil {
			return -1, waitErr
		}
	}
}

func timeoutFor(ctx *fdregistry.FdCtx, dir fdregistry.SockOptDirection) time.Duration {
	ms := ctx.Timeout(dir)
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// Socket creates a socket the way the original's socket() wrapper
// does: the raw syscall, then (when interception is enabled) a
// descriptor context so later calls on it go through doIO.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if IsEnabled() {
		markSocket(fd)
	}
	return fd, nil
}

// markSocket registers fd's descriptor context and forces it into
// kernel-level non-blocking mode if it wasn't already, mirroring the
// original FdCtx::init()'s "if isSocket and not O_NONBLOCK, set it" —
// every socket this runtime hands back to application code is always
// really non-blocking underneath, regardless of what the caller later
// asks for via SetNonblock/Fcntl(F_SETFL).
func markSocket(fd int) {
	fdregistry.Default().Get(fd, true).SetSocket(true)
	_ = unix.SetNonblock(fd, true)
}

// Close cancels every pending reactor registration on fd and forgets
// its descriptor context before closing it, grounded on the original's
// close() wrapper (cancelAll + FdMgr::del, then the real close). The
// registrations are cancelled only when the caller has a current
// reactor (normally: Close is called from inside a fiber); otherwise
// only the descriptor context is forgotten.
func Close(fd int) error {
	if IsEnabled() {
		if r, ok := ioreactor.Current(); ok {
			_ = r.CancelAll(fd)
		}
		fdregistry.Default().Del(fd)
	}
	return unix.Close(fd)
}
