package syscallshim

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/fdregistry"
	"github.com/sfssa/fibernet/internal/assertx"
	"github.com/sfssa/fibernet/ioreactor"
)

// Connect is Pattern C, grounded on the original's connect_with_timeout:
// issue the real connect(2); if it completes or fails outright, return
// immediately; if it reports EINPROGRESS, suspend the calling fiber on
// write-readiness (bounded by timeout, or DefaultConnectTimeout() if
// timeout is negative) and then read back SO_ERROR to learn the
// outcome. A negative timeout while the configured default is also
// negative (-1) waits indefinitely, same as setting SO_SNDTIMEO to -1.
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !IsEnabled() {
		return unix.Connect(fd, sa)
	}

	ctx := fdregistry.Default().Get(fd, false)
	if ctx == nil {
		return unix.Connect(fd, sa)
	}
	if ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	if timeout < 0 {
		timeout = DefaultConnectTimeout()
	}

	r, ok := ioreactor.Current()
	assertx.True(ok, "syscallshim: Connect called from a goroutine with no current reactor")

	if waitErr := r.WaitEvent(fd, ioreactor.EventWrite, timeout); waitErr != nil {
		return waitErr
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}
