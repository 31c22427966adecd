package syscallshim

import (
	"golang.org/x/sys/unix"

	"github.com/sfssa/fibernet/fdregistry"
	"github.com/sfssa/fibernet/ioreactor"
)

// Accept is Pattern I over accept(2). A successful accept registers a
// descriptor context for the new connection, grounded on the
// original's accept() wrapper (FdMgr::GetInstance()->get(fd, true)).
func Accept(fd int) (int, unix.Sockaddr, error) {
	var peer unix.Sockaddr
	nfd, err := doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		n, addr, e := unix.Accept(fd)
		peer = addr
		return n, e
	})
	if err == nil && IsEnabled() {
		markSocket(nfd)
	}
	return nfd, peer, err
}

// Read is Pattern I over read(2).
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv is Pattern I over readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv is Pattern I over recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// RecvFrom is Pattern I over recvfrom(2).
func RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		nn, addr, e := unix.Recvfrom(fd, p, flags)
		from = addr
		return nn, e
	})
	return n, from, err
}

// RecvMsg is Pattern I over recvmsg(2).
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, ioreactor.EventRead, fdregistry.Recv, func() (int, error) {
		rn, roobn, rflags, raddr, e := unix.Recvmsg(fd, p, oob, flags)
		oobn, recvflags, from = roobn, rflags, raddr
		return rn, e
	})
	return
}

// Write is Pattern I over write(2).
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, ioreactor.EventWrite, fdregistry.Send, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev is Pattern I over writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, ioreactor.EventWrite, fdregistry.Send, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send is Pattern I over send(2), rendered as Sendto with a nil
// destination since x/sys/unix has no standalone Send.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, ioreactor.EventWrite, fdregistry.Send, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendTo is Pattern I over sendto(2).
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, ioreactor.EventWrite, fdregistry.Send, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendMsg is Pattern I over sendmsg(2).
func SendMsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, ioreactor.EventWrite, fdregistry.Send, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Fcntl intercepts F_SETFL/F_GETFL on tracked sockets so the
// kernel-level non-blocking flag this package forces stays hidden from
// the caller, who sees only the user-requested flag — grounded on the
// original's fcntl() wrapper. Every other command passes straight
// through.
func Fcntl(fd, cmd, arg int) (int, error) {
	if !IsEnabled() {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	ctx := fdregistry.Default().Get(fd, false)
	switch cmd {
	case unix.F_SETFL:
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)

	case unix.F_GETFL:
		got, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil || ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return got, err
		}
		if ctx.UserNonblock() {
			return got | unix.O_NONBLOCK, nil
		}
		return got &^ unix.O_NONBLOCK, nil

	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// SetNonblock records the user-requested non-blocking flag for a
// tracked socket without actually changing its kernel-level mode
// (sockets created through Socket are always kept system-non-blocking
// so doIO can always suspend on EAGAIN) — grounded on the original's
// ioctl(FIONBIO) handling.
func SetNonblock(fd int, nonblocking bool) error {
	if !IsEnabled() {
		return unix.SetNonblock(fd, nonblocking)
	}
	ctx := fdregistry.Default().Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return unix.SetNonblock(fd, nonblocking)
	}
	ctx.SetUserNonblock(nonblocking)
	return nil
}

// GetNonblock reports the user-visible non-blocking flag: the tracked
// value for a shim socket, or the real F_GETFL flag otherwise.
func GetNonblock(fd int) (bool, error) {
	if ctx := fdregistry.Default().Get(fd, false); ctx != nil && ctx.IsSocket() && !ctx.IsClosed() {
		return ctx.UserNonblock(), nil
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// SetsockoptTimeval intercepts SO_RCVTIMEO/SO_SNDTIMEO on tracked
// sockets, recording the timeout for doIO to honor, in addition to
// (not instead of) passing it to the real setsockopt(2) — grounded on
// the original's setsockopt() wrapper.
func SetsockoptTimeval(fd, level, optname int, tv *unix.Timeval) error {
	if IsEnabled() && level == unix.SOL_SOCKET && (optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO) {
		if ctx := fdregistry.Default().Get(fd, false); ctx != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			dir := fdregistry.Send
			if optname == unix.SO_RCVTIMEO {
				dir = fdregistry.Recv
			}
			ctx.SetTimeout(dir, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, optname, tv)
}

// GetsockoptTimeval passes straight through to the real getsockopt(2),
// matching the original's getsockopt() wrapper (no interception on the
// read path).
func GetsockoptTimeval(fd, level, optname int) (*unix.Timeval, error) {
	return unix.GetsockoptTimeval(fd, level, optname)
}
