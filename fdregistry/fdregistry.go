// Package fdregistry is the process-wide cache of per-descriptor metadata
// that syscallshim consults to decide whether a given fd should be treated
// as a non-blocking socket wait or delegated straight to the OS.
//
// It is the Go rendition of the original FdManager/FdCtx pair (fd_manager.h,
// fd_manager.cpp): a reader-writer-locked, geometrically-resized slice
// indexed directly by descriptor number, the same direct-indexing idiom
// the eventloop teacher uses for its poller's fdInfo array (poller_linux.go).
package fdregistry

import "sync"

// SockOptDirection selects which of a descriptor's two timeouts a call
// addresses, mirroring SO_RCVTIMEO/SO_SNDTIMEO.
type SockOptDirection int

const (
	// Recv addresses the receive-direction timeout.
	Recv SockOptDirection = iota
	// Send addresses the send-direction timeout.
	Send
)

// FdCtx holds the metadata syscallshim needs about one file descriptor.
type FdCtx struct {
	mu sync.Mutex

	fd           int
	isInit       bool
	isSocket     bool
	sysNonblock  bool
	userNonblock bool
	closed       bool
	recvTimeout  int64 // milliseconds; -1 means infinite
	sendTimeout  int64
}

func newFdCtx(fd int) *FdCtx {
	return &FdCtx{
		fd:          fd,
		recvTimeout: -1,
		sendTimeout: -1,
	}
}

// FD returns the descriptor number this context describes.
func (c *FdCtx) FD() int { return c.fd }

// IsInit reports whether the context has completed its lazy init, which
// SetSocket does.
func (c *FdCtx) IsInit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInit
}

// IsSocket reports whether the descriptor is a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SetSocket marks the descriptor as a socket (or not) and completes init.
func (c *FdCtx) SetSocket(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSocket = v
	c.isInit = true
	if v {
		// Sockets created through this runtime are always kept
		// system-non-blocking; the user-visible flag is tracked
		// separately so fcntl(F_GETFL) can lie convincingly.
		c.sysNonblock = true
	}
}

// IsClosed reports whether Close has been recorded for this descriptor.
func (c *FdCtx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetClosed records that the descriptor has been closed.
func (c *FdCtx) SetClosed(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = v
}

// UserNonblock reports the non-blocking flag as the user last set it via
// fcntl/ioctl, independent of the system-level flag the shim maintains.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the user-visible non-blocking flag.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// SysNonblock reports whether the shim has put the descriptor into
// kernel-level non-blocking mode.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetSysNonblock records the kernel-level non-blocking flag.
func (c *FdCtx) SetSysNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sysNonblock = v
}

// Timeout returns the configured timeout, in milliseconds, for the given
// direction. -1 means infinite (the default).
func (c *FdCtx) Timeout(dir SockOptDirection) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Recv {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// SetTimeout sets the configured timeout, in milliseconds, for the given
// direction.
func (c *FdCtx) SetTimeout(dir SockOptDirection, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Recv {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
}

// Registry is the process-wide descriptor metadata cache. The zero value
// is not usable; construct with New.
type Registry struct {
	mu   sync.RWMutex
	data []*FdCtx
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// process-wide singleton, matching the original FdMgr (Singleton<FdManager>).
// Initialized lazily on first use, as the spec's ownership rules require.
var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide singleton registry, creating it on
// first call.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
	})
	return defaultReg
}

// Get returns the context for fd, creating it if autoCreate is true and
// none exists yet. Returns nil if autoCreate is false and no context
// exists.
func (r *Registry) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	r.mu.RLock()
	if fd < len(r.data) && r.data[fd] != nil {
		ctx := r.data[fd]
		r.mu.RUnlock()
		return ctx
	}
	r.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if fd < len(r.data) && r.data[fd] != nil {
		return r.data[fd]
	}

	if fd >= len(r.data) {
		// Geometric growth, same factor (1.5x, floored at fd+1) as the
		// original FdManager's resize-to-fd*1.5 call in contextResize.
		newSize := int(float64(fd+1) * 1.5)
		grown := make([]*FdCtx, newSize)
		copy(grown, r.data)
		r.data = grown
	}

	ctx := newFdCtx(fd)
	r.data[fd] = ctx
	return ctx
}

// Del removes the context for fd, if any.
func (r *Registry) Del(fd int) {
	if fd < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.data) {
		r.data[fd] = nil
	}
}
