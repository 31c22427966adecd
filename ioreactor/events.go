package ioreactor

import "golang.org/x/sys/unix"

// Events is the bitmask of I/O readiness conditions ioreactor tracks
// per descriptor, grounded on the teacher's IOEvents (poller_linux.go)
// generalized slightly to match the original iomanager.cpp's
// read/write-only event model (no separate error/hangup interest: a
// hangup or error is folded into both readability and writability, per
// the original's "EPOLLIN | EPOLLHUP implies also watch for EPOLLOUT"
// idle() logic).
type Events uint32

const (
	// EventRead means the descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite means the descriptor is ready for writing.
	EventWrite
)

func eventsToEpoll(ev Events) uint32 {
	var e uint32 = unix.EPOLLET
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(epollEvents uint32) Events {
	// A hangup or error is folded into both read and write readiness so
	// whichever side is waiting gets a chance to observe it via the next
	// syscall's return value, matching the original's "if EPOLLIN|EPOLLHUP
	// then also treat as EPOLLOUT" idle() step.
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLOUT
	}
	var ev Events
	if epollEvents&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	return ev
}
