// Package gls provides goroutine-local storage keyed by goroutine id.
//
// Go has no public thread-local-storage API, so the scheduler, the shim,
// and the fiber package all need the same primitive: find out which
// goroutine is calling, and look up a value that was stashed for it.
// This is the same trick the eventloop teacher uses for isLoopThread()
// (parsing "goroutine NNN" out of runtime.Stack), generalized into a
// small keyed store instead of a single id comparison.
package gls

import (
	"runtime"
	"sync"
)

// ID returns the current goroutine's runtime id.
//
// This parses the id out of runtime.Stack, which is the only portable
// way to obtain it without cgo or assembly. It is not cheap enough to
// call on every hot-path instruction, but is cheap enough for the
// suspend/resume and lookup points this runtime actually uses it from.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// Map is a goroutine-id-keyed store, safe for concurrent use.
type Map[T any] struct {
	mu sync.RWMutex
	m  map[uint64]T
}

// NewMap creates an empty goroutine-local map.
func NewMap[T any]() *Map[T] {
	return &Map[T]{m: make(map[uint64]T)}
}

// Get returns the value stashed for the current goroutine, if any.
func (m *Map[T]) Get() (T, bool) {
	return m.GetFor(ID())
}

// GetFor returns the value stashed for the given goroutine id.
func (m *Map[T]) GetFor(id uint64) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[id]
	return v, ok
}

// Set stashes a value for the current goroutine.
func (m *Map[T]) Set(v T) {
	m.SetFor(ID(), v)
}

// SetFor stashes a value for the given goroutine id.
func (m *Map[T]) SetFor(id uint64, v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[id] = v
}

// Clear removes the value stashed for the current goroutine.
func (m *Map[T]) Clear() {
	m.ClearFor(ID())
}

// ClearFor removes the value stashed for the given goroutine id.
func (m *Map[T]) ClearFor(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, id)
}
