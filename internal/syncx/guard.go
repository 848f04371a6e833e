// Package syncx provides the small synchronization primitives the session engine
// builds its state machine from.
package syncx

import "sync"

// Guard holds a value behind an RWMutex and only exposes it through scoped
// callbacks, so check-then-set sequences stay atomic.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Load returns a copy of the value.
func (g *Guard[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// View runs fn under the read lock.
func (g *Guard[T]) View(fn func(T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.value)
}

// Update runs fn under the write lock. A non-nil error from fn is returned as is;
// fn is responsible for leaving the value consistent.
func (g *Guard[T]) Update(fn func(*T) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}

// Swap replaces the value and returns the previous one.
func (g *Guard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}
