// Package event provides a typed fan-out of callbacks with per-listener removal.
package event

import "sync"

// Emitter delivers values to registered listeners in registration order.
// Listeners run synchronously on the emitting goroutine. The zero value is
// ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
	closed    bool
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// On registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless. Registering on a closed
// emitter is a no-op.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || fn == nil {
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	return func() { e.remove(id) }
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]func(T), len(e.listeners))
	for i, l := range e.listeners {
		snapshot[i] = l.fn
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Close removes every listener and rejects future registrations.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	e.closed = true
	e.listeners = nil
	e.mu.Unlock()
}
