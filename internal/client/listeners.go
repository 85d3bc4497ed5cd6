package client

import "sync"

// Listeners is a registry of callbacks of type T. Each walks a snapshot in
// reverse registration order, so a callback may remove itself (or others)
// while being notified.
type Listeners[T any] struct {
	mu      sync.Mutex
	entries []*listener[T]
}

type listener[T any] struct {
	fn T
}

// Add registers fn and returns the function that removes it. Removing twice
// is harmless.
func (l *Listeners[T]) Add(fn T) (remove func()) {
	e := &listener[T]{fn: fn}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, cur := range l.entries {
			if cur == e {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// Each calls visit for every listener, newest first.
func (l *Listeners[T]) Each(visit func(T)) {
	l.mu.Lock()
	snapshot := make([]*listener[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		visit(snapshot[i].fn)
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
