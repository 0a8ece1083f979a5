// Package signal implements typed listener lists for backend and
// output events.
package signal

// Listener is returned when registering a callback. Destroy removes it.
type Listener struct {
	remove func()
}

// Destroy removes the callback from its signal. It is safe to call more
// than once, and from within the callback itself.
func (l *Listener) Destroy() {
	if l == nil || l.remove == nil {
		return
	}
	l.remove()
	l.remove = nil
}

type slot[T any] struct {
	fn      func(T)
	removed bool
}

// Signal is a list of callbacks receiving a value of type T. The zero
// value is ready to use. Signals are not safe for concurrent use.
type Signal[T any] struct {
	slots []*slot[T]
}

// Add registers fn. Callbacks run in registration order.
func (s *Signal[T]) Add(fn func(T)) *Listener {
	sl := &slot[T]{fn: fn}
	s.slots = append(s.slots, sl)
	return &Listener{remove: func() {
		sl.removed = true
		for i, other := range s.slots {
			if other == sl {
				s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
				break
			}
		}
	}}
}

// Emit calls every callback registered before the call. A callback
// removed by an earlier one during the same emission is not called.
func (s *Signal[T]) Emit(v T) {
	snapshot := make([]*slot[T], len(s.slots))
	copy(snapshot, s.slots)
	for _, sl := range snapshot {
		if !sl.removed {
			sl.fn(v)
		}
	}
}

// Len returns the number of registered callbacks.
func (s *Signal[T]) Len() int {
	return len(s.slots)
}

// RemoveAll drops every callback.
func (s *Signal[T]) RemoveAll() {
	for _, sl := range s.slots {
		sl.removed = true
	}
	s.slots = nil
}
