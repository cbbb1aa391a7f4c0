package contextsvc

import (
	"errors"
	"fmt"
	"sync"
)

// ErrObserverFault wraps an error or panic raised by an event listener.
var ErrObserverFault = errors.New("observer fault")

// Listener handles one event. A returned error is reported as an ObserverFault.
type Listener[T any] func(T) error

type listenerEntry[T any] struct {
	id int
	fn Listener[T]
}

// Event is an ordered broadcast channel. Listeners run synchronously in
// registration order; each runs inside a fault boundary so that one failing
// listener never prevents delivery to the rest.
type Event[T any] struct {
	name string

	mu        sync.Mutex
	nextID    int
	listeners []listenerEntry[T]
}

// NewEvent returns an event whose faults are labelled with name.
func NewEvent[T any](name string) *Event[T] {
	return &Event[T]{name: name}
}

// AddListener registers fn and returns a function that removes it.
func (e *Event[T]) AddListener(fn Listener[T]) (remove func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listenerEntry[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of registered listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Raise invokes every listener with v and returns the faults they produced.
// Listeners added or removed during Raise take effect on the next Raise.
func (e *Event[T]) Raise(v T) []error {
	e.mu.Lock()
	listeners := make([]listenerEntry[T], len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	var faults []error
	for _, l := range listeners {
		if err := e.invoke(l, v); err != nil {
			faults = append(faults, err)
		}
	}
	return faults
}

func (e *Event[T]) invoke(l listenerEntry[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s listener %d panicked: %v", ErrObserverFault, e.name, l.id, r)
		}
	}()
	if ferr := l.fn(v); ferr != nil {
		return fmt.Errorf("%w: %s listener %d: %w", ErrObserverFault, e.name, l.id, ferr)
	}
	return nil
}
