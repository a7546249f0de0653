package events

import (
	"sync"
	"time"
)

// Listener receives events. A non-nil error aborts delivery of the event
// and is returned to whoever called Emit.
type Listener func(Event) error

// Emitter is implemented by anything events can be published to.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error { return f(e) }

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Event) error { return nil })

type registration struct {
	id       uint64
	t        Type
	listener Listener
}

// Bus dispatches events synchronously to the listeners registered for the
// event's type or any of its parent types, in registration order.
//
// Listeners are not isolated from each other: the first one that fails
// stops delivery. A listener must not emit an event of the type it is
// handling, or delivery recurses without bound.
type Bus struct {
	mu            sync.RWMutex
	registrations []registration
	nextID        uint64
	now           func() time.Time
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Register adds a listener for events of type t (and its subtypes). The
// returned function removes the registration; calling it more than once is
// harmless.
func (b *Bus) Register(t Type, listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.registrations = append(b.registrations, registration{id: id, t: t, listener: listener})

	return func() { b.unregister(id) }
}

func (b *Bus) unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.registrations {
		if r.id == id {
			b.registrations = append(b.registrations[:i:i], b.registrations[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.registrations)
}

// Emit delivers e to every matching listener. The set of listeners is
// fixed when Emit is called; listeners registered during delivery only see
// later events.
func (b *Bus) Emit(e Event) error {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	matched := make([]Listener, 0, len(b.registrations))
	for _, r := range b.registrations {
		if e.Type.Is(r.t) {
			matched = append(matched, r.listener)
		}
	}
	b.mu.RUnlock()

	for _, listener := range matched {
		if err := listener(e.snapshot()); err != nil {
			return err
		}
	}
	return nil
}

var _ Emitter = (*Bus)(nil)
