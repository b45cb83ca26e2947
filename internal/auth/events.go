package auth

import "sync"

// EventKind identifies a credential lifecycle change.
type EventKind int

const (
	// EventRotated is published after a refresh stored a new token pair.
	EventRotated EventKind = iota + 1
	// EventLoggedOut is published after credentials were cleared.
	EventLoggedOut
)

func (k EventKind) String() string {
	switch k {
	case EventRotated:
		return "rotated"
	case EventLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Event describes a credential change. Err is set on forced logouts.
type Event struct {
	Kind        EventKind
	Credentials Credentials
	Err         error
}

// Bus fans credential events out to in-process listeners.
// Handlers run synchronously on the publisher's goroutine in subscription order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	order    []int
	handlers map[int]func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber. A nil Bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
