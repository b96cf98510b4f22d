package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventSpawned      EventType = "spawned"
	EventReconnected  EventType = "reconnected"
	EventDetached     EventType = "detached"
	EventClosed       EventType = "closed"
	EventOwnerChanged EventType = "owner-changed"
	EventAdopted      EventType = "adopted"
)

// Event is a session lifecycle notification.
type Event struct {
	Type        EventType `json:"type"`
	TerminalID  string    `json:"terminalId"`
	SessionName string    `json:"sessionName"`
	Owner       string    `json:"owner,omitempty"`
	At          time.Time `json:"at"`
}

// Events fans lifecycle events out to subscribers. Slow subscribers miss
// events rather than blocking the registry.
type Events struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	closed bool
	seq    int64
}

func NewEvents() *Events {
	return &Events{subs: make(map[int64]chan Event)}
}

func (b *Events) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := atomic.AddInt64(&b.seq, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

func (b *Events) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (b *Events) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
