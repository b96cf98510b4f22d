// Package crosswindow keeps the terminal stores of sibling windows in step.
// After a local commit a window publishes its full snapshot tagged with its
// origin; receivers apply it as a full replace and ignore their own echoes.
package crosswindow

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is one published payload. Origin identifies the publishing
// window.
type Message struct {
	Topic   string
	Origin  string
	Payload json.RawMessage
}

// Bus is a topic pub/sub channel shared by sibling windows.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers fn for topic and returns a function that removes
	// it.
	Subscribe(topic string, fn func(Message)) (unsubscribe func())
}

// LocalBus delivers messages synchronously to subscribers in the same
// process, on the publishing goroutine.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]func(Message)
	nextID int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]func(Message))}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	handlers := make([]func(Message), 0, len(b.subs[msg.Topic]))
	for _, fn := range b.subs[msg.Topic] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Message))
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}
