// Package realtime is the server side of the cross-window relay: windows
// subscribe to a store's sync topic and every published snapshot is fanned
// out to all of them, the publisher included.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	realtimeTypes "github.com/ricochet1k/termtabs/pkg/realtime"
)

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	retained map[string]realtimeTypes.ServerEnvelope
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		retained: make(map[string]realtimeTypes.ServerEnvelope),
		logger:   logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish retains payload as the topic's latest state and delivers it to
// every subscriber. Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(topic, origin string, payload json.RawMessage) {
	msg := realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeEvent,
		Topic:   topic,
		Origin:  origin,
		Payload: payload,
	}

	h.mu.Lock()
	h.retained[topic] = msg
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.IsSubscribed(topic) {
			continue
		}
		if client.Queue(msg) {
			continue
		}
		h.logger.Warn("dropping slow relay client", "client", client.ID(), "topic", topic)
		h.Unregister(client.ID())
	}
}

// Retained returns the last message published on topic as a snapshot
// envelope.
func (h *Hub) Retained(topic string) (realtimeTypes.ServerEnvelope, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg, ok := h.retained[topic]
	if !ok {
		return realtimeTypes.ServerEnvelope{}, false
	}
	msg.Type = realtimeTypes.ServerMessageTypeSnapshot
	return msg, true
}

func (h *Hub) Subscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Subscribe(topics)
	return true
}

func (h *Hub) Unsubscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Unsubscribe(topics)
	return true
}
