package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/termtabs/internal/realtime"
	realtimeTypes "github.com/ricochet1k/termtabs/pkg/realtime"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// realtimeWebSocket is the cross-window relay. Windows subscribe to their
// store's sync topic and publish snapshots; payloads are forwarded as-is.
func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(generateID(), conn)
	h.realtimeHub.Register(client)
	defer h.realtimeHub.Unregister(client.ID())
	go client.WriteLoop()
	client.PrepareRead()

	logger := h.logger.With("relay_client", client.ID())
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("relay read", "error", err)
			return
		}
		var env realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			if !h.relayError(client, "invalid message") {
				return
			}
			continue
		}
		if !h.relayDispatch(client, env) {
			return
		}
	}
}

// relayDispatch handles one client envelope. It returns false once the
// client can no longer be written to.
func (h *Handler) relayDispatch(client *realtime.Client, env realtimeTypes.ClientEnvelope) bool {
	switch env.Type {
	case realtimeTypes.ClientMessageTypeSubscribe:
		topics, ok := h.relayTopics(client, env.Topics, true)
		if !ok {
			return false
		}
		if len(topics) == 0 {
			return true
		}
		h.realtimeHub.Subscribe(client.ID(), topics)
		// Replay the last snapshot so a new window starts from current state.
		for _, topic := range topics {
			if retained, found := h.realtimeHub.Retained(topic); found && !client.Queue(retained) {
				return false
			}
		}
		return true

	case realtimeTypes.ClientMessageTypeUnsubscribe:
		topics, _ := h.relayTopics(client, env.Topics, false)
		if len(topics) > 0 {
			h.realtimeHub.Unsubscribe(client.ID(), topics)
		}
		return true

	case realtimeTypes.ClientMessageTypePublish:
		switch {
		case !realtime.IsSupportedTopic(env.Topic):
			return h.relayError(client, "unsupported topic: "+env.Topic)
		case len(env.Payload) == 0:
			return h.relayError(client, "payload is required")
		}
		h.realtimeHub.Publish(env.Topic, env.Origin, env.Payload)
		return true

	case realtimeTypes.ClientMessageTypePing:
		return client.Queue(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong})

	default:
		return h.relayError(client, "unsupported message type")
	}
}

// relayTopics keeps the supported topics. With report set, each rejected
// topic gets an error frame.
func (h *Handler) relayTopics(client *realtime.Client, topics []string, report bool) ([]string, bool) {
	out := topics[:0:0]
	for _, topic := range topics {
		if realtime.IsSupportedTopic(topic) {
			out = append(out, topic)
			continue
		}
		if report && !h.relayError(client, "unsupported topic: "+topic) {
			return nil, false
		}
	}
	return out, true
}

func (h *Handler) relayError(client *realtime.Client, message string) bool {
	return client.Queue(realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeError,
		Message: message,
	})
}
