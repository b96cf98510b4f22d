// Package realtime holds the wire envelopes of the cross-window relay at
// /api/realtime. Payloads are opaque to the relay.
package realtime

import "encoding/json"

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePublish     ClientMessageType = "publish"
	ClientMessageTypePing        ClientMessageType = "ping"
)

type ServerMessageType string

const (
	// ServerMessageTypeSnapshot carries the last payload retained on a topic,
	// sent once on subscribe.
	ServerMessageTypeSnapshot ServerMessageType = "snapshot"
	ServerMessageTypeEvent    ServerMessageType = "event"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypePong     ServerMessageType = "pong"
)

type ClientEnvelope struct {
	Type    ClientMessageType `json:"type"`
	Topics  []string          `json:"topics,omitempty"`
	Topic   string            `json:"topic,omitempty"`
	Origin  string            `json:"origin,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Origin  string            `json:"origin,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}
