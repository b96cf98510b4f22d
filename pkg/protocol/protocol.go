// Package protocol defines the JSON frames exchanged on /ws between a
// window and the server.
package protocol

import "time"

type MessageType string

// Client to server.
const (
	TypeSpawn         MessageType = "spawn"
	TypeReconnect     MessageType = "reconnect"
	TypeDetach        MessageType = "detach"
	TypeCommand       MessageType = "command"
	TypeResize        MessageType = "resize"
	TypeCloseTerminal MessageType = "close-terminal"
	TypeListSessions  MessageType = "list-sessions"
	TypePing          MessageType = "ping"
)

// Server to client.
const (
	TypeTerminalSpawned     MessageType = "terminal-spawned"
	TypeTerminalOutput      MessageType = "terminal-output"
	TypeTerminalReconnected MessageType = "terminal-reconnected"
	TypeReconnectFailed     MessageType = "reconnect-failed"
	TypeSpawnFailed         MessageType = "spawn-failed"
	TypeTerminalClosed      MessageType = "terminal-closed"
	TypeSessions            MessageType = "sessions"
	TypeError               MessageType = "error"
	TypePong                MessageType = "pong"
)

// Error codes carried in Message.Code.
const (
	CodeNotFound    = "not_found"
	CodeNotOwner    = "not_owner"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeCooldown    = "cooldown"
	CodeInternal    = "internal"
)

// SpawnConfig describes the terminal a spawn should start.
type SpawnConfig struct {
	TerminalType string `json:"terminalType"`
	Name         string `json:"name,omitempty"`
	WorkingDir   string `json:"workingDir,omitempty"`
	Command      string `json:"command,omitempty"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

// SessionInfo is one live session as reported by list-sessions and
// GET /api/sessions.
type SessionInfo struct {
	TerminalID   string    `json:"terminalId"`
	SessionName  string    `json:"sessionName"`
	TerminalType string    `json:"terminalType,omitempty"`
	WorkingDir   string    `json:"workingDir,omitempty"`
	AgentID      string    `json:"agentId,omitempty"`
	Attached     bool      `json:"attached"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Message is the single envelope for every frame in both directions.
type Message struct {
	Type        MessageType   `json:"type"`
	RequestID   string        `json:"requestId,omitempty"`
	TerminalID  string        `json:"terminalId,omitempty"`
	SessionName string        `json:"sessionName,omitempty"`
	AgentID     string        `json:"agentId,omitempty"`
	Config      *SpawnConfig  `json:"config,omitempty"`
	Data        string        `json:"data,omitempty"`
	Cols        int           `json:"cols,omitempty"`
	Rows        int           `json:"rows,omitempty"`
	Error       string        `json:"error,omitempty"`
	Code        string        `json:"code,omitempty"`
	Sessions    []SessionInfo `json:"sessions,omitempty"`
}
