// Package api holds the REST response bodies served under /api.
package api

import (
	"time"

	"github.com/ricochet1k/termtabs/pkg/protocol"
)

// State-changing requests must echo the CSRF cookie in the header.
const (
	CSRFCookieName = "termtabs-csrf-token"
	CSRFHeaderName = "X-CSRF-Token"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type SessionListResponse struct {
	Sessions []protocol.SessionInfo `json:"sessions"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	RelayClients int       `json:"relayClients"`
	Time         time.Time `json:"time"`
}

// SessionEvent is one lifecycle event on /api/sessions/events.
type SessionEvent struct {
	Type        string    `json:"type"`
	TerminalID  string    `json:"terminalId"`
	SessionName string    `json:"sessionName"`
	Owner       string    `json:"owner,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
