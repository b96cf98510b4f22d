// Package api serves the terminal transport, the cross-window relay and the
// session REST endpoints.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ricochet1k/termtabs/internal/realtime"
	"github.com/ricochet1k/termtabs/internal/registry"
	apiTypes "github.com/ricochet1k/termtabs/pkg/api"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

// Limits bounds what one transport connection may send.
type Limits struct {
	// InputRate is the sustained number of command/resize frames per second.
	InputRate  float64
	InputBurst int
}

func DefaultLimits() Limits {
	return Limits{InputRate: 200, InputBurst: 400}
}

// Handler routes transport, relay and REST requests to the registry.
type Handler struct {
	registry    *registry.Registry
	realtimeHub *realtime.Hub
	limits      Limits
	logger      *slog.Logger
}

func NewHandler(reg *registry.Registry, limits Limits, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.InputRate <= 0 {
		limits = DefaultLimits()
	}
	return &Handler{
		registry:    reg,
		realtimeHub: realtime.NewHub(logger),
		limits:      limits,
		logger:      logger.With("component", "api"),
	}
}

// Mount registers all routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Get("/ws", h.terminalWebSocket)
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Get("/api/sessions/events", h.sseSessionEvents)
	r.Group(func(r chi.Router) {
		r.Use(CSRFMiddleware)
		r.Get("/api/sessions", h.listSessions)
		r.Delete("/api/sessions/{name}", h.deleteSession)
	})
}

// Router returns a chi router with the handler mounted behind the standard
// middleware stack.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Mount(r)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{
		Status:       "ok",
		RelayClients: h.realtimeHub.ClientCount(),
		Time:         time.Now().UTC(),
	})
}

func toSessionInfo(s registry.Session) protocol.SessionInfo {
	return protocol.SessionInfo{
		TerminalID:   s.TerminalID,
		SessionName:  s.SessionName,
		TerminalType: s.TerminalType,
		WorkingDir:   s.WorkingDir,
		AgentID:      s.AgentID,
		Attached:     s.Owner != "",
		CreatedAt:    s.CreatedAt,
	}
}

// errorCode maps registry errors onto transport error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, registry.ErrNotOwner):
		return protocol.CodeNotOwner
	case errors.Is(err, registry.ErrSpawnCooldown):
		return protocol.CodeCooldown
	case errors.Is(err, registry.ErrInvalidRequest), errors.Is(err, registry.ErrAlreadySpawned):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
