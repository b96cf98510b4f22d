package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/termtabs/internal/tmux"
	apiTypes "github.com/ricochet1k/termtabs/pkg/api"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions", err.Error())
		return
	}
	resp := apiTypes.SessionListResponse{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionInfo(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// deleteSession kills a session by session name or terminal id.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := tmux.ValidateSessionName(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session name", err.Error())
		return
	}
	if err := h.registry.Close(r.Context(), name, nil); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to close session", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
