package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ricochet1k/termtabs/internal/registry"
	apiTypes "github.com/ricochet1k/termtabs/pkg/api"
)

// sseKeepalive is how often an idle lifecycle stream gets a comment line,
// which keeps proxies from timing it out.
var sseKeepalive = 15 * time.Second

// sseSessionEvents streams registry lifecycle events. ?terminal=<id>
// narrows the stream to one terminal. The subscription exists before the
// 200 is flushed, so a client that saw the headers misses nothing.
func (h *Handler) sseSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}
	only := r.URL.Query().Get("terminal")

	events, cancel := h.registry.Events().Subscribe(0)
	defer cancel()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			if only != "" && ev.TerminalID != only {
				continue
			}
			if err := writeSessionEvent(w, ev); err != nil {
				h.logger.Debug("sse write", "error", err)
				return
			}
		}
		flusher.Flush()
	}
}

func writeSessionEvent(w io.Writer, ev registry.Event) error {
	payload, err := json.Marshal(apiTypes.SessionEvent{
		Type:        string(ev.Type),
		TerminalID:  ev.TerminalID,
		SessionName: ev.SessionName,
		Owner:       ev.Owner,
		Timestamp:   ev.At,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
