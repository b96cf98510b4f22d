package window

import (
	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

// handle applies one server frame. It runs on the reader goroutine, so
// frames are applied one at a time in arrival order.
func (w *Window) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeTerminalOutput:
		w.mu.Lock()
		fn := w.onOutput
		w.mu.Unlock()
		if fn != nil {
			fn(msg.TerminalID, []byte(msg.Data))
		}

	case protocol.TypeTerminalSpawned:
		w.spawned(msg)

	case protocol.TypeSpawnFailed:
		w.spawnSettled(msg.TerminalID)
		if _, ok := w.store.Get(msg.TerminalID); !ok {
			w.logger.Debug("spawn failure for unknown terminal", "terminal", msg.TerminalID)
			return
		}
		if _, err := w.store.Transition(msg.TerminalID, domain.StatusError, domain.TransitionOpts{Reason: msg.Error}); err != nil {
			w.logger.Warn("record spawn failure", "terminal", msg.TerminalID, "error", err)
		}

	case protocol.TypeTerminalReconnected:
		w.claimed(msg)

	case protocol.TypeReconnectFailed:
		w.reconnectFailed(msg)

	case protocol.TypeTerminalClosed:
		if w.store.Remove(msg.TerminalID) {
			w.logger.Info("terminal closed", "terminal", msg.TerminalID, "session", msg.SessionName)
		}

	case protocol.TypeSessions:
		w.mu.Lock()
		ch, ok := w.pending[msg.RequestID]
		w.mu.Unlock()
		if ok {
			select {
			case ch <- msg.Sessions:
			default:
			}
		}

	case protocol.TypeError:
		w.logger.Warn("server error", "terminal", msg.TerminalID, "code", msg.Code, "error", msg.Error)

	case protocol.TypePong:

	default:
		w.logger.Debug("unknown frame", "type", msg.Type)
	}
}

// spawned confirms a pending spawn. A confirmation for a terminal closed
// in the meantime must not bring it back; its session is killed instead.
func (w *Window) spawned(msg protocol.Message) {
	w.spawnSettled(msg.TerminalID)
	term, ok := w.store.Get(msg.TerminalID)
	if !ok || term.Status != domain.StatusSpawning {
		w.logger.Debug("late spawn confirmation ignored", "terminal", msg.TerminalID, "session", msg.SessionName)
		if !ok && w.recentlyReleased(msg.TerminalID) {
			_ = w.send(protocol.Message{Type: protocol.TypeCloseTerminal, TerminalID: msg.TerminalID, SessionName: msg.SessionName})
		}
		return
	}
	_, err := w.store.Transition(msg.TerminalID, domain.StatusActive, domain.TransitionOpts{
		WindowID:    w.cfg.ID,
		AgentID:     msg.AgentID,
		SessionName: msg.SessionName,
	})
	if err != nil {
		w.logger.Warn("confirm spawn", "terminal", msg.TerminalID, "error", err)
		return
	}
	w.logger.Info("terminal spawned", "terminal", msg.TerminalID, "session", msg.SessionName)
}

func (w *Window) claimed(msg protocol.Message) {
	if _, ok := w.store.Get(msg.TerminalID); !ok {
		w.logger.Debug("reconnect confirmation for unknown terminal", "terminal", msg.TerminalID)
		return
	}
	_, err := w.store.Transition(msg.TerminalID, domain.StatusActive, domain.TransitionOpts{
		WindowID:    w.cfg.ID,
		AgentID:     msg.AgentID,
		SessionName: msg.SessionName,
	})
	if err != nil {
		w.logger.Warn("confirm reconnect", "terminal", msg.TerminalID, "error", err)
	}
}

// reconnectFailed drops a terminal whose session is gone. Right after a
// local detach or close the report is a race with teardown and is ignored.
func (w *Window) reconnectFailed(msg protocol.Message) {
	if w.recentlyReleased(msg.TerminalID) {
		w.logger.Debug("reconnect not found after release", "terminal", msg.TerminalID)
		return
	}
	if msg.Code != protocol.CodeNotFound {
		w.logger.Warn("reconnect failed", "terminal", msg.TerminalID, "code", msg.Code, "error", msg.Error)
		return
	}
	if w.store.Remove(msg.TerminalID) {
		w.logger.Info("session gone, terminal removed", "terminal", msg.TerminalID, "session", msg.SessionName)
	}
}
