package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ricochet1k/termtabs/internal/registry"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

const (
	outboundBufferSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxFrameBytes = 1 << 20
)

var terminalUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminalConn is one window's transport connection. It owns the terminals
// it spawned or reconnected until another connection takes them over.
type terminalConn struct {
	id       string
	windowID string
	conn     *websocket.Conn
	send     chan protocol.Message
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ registry.Owner = (*terminalConn)(nil)

func (c *terminalConn) OwnerID() string { return c.windowID + "/" + c.id }

// SendOutput never blocks the PTY reader: a connection whose queue is full
// is disconnected.
func (c *terminalConn) SendOutput(terminalID string, data []byte) bool {
	return c.queue(protocol.Message{Type: protocol.TypeTerminalOutput, TerminalID: terminalID, Data: string(data)})
}

func (c *terminalConn) SessionClosed(terminalID, sessionName string) {
	c.queue(protocol.Message{Type: protocol.TypeTerminalClosed, TerminalID: terminalID, SessionName: sessionName})
}

func (c *terminalConn) queue(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("transport queue full, disconnecting", "type", msg.Type)
		c.close()
		return false
	}
}

func (c *terminalConn) fail(msg protocol.Message, code string, err error) {
	if msg.Type == "" {
		msg.Type = protocol.TypeError
	}
	msg.Code = code
	msg.Error = err.Error()
	c.queue(msg)
}

func (c *terminalConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *terminalConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) terminalWebSocket(w http.ResponseWriter, r *http.Request) {
	windowID := r.URL.Query().Get("windowId")
	if windowID == "" {
		writeError(w, http.StatusBadRequest, "windowId is required", "")
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &terminalConn{
		id:       generateID()[:8],
		windowID: windowID,
		conn:     conn,
		send:     make(chan protocol.Message, outboundBufferSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.limits.InputRate), h.limits.InputBurst),
	}
	c.logger = h.logger.With("window", windowID, "conn", c.id)
	c.logger.Debug("transport connected")

	ctx, cancel := context.WithCancel(context.Background())
	var spawns sync.WaitGroup
	defer func() {
		cancel()
		spawns.Wait()
		released := h.registry.ReleaseOwner(c)
		c.close()
		c.logger.Debug("transport closed", "released", released)
	}()

	go c.writeLoop()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("transport read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msg.Type == protocol.TypeSpawn {
			spawns.Add(1)
			go func() {
				defer spawns.Done()
				h.handleSpawn(ctx, c, msg)
			}()
			continue
		}
		h.handleTerminalMessage(ctx, c, msg)
	}
}

func (h *Handler) handleSpawn(ctx context.Context, c *terminalConn, msg protocol.Message) {
	reply := protocol.Message{Type: protocol.TypeSpawnFailed, RequestID: msg.RequestID, TerminalID: msg.TerminalID}
	if msg.Config == nil || msg.TerminalID == "" {
		c.fail(reply, protocol.CodeBadRequest, errors.New("terminalId and config are required"))
		return
	}
	_, err := h.registry.Spawn(ctx, registry.SpawnRequest{
		TerminalID:   msg.TerminalID,
		TerminalType: msg.Config.TerminalType,
		WorkingDir:   msg.Config.WorkingDir,
		Command:      msg.Config.Command,
		Cols:         msg.Config.Cols,
		Rows:         msg.Config.Rows,
		Confirm: func(att registry.Attached) {
			c.queue(protocol.Message{
				Type:        protocol.TypeTerminalSpawned,
				RequestID:   msg.RequestID,
				TerminalID:  att.TerminalID,
				SessionName: att.SessionName,
				AgentID:     att.AgentID,
			})
		},
	}, c)
	if err != nil {
		c.logger.Warn("spawn failed", "terminal", msg.TerminalID, "type", msg.Config.TerminalType, "error", err)
		c.fail(reply, errorCode(err), err)
	}
}

func (h *Handler) handleTerminalMessage(ctx context.Context, c *terminalConn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeReconnect:
		_, err := h.registry.Reconnect(ctx, registry.ReconnectRequest{
			TerminalID:  msg.TerminalID,
			SessionName: msg.SessionName,
			LastAgentID: msg.AgentID,
			Cols:        msg.Cols,
			Rows:        msg.Rows,
			// Runs before the replay so the confirmation precedes output.
			Confirm: func(att registry.Attached) {
				c.queue(protocol.Message{
					Type:        protocol.TypeTerminalReconnected,
					TerminalID:  att.TerminalID,
					SessionName: att.SessionName,
					AgentID:     att.AgentID,
				})
			},
		}, c)
		if err != nil {
			c.logger.Debug("reconnect failed", "terminal", msg.TerminalID, "session", msg.SessionName, "error", err)
			c.fail(protocol.Message{Type: protocol.TypeReconnectFailed, TerminalID: msg.TerminalID, SessionName: msg.SessionName}, errorCode(err), err)
		}

	case protocol.TypeDetach:
		if err := h.registry.Detach(msg.TerminalID, c); err != nil {
			c.logger.Debug("detach ignored", "terminal", msg.TerminalID, "error", err)
		}

	case protocol.TypeCommand:
		if !c.limiter.Allow() {
			c.fail(protocol.Message{TerminalID: msg.TerminalID}, protocol.CodeRateLimited, errors.New("input rate exceeded"))
			return
		}
		if err := h.registry.Input(msg.TerminalID, c, []byte(msg.Data)); err != nil {
			c.fail(protocol.Message{TerminalID: msg.TerminalID}, errorCode(err), err)
		}

	case protocol.TypeResize:
		if !c.limiter.Allow() {
			c.fail(protocol.Message{TerminalID: msg.TerminalID}, protocol.CodeRateLimited, errors.New("input rate exceeded"))
			return
		}
		if err := h.registry.Resize(msg.TerminalID, c, msg.Cols, msg.Rows); err != nil {
			c.fail(protocol.Message{TerminalID: msg.TerminalID}, errorCode(err), err)
		}

	case protocol.TypeCloseTerminal:
		ref := msg.TerminalID
		if ref == "" {
			ref = msg.SessionName
		}
		if err := h.registry.Close(ctx, ref, c); err != nil {
			c.logger.Warn("close failed", "ref", ref, "error", err)
			c.fail(protocol.Message{TerminalID: msg.TerminalID, SessionName: msg.SessionName}, errorCode(err), err)
		}

	case protocol.TypeListSessions:
		sessions, err := h.registry.List(ctx)
		if err != nil {
			c.fail(protocol.Message{RequestID: msg.RequestID}, errorCode(err), err)
			return
		}
		reply := protocol.Message{Type: protocol.TypeSessions, RequestID: msg.RequestID, Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
		for _, s := range sessions {
			reply.Sessions = append(reply.Sessions, toSessionInfo(s))
		}
		c.queue(reply)

	case protocol.TypePing:
		c.queue(protocol.Message{Type: protocol.TypePong})

	default:
		c.fail(protocol.Message{}, protocol.CodeBadRequest, errors.New("unsupported message type: "+string(msg.Type)))
	}
}
