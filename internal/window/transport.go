package window

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/store"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

const writeWait = 10 * time.Second

// Run keeps the transport connected until ctx is cancelled. Each successful
// connection is followed by a reattach pass; each drop marks this window's
// active terminals offline.
func (w *Window) Run(ctx context.Context) error {
	endpoint, err := w.endpoint()
	if err != nil {
		return err
	}
	attempt := 0
	for {
		connected, err := w.serve(ctx, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := w.cfg.Backoff[min(attempt, len(w.cfg.Backoff)-1)]
		attempt++
		w.logger.Info("transport disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Window) serve(ctx context.Context, endpoint string) (bool, error) {
	conn, _, err := w.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial transport: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Claims from before this connection are stale until reconnected.
	w.markOffline()
	gen := w.setConn(conn)
	defer w.dropConn(conn)
	w.once.Do(func() { close(w.ready) })
	w.logger.Info("transport connected", "url", endpoint)

	go func() {
		if _, err := w.reattach(ctx, gen); err != nil {
			w.logger.Warn("reattach failed", "error", err)
		}
	}()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		w.handle(msg)
	}
}

func (w *Window) setConn(conn *websocket.Conn) uint64 {
	w.mu.Lock()
	w.conn = conn
	w.gen++
	gen := w.gen
	fn := w.onState
	w.mu.Unlock()
	if fn != nil {
		fn(true)
	}
	return gen
}

func (w *Window) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	fn := w.onState
	w.mu.Unlock()
	_ = conn.Close()

	w.markOffline()
	if fn != nil {
		fn(false)
	}
}

// markOffline moves every terminal this window was streaming to offline.
// Sessions and window claims survive; only the agent id is dropped.
func (w *Window) markOffline() {
	err := w.store.Mutate(func(tx *store.Tx) error {
		for _, t := range tx.All() {
			if t.WindowID != w.cfg.ID || t.Status != domain.StatusActive {
				continue
			}
			if _, err := tx.Transition(t.ID, domain.StatusOffline, domain.TransitionOpts{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("mark terminals offline", "error", err)
	}
}

func (w *Window) send(msg protocol.Message) error {
	w.mu.Lock()
	conn := w.conn
	if conn != nil && msg.Type == protocol.TypeSpawn {
		w.spawnGen[msg.TerminalID] = w.gen
	}
	w.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}
