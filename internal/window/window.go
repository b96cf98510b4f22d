// Package window is the per-window client: it owns a terminal store, talks
// to the server over the /ws transport channel and turns protocol frames
// into store transitions.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/layout"
	"github.com/ricochet1k/termtabs/internal/store"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

var (
	ErrNotOwner        = errors.New("terminal is active in another window")
	ErrDisconnected    = errors.New("transport not connected")
	ErrUnknownTerminal = errors.New("unknown terminal")
	ErrNoSession       = errors.New("terminal has no session")
)

// Config describes one window's connection to the server.
type Config struct {
	// ID identifies the window. Generated when empty.
	ID string
	// ServerURL is the base ws:// or wss:// URL of the server.
	ServerURL string
	// Backoff lists reconnect delays; the last one repeats.
	Backoff []time.Duration
	// DetachGrace suppresses reconnect-not-found reports that arrive this
	// soon after a local detach or close.
	DetachGrace time.Duration
	// OrphanTTL hands terminals owned by a silent window back to detached.
	OrphanTTL   time.Duration
	Cols, Rows  int
	Dialer      *websocket.Dialer
	RequestWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff:     []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second},
		DetachGrace: 5 * time.Second,
		OrphanTTL:   24 * time.Hour,
		Cols:        80,
		Rows:        24,
		RequestWait: 10 * time.Second,
	}
}

// Window is the client half of the transport channel.
type Window struct {
	cfg    Config
	store  *store.Store
	layout *layout.Engine
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
	// gen counts connections; spawnGen records which one carried each
	// unconfirmed spawn request.
	gen      uint64
	spawnGen map[string]uint64
	pending  map[string]chan []protocol.SessionInfo
	released map[string]time.Time
	onOutput func(terminalID string, data []byte)
	onState  func(connected bool)

	writeMu sync.Mutex
	ready   chan struct{}
	once    sync.Once
}

type Option func(*Window)

func WithClock(fn func() time.Time) Option {
	return func(w *Window) { w.now = fn }
}

// New builds a window around s. The store should already hold whatever was
// restored from disk.
func New(cfg Config, s *store.Store, logger *slog.Logger, opts ...Option) *Window {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.RequestWait <= 0 {
		cfg.RequestWait = def.RequestWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Window{
		cfg:      cfg,
		store:    s,
		logger:   logger.With("component", "window", "window", cfg.ID),
		now:      time.Now,
		spawnGen: make(map[string]uint64),
		pending:  make(map[string]chan []protocol.SessionInfo),
		released: make(map[string]time.Time),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.layout = layout.NewEngine(s, w, w, logger)
	return w
}

func (w *Window) ID() string { return w.cfg.ID }

func (w *Window) Store() *store.Store { return w.store }

// Layout returns the split engine bound to this window's transport.
func (w *Window) Layout() *layout.Engine { return w.layout }

// Ready is closed after the first successful connection.
func (w *Window) Ready() <-chan struct{} { return w.ready }

// OnOutput sets the sink for terminal-output frames. Set it before Run.
func (w *Window) OnOutput(fn func(terminalID string, data []byte)) {
	w.mu.Lock()
	w.onOutput = fn
	w.mu.Unlock()
}

// OnConnection is told whenever the transport comes up or drops.
func (w *Window) OnConnection(fn func(connected bool)) {
	w.mu.Lock()
	w.onState = fn
	w.mu.Unlock()
}

func (w *Window) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *Window) endpoint() (string, error) {
	u, err := url.Parse(w.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("windowId", w.cfg.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open registers a new terminal in this window and asks the server to spawn
// it. The returned terminal is still spawning.
func (w *Window) Open(ctx context.Context, cfg store.RegisterConfig) (domain.Terminal, error) {
	cfg.WindowID = w.cfg.ID
	term, err := w.store.Register(cfg)
	if err != nil {
		return domain.Terminal{}, err
	}
	if err := w.Spawn(ctx, term); err != nil {
		if _, terr := w.store.Transition(term.ID, domain.StatusError, domain.TransitionOpts{Reason: err.Error()}); terr != nil {
			w.logger.Warn("mark spawn failure", "terminal", term.ID, "error", terr)
		}
		term, _ = w.store.Get(term.ID)
		return term, err
	}
	return term, nil
}

// Spawn sends a spawn request for a registered terminal.
func (w *Window) Spawn(ctx context.Context, term domain.Terminal) error {
	return w.send(protocol.Message{
		Type:       protocol.TypeSpawn,
		RequestID:  uuid.NewString(),
		TerminalID: term.ID,
		Config: &protocol.SpawnConfig{
			TerminalType: string(term.TerminalType),
			Name:         term.Name,
			WorkingDir:   term.WorkingDir,
			Cols:         w.cfg.Cols,
			Rows:         w.cfg.Rows,
		},
	})
}

// CloseSession asks the server to kill a terminal's session.
func (w *Window) CloseSession(ctx context.Context, term domain.Terminal) error {
	w.markReleased(term.ID)
	return w.send(protocol.Message{
		Type:        protocol.TypeCloseTerminal,
		TerminalID:  term.ID,
		SessionName: term.SessionName,
	})
}

// Close removes a terminal and kills its session. Closing a container closes
// every pane with it.
func (w *Window) Close(ctx context.Context, id string) error {
	term, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	targets := []domain.Terminal{term}
	if term.IsContainer() {
		for _, p := range term.SplitLayout.Panes {
			if p.TerminalID == id {
				continue
			}
			if member, ok := w.store.Get(p.TerminalID); ok {
				targets = append(targets, member)
			}
		}
	}

	var sendErr error
	for _, t := range targets {
		if t.SessionName == "" && t.Status != domain.StatusSpawning {
			continue
		}
		if err := w.CloseSession(ctx, t); err != nil && sendErr == nil {
			sendErr = err
		}
	}
	err := w.store.Mutate(func(tx *store.Tx) error {
		for _, t := range targets {
			tx.Remove(t.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return sendErr
}

// Reconnect claims a terminal's stream for this window. A terminal that is
// active in another window is refused; the server settles races between
// windows that both pass this check.
func (w *Window) Reconnect(ctx context.Context, id string) error {
	term, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	if term.Status == domain.StatusActive && term.WindowID != "" && term.WindowID != w.cfg.ID {
		return fmt.Errorf("%w: %s (window %s)", ErrNotOwner, id, term.WindowID)
	}
	if term.SessionName == "" {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return w.send(protocol.Message{
		Type:        protocol.TypeReconnect,
		TerminalID:  term.ID,
		SessionName: term.SessionName,
		AgentID:     term.LastAgentID,
		Cols:        w.cfg.Cols,
		Rows:        w.cfg.Rows,
	})
}

// Detach releases this window's claim. The session keeps running and any
// window may reconnect to it.
func (w *Window) Detach(ctx context.Context, id string) error {
	term, ok := w.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	if term.WindowID != "" && term.WindowID != w.cfg.ID {
		return fmt.Errorf("%w: %s (window %s)", ErrNotOwner, id, term.WindowID)
	}
	w.markReleased(id)
	if _, err := w.store.Transition(id, domain.StatusDetached, domain.TransitionOpts{}); err != nil {
		return err
	}
	if err := w.send(protocol.Message{Type: protocol.TypeDetach, TerminalID: id}); err != nil {
		w.logger.Debug("detach not sent", "terminal", id, "error", err)
	}
	return nil
}

// Input forwards keystrokes to the terminal's PTY.
func (w *Window) Input(ctx context.Context, id string, data []byte) error {
	return w.send(protocol.Message{Type: protocol.TypeCommand, TerminalID: id, Data: string(data)})
}

func (w *Window) Resize(ctx context.Context, id string, cols, rows int) error {
	return w.send(protocol.Message{Type: protocol.TypeResize, TerminalID: id, Cols: cols, Rows: rows})
}

// Sessions asks the server for its live sessions and waits for the answer.
func (w *Window) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	reqID := uuid.NewString()
	ch := make(chan []protocol.SessionInfo, 1)
	w.mu.Lock()
	w.pending[reqID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.mu.Unlock()
	}()

	if err := w.send(protocol.Message{Type: protocol.TypeListSessions, RequestID: reqID}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestWait)
	defer cancel()
	select {
	case sessions := <-ch:
		return sessions, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("list sessions: %w", ctx.Err())
	}
}

// spawnedOn reports the connection that carried id's spawn request.
func (w *Window) spawnedOn(id string) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	gen, ok := w.spawnGen[id]
	return gen, ok
}

func (w *Window) spawnSettled(id string) {
	w.mu.Lock()
	delete(w.spawnGen, id)
	w.mu.Unlock()
}

func (w *Window) markReleased(id string) {
	w.mu.Lock()
	w.released[id] = w.now()
	w.mu.Unlock()
}

// recentlyReleased reports whether id was detached or closed here within
// the grace window.
func (w *Window) recentlyReleased(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.released[id]
	if !ok {
		return false
	}
	if w.now().Sub(at) > w.cfg.DetachGrace {
		delete(w.released, id)
		return false
	}
	return true
}
