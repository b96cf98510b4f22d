package window

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/termtabs/internal/api"
	"github.com/ricochet1k/termtabs/internal/crosswindow"
	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/registry"
	"github.com/ricochet1k/termtabs/internal/store"
	"github.com/ricochet1k/termtabs/internal/tmux"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type server struct {
	tmux     *tmux.Double
	attacher *registry.PipeAttacher
	registry *registry.Registry
	srv      *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{tmux: tmux.NewDouble(), attacher: registry.NewPipeAttacher()}
	s.registry = registry.New(registry.DefaultConfig(), s.tmux, s.attacher, nil)
	s.srv = httptest.NewServer(api.NewHandler(s.registry, api.DefaultLimits(), nil).Router())
	t.Cleanup(func() {
		s.srv.Close()
		s.registry.Shutdown()
	})
	return s
}

func (s *server) emit(t *testing.T, session, data string) {
	t.Helper()
	att := s.attacher.Last("=" + session)
	require.NotNil(t, att, "no attachment for %s", session)
	_, err := att.Output.Write([]byte(data))
	require.NoError(t, err)
}

// collector records terminal-output frames per terminal.
type collector struct {
	mu  sync.Mutex
	out map[string]string
}

func (c *collector) add(id string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.out = make(map[string]string)
	}
	c.out[id] += string(data)
}

func (c *collector) get(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out[id]
}

type testWindow struct {
	*Window
	output *collector
	cancel context.CancelFunc
	done   chan struct{}
}

func newWindow(t *testing.T, s *server, id string, st *store.Store) *testWindow {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.ServerURL = s.srv.URL
	cfg.Backoff = []time.Duration{10 * time.Millisecond}
	w := &testWindow{Window: New(cfg, st, nil), output: &collector{}}
	w.OnOutput(w.output.add)
	w.start(t)
	return w
}

func (w *testWindow) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(w.stop)
	require.Eventually(t, w.Connected, waitFor, tick)
}

func (w *testWindow) stop() {
	w.cancel()
	<-w.done
}

func waitStatus(t *testing.T, s *store.Store, id string, want domain.Status) domain.Terminal {
	t.Helper()
	var got domain.Terminal
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = s.Get(id)
		return ok && got.Status == want
	}, waitFor, tick, "terminal %s never reached %s", id, want)
	return got
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindow_OpenSpawnsAndStreams(t *testing.T) {
	s := newServer(t)
	st := store.New("terminals")
	w := newWindow(t, s, "win-a", st)
	ctx := context.Background()

	term, err := w.Open(ctx, store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSpawning, term.Status)
	assert.Equal(t, "bash-1", term.Name)

	active := waitStatus(t, st, term.ID, domain.StatusActive)
	assert.Equal(t, "win-a", active.WindowID)
	assert.NotEmpty(t, active.AgentID)
	assert.True(t, strings.HasPrefix(active.SessionName, "tt-bash-"), active.SessionName)

	s.emit(t, active.SessionName, "hello\r\n")
	require.Eventually(t, func() bool { return w.output.get(term.ID) == "hello\r\n" }, waitFor, tick)

	require.NoError(t, w.Input(ctx, term.ID, []byte("ls\n")))
	att := s.attacher.Last("=" + active.SessionName)
	select {
	case got := <-att.Input():
		assert.Equal(t, "ls\n", string(got))
	case <-time.After(waitFor):
		t.Fatal("input never reached the PTY")
	}

	require.NoError(t, w.Resize(ctx, term.ID, 120, 40))
	require.Eventually(t, func() bool {
		cols, rows := att.Size()
		return cols == 120 && rows == 40
	}, waitFor, tick)
}

func TestWindow_SpawnFailureMarksError(t *testing.T) {
	s := newServer(t)
	s.attacher.Err = errors.New("no pty available")
	st := store.New("terminals")
	w := newWindow(t, s, "win-a", st)

	term, err := w.Open(context.Background(), store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)

	failed := waitStatus(t, st, term.ID, domain.StatusError)
	assert.Contains(t, failed.ErrorMessage, "no pty available")
	assert.Len(t, st.All(), 1, "failed terminal must stay visible")
}

func TestWindow_OpenWhileDisconnected(t *testing.T) {
	st := store.New("terminals")
	w := New(Config{ID: "win-a", ServerURL: "ws://127.0.0.1:1"}, st, nil)

	term, err := w.Open(context.Background(), store.RegisterConfig{TerminalType: "bash"})
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, domain.StatusError, term.Status)
	assert.NotEmpty(t, term.ErrorMessage)
}

func TestWindow_LateSpawnConfirmationIgnored(t *testing.T) {
	st := store.New("terminals")
	w := New(Config{ID: "win-a"}, st, nil)

	term, err := st.Register(store.RegisterConfig{TerminalType: "bash", WindowID: "win-a"})
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(context.Background(), term.ID), ErrDisconnected)
	_, ok := st.Get(term.ID)
	require.False(t, ok, "close removes the terminal even when the kill cannot be sent")

	w.handle(protocol.Message{Type: protocol.TypeTerminalSpawned, TerminalID: term.ID, SessionName: "tt-bash-abc123", AgentID: "ag-1"})
	_, ok = st.Get(term.ID)
	assert.False(t, ok, "late confirmation recreated a closed terminal")
	assert.Empty(t, st.All())
}

func TestWindow_ReconnectFailedGrace(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New("terminals")
	w := New(Config{ID: "win-a", DetachGrace: 5 * time.Second}, st, nil, WithClock(clock.Now))

	term, err := st.Register(store.RegisterConfig{TerminalType: "bash", WindowID: "win-a"})
	require.NoError(t, err)
	_, err = st.Transition(term.ID, domain.StatusActive, domain.TransitionOpts{WindowID: "win-a", AgentID: "ag-1", SessionName: "tt-bash-abc123"})
	require.NoError(t, err)
	require.NoError(t, w.Detach(context.Background(), term.ID))

	detached, _ := st.Get(term.ID)
	assert.Equal(t, domain.StatusDetached, detached.Status)
	assert.Empty(t, detached.AgentID)
	assert.Empty(t, detached.WindowID)

	notFound := protocol.Message{Type: protocol.TypeReconnectFailed, TerminalID: term.ID, Code: protocol.CodeNotFound}
	w.handle(notFound)
	_, ok := st.Get(term.ID)
	require.True(t, ok, "not-found right after detach must be ignored")

	clock.Advance(time.Minute)
	w.handle(notFound)
	_, ok = st.Get(term.ID)
	assert.False(t, ok, "not-found outside the grace window removes the terminal")
}

func TestWindow_ReconnectFailedOtherCodeKeepsTerminal(t *testing.T) {
	st := store.New("terminals")
	w := New(Config{ID: "win-a"}, st, nil)
	term, err := st.Register(store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)

	w.handle(protocol.Message{Type: protocol.TypeReconnectFailed, TerminalID: term.ID, Code: protocol.CodeInternal, Error: "boom"})
	_, ok := st.Get(term.ID)
	assert.True(t, ok)
}

func TestWindow_ReconnectRefusesTerminalActiveElsewhere(t *testing.T) {
	st := store.New("terminals")
	w := New(Config{ID: "win-a"}, st, nil)
	term, err := st.Register(store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	_, err = st.Transition(term.ID, domain.StatusActive, domain.TransitionOpts{WindowID: "win-b", AgentID: "ag", SessionName: "tt-bash-abc123"})
	require.NoError(t, err)

	assert.ErrorIs(t, w.Reconnect(context.Background(), term.ID), ErrNotOwner)
	assert.ErrorIs(t, w.Detach(context.Background(), term.ID), ErrNotOwner)
	assert.ErrorIs(t, w.Reconnect(context.Background(), "missing"), ErrUnknownTerminal)
}

// Detach in window A, claim from window B, then A is refused and only B
// receives output.
func TestWindow_DetachThenClaimFromAnotherWindow(t *testing.T) {
	s := newServer(t)
	bus := crosswindow.NewLocalBus()
	storeA := store.New("terminals")
	storeB := store.New("terminals")
	syncA := crosswindow.NewSyncer(storeA, bus, "win-a", nil)
	syncB := crosswindow.NewSyncer(storeB, bus, "win-b", nil)
	syncA.Start()
	syncB.Start()
	t.Cleanup(syncA.Stop)
	t.Cleanup(syncB.Stop)

	a := newWindow(t, s, "win-a", storeA)
	b := newWindow(t, s, "win-b", storeB)
	ctx := context.Background()

	term, err := a.Open(ctx, store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	active := waitStatus(t, storeA, term.ID, domain.StatusActive)
	waitStatus(t, storeB, term.ID, domain.StatusActive)

	require.NoError(t, a.Detach(ctx, term.ID))
	detached := waitStatus(t, storeB, term.ID, domain.StatusDetached)
	assert.Empty(t, detached.WindowID)

	require.NoError(t, b.Reconnect(ctx, term.ID))
	claimed := waitStatus(t, storeB, term.ID, domain.StatusActive)
	assert.Equal(t, "win-b", claimed.WindowID)

	require.Eventually(t, func() bool {
		got, _ := storeA.Get(term.ID)
		return got.Status == domain.StatusActive && got.WindowID == "win-b"
	}, waitFor, tick)
	assert.ErrorIs(t, a.Reconnect(ctx, term.ID), ErrNotOwner)

	s.emit(t, active.SessionName, "only-b")
	require.Eventually(t, func() bool { return b.output.get(term.ID) == "only-b" }, waitFor, tick)
	assert.Empty(t, a.output.get(term.ID))
}

func TestWindow_TransportDropGoesOfflineThenReattaches(t *testing.T) {
	s := newServer(t)
	st := store.New("terminals")
	w := newWindow(t, s, "win-a", st)

	term, err := w.Open(context.Background(), store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	active := waitStatus(t, st, term.ID, domain.StatusActive)

	w.stop()
	offline, _ := st.Get(term.ID)
	assert.Equal(t, domain.StatusOffline, offline.Status)
	assert.Empty(t, offline.AgentID)
	assert.Equal(t, "win-a", offline.WindowID)
	assert.Equal(t, active.SessionName, offline.SessionName)

	w.start(t)
	back := waitStatus(t, st, term.ID, domain.StatusActive)
	assert.Equal(t, active.SessionName, back.SessionName)
	assert.Equal(t, active.AgentID, back.AgentID, "live attachment should be reused")
}

func TestWindow_ReattachAfterReload(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	clock := time.Now()

	first := store.New("terminals")
	w := newWindow(t, s, "win-a", first)
	mine, err := w.Open(ctx, store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	mineActive := waitStatus(t, first, mine.ID, domain.StatusActive)
	w.stop()

	require.NoError(t, s.tmux.Start(ctx, "tt-sh-111111", "", ""))
	require.NoError(t, s.tmux.Start(ctx, "tt-sh-222222", "", ""))
	require.NoError(t, s.tmux.Start(ctx, "tt-zsh-333333", "/work", ""))

	err = first.Mutate(func(tx *store.Tx) error {
		insert := func(id, session, window string, status domain.Status, lastActive time.Time) error {
			term := domain.NewTerminal(id, id, "shell")
			term.SessionName = session
			term.WindowID = window
			term.Status = status
			term.LastActiveAt = lastActive
			return tx.Insert(*term)
		}
		if err := insert("dead", "tt-bash-dead00", "win-a", domain.StatusOffline, clock); err != nil {
			return err
		}
		if err := insert("busy", "tt-sh-111111", "win-b", domain.StatusOffline, clock); err != nil {
			return err
		}
		return insert("stale", "tt-sh-222222", "win-c", domain.StatusOffline, clock.Add(-48*time.Hour))
	})
	require.NoError(t, err)

	reloaded := store.New("terminals")
	reloaded.Import(first.Export(), store.ImportOptions{WindowID: "win-a"})
	newWindow(t, s, "win-a", reloaded)

	back := waitStatus(t, reloaded, mine.ID, domain.StatusActive)
	assert.Equal(t, mineActive.SessionName, back.SessionName)

	require.Eventually(t, func() bool {
		_, ok := reloaded.Get("dead")
		return !ok
	}, waitFor, tick, "record for a dead session should be removed")

	stale := waitStatus(t, reloaded, "stale", domain.StatusDetached)
	assert.Empty(t, stale.WindowID)

	busy, ok := reloaded.Get("busy")
	require.True(t, ok)
	assert.Equal(t, "win-b", busy.WindowID, "another window's recent record is left alone")

	var adopted domain.Terminal
	require.Eventually(t, func() bool {
		for _, term := range reloaded.All() {
			if term.SessionName == "tt-zsh-333333" {
				adopted = term
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, domain.StatusDetached, adopted.Status)
	assert.Equal(t, domain.TerminalType("zsh"), adopted.TerminalType)
	assert.Equal(t, "zsh-1", adopted.Name)
}

func TestWindow_ReattachKeepsNewestDuplicate(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.tmux.Start(ctx, "tt-bash-444444", "", ""))

	st := store.New("terminals")
	now := time.Now()
	err := st.Mutate(func(tx *store.Tx) error {
		for i, id := range []string{"older", "newer"} {
			term := domain.NewTerminal(id, id, "bash")
			term.SessionName = "tt-bash-444444"
			term.Status = domain.StatusDetached
			term.LastActiveAt = now.Add(time.Duration(i) * time.Minute)
			if err := tx.Insert(*term); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	newWindow(t, s, "win-a", st)
	require.Eventually(t, func() bool {
		_, ok := st.Get("older")
		return !ok
	}, waitFor, tick)
	newer, ok := st.Get("newer")
	require.True(t, ok)
	assert.Equal(t, domain.StatusDetached, newer.Status, "detached records wait for an explicit reconnect")
}

func TestWindow_DetachSurvivesTransportDrop(t *testing.T) {
	s := newServer(t)
	st := store.New("terminals")
	w := newWindow(t, s, "win-a", st)
	ctx := context.Background()

	term, err := w.Open(ctx, store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	waitStatus(t, st, term.ID, domain.StatusActive)
	require.NoError(t, w.Detach(ctx, term.ID))

	w.stop()
	w.start(t)

	report, err := w.Reattach(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reconnecting)
	assert.Equal(t, 1, report.LeftAlone)
	assert.Never(t, func() bool {
		got, _ := st.Get(term.ID)
		return got.Status != domain.StatusDetached
	}, 100*time.Millisecond, tick)

	require.NoError(t, w.Reconnect(ctx, term.ID))
	back := waitStatus(t, st, term.ID, domain.StatusActive)
	assert.Equal(t, "win-a", back.WindowID)
}

// idleOwner holds a session on the server without reading it.
type idleOwner struct{}

func (idleOwner) OwnerID() string                { return "idle" }
func (idleOwner) SendOutput(string, []byte) bool { return true }
func (idleOwner) SessionClosed(string, string)   {}

func TestWindow_ReattachRecoversSpawnLostWithTransport(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	_, err := s.registry.Spawn(ctx, registry.SpawnRequest{TerminalID: "started", TerminalType: "bash"}, idleOwner{})
	require.NoError(t, err)

	st := store.New("terminals")
	err = st.Mutate(func(tx *store.Tx) error {
		for _, id := range []string{"started", "lost"} {
			term := domain.NewTerminal(id, id, "bash")
			term.WindowID = "win-a"
			if err := tx.Insert(*term); err != nil {
				return err
			}
		}
		elsewhere := domain.NewTerminal("elsewhere", "elsewhere", "bash")
		elsewhere.WindowID = "win-b"
		return tx.Insert(*elsewhere)
	})
	require.NoError(t, err)

	newWindow(t, s, "win-a", st)
	started := waitStatus(t, st, "started", domain.StatusActive)
	assert.Equal(t, "win-a", started.WindowID)
	assert.NotEmpty(t, started.SessionName)

	lost := waitStatus(t, st, "lost", domain.StatusError)
	assert.Equal(t, "spawn lost with transport", lost.ErrorMessage)

	elsewhere, ok := st.Get("elsewhere")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSpawning, elsewhere.Status, "another window's spawn is its own to settle")
}

func TestWindow_CloseContainerClosesPanes(t *testing.T) {
	s := newServer(t)
	st := store.New("terminals")
	w := newWindow(t, s, "win-a", st)
	ctx := context.Background()

	left, err := w.Open(ctx, store.RegisterConfig{TerminalType: "bash"})
	require.NoError(t, err)
	waitStatus(t, st, left.ID, domain.StatusActive)

	right, err := w.Layout().Split(ctx, left.ID, domain.SplitVertical, "bash")
	require.NoError(t, err)
	waitStatus(t, st, right.ID, domain.StatusActive)

	require.NoError(t, w.Close(ctx, left.ID))
	assert.Empty(t, st.All())
	require.Eventually(t, func() bool {
		live, err := s.tmux.List(ctx)
		return err == nil && len(live) == 0
	}, waitFor, tick, "both sessions should be killed")
}

func TestWindow_Sessions(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.tmux.Start(context.Background(), "tt-cc-555555", "", ""))
	w := newWindow(t, s, "win-a", store.New("terminals"))

	sessions, err := w.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "tt-cc-555555", sessions[0].SessionName)
	assert.Equal(t, "claude-code", sessions[0].TerminalType)
}
