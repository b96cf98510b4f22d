package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/termtabs/internal/tmux"
)

type fakeOwner struct {
	id     string
	output chan string
	mu     sync.Mutex
	closed []string
	full   bool
}

func newOwner(id string) *fakeOwner {
	return &fakeOwner{id: id, output: make(chan string, 64)}
}

func (o *fakeOwner) OwnerID() string { return o.id }

func (o *fakeOwner) SendOutput(_ string, data []byte) bool {
	if o.full {
		return false
	}
	o.output <- string(data)
	return true
}

func (o *fakeOwner) SessionClosed(terminalID, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, terminalID)
}

func (o *fakeOwner) closedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

func (o *fakeOwner) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-o.output:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("owner %s received no output", o.id)
		return ""
	}
}

func (o *fakeOwner) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-o.output:
		t.Fatalf("owner %s unexpectedly received %q", o.id, s)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	reg      *Registry
	tmux     *tmux.Double
	attacher *PipeAttacher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{tmux: tmux.NewDouble(), attacher: NewPipeAttacher()}
	n := 0
	opts = append([]Option{WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})}, opts...)
	cfg := DefaultConfig()
	cfg.Commands["claude-code"] = "claude"
	f.reg = New(cfg, f.tmux, f.attacher, nil, opts...)
	t.Cleanup(f.reg.Shutdown)
	return f
}

func (f *fixture) spawn(t *testing.T, id, typ string, owner Owner) Attached {
	t.Helper()
	a, err := f.reg.Spawn(context.Background(), SpawnRequest{TerminalID: id, TerminalType: typ}, owner)
	require.NoError(t, err)
	return a
}

func (f *fixture) emit(t *testing.T, session, data string) {
	t.Helper()
	att := f.attacher.Last("=" + session)
	require.NotNil(t, att, "no attachment for %s", session)
	_, err := att.Output.Write([]byte(data))
	require.NoError(t, err)
}

func TestSessionNames(t *testing.T) {
	re := regexp.MustCompile(`^tt-([a-z0-9]+)-[0-9a-f]{6}$`)
	cases := map[string]string{
		"bash":        "bash",
		"zsh":         "zsh",
		"shell":       "sh",
		"claude-code": "cc",
		"codex":       "cx",
		"gemini":      "gem",
		"opencode":    "oc",
		"tui-tool":    "tui",
		"My Tool!":    "myto",
		"--":          "term",
	}
	for typ, abbrev := range cases {
		name, err := NewSessionName("", typ)
		require.NoError(t, err)
		m := re.FindStringSubmatch(name)
		require.NotNil(t, m, "bad name %q", name)
		assert.Equal(t, abbrev, m[1], typ)
		assert.NoError(t, tmux.ValidateSessionName(name))
	}
	assert.Equal(t, "claude-code", TypeFromSessionName("tt", "tt-cc-abcdef"))
	assert.Equal(t, "", TypeFromSessionName("tt", "other-cc-abcdef"))
}

func TestSpawn_StartsSessionAndStreams(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	a := f.spawn(t, "t1", "claude-code", owner)

	assert.Equal(t, "t1", a.TerminalID)
	assert.Regexp(t, `^tt-cc-[0-9a-f]{6}$`, a.SessionName)
	assert.NotEmpty(t, a.AgentID)
	cmd, ok := f.tmux.Command(a.SessionName)
	require.True(t, ok)
	assert.Equal(t, "claude", cmd)

	f.emit(t, a.SessionName, "hello")
	assert.Equal(t, "hello", owner.next(t))
}

func TestSpawn_RequiresType(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Spawn(context.Background(), SpawnRequest{TerminalID: "t1"}, newOwner("c"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSpawn_DuplicateTerminal(t *testing.T) {
	f := newFixture(t)
	f.spawn(t, "t1", "bash", newOwner("c"))
	_, err := f.reg.Spawn(context.Background(), SpawnRequest{TerminalID: "t1", TerminalType: "bash"}, newOwner("c"))
	assert.ErrorIs(t, err, ErrAlreadySpawned)
}

func TestSpawn_BreakerCoolsDown(t *testing.T) {
	f := newFixture(t)
	f.attacher.Err = fmt.Errorf("no pty")
	for range 3 {
		_, err := f.reg.Spawn(context.Background(), SpawnRequest{TerminalType: "gemini"}, newOwner("c"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSpawnCooldown)
	}
	infos, _ := f.tmux.List(context.Background())
	assert.Empty(t, infos, "failed attaches must not leak sessions")

	f.attacher.Err = nil
	_, err := f.reg.Spawn(context.Background(), SpawnRequest{TerminalType: "gemini"}, newOwner("c"))
	assert.ErrorIs(t, err, ErrSpawnCooldown)

	_, err = f.reg.Spawn(context.Background(), SpawnRequest{TerminalType: "bash"}, newOwner("c"))
	assert.NoError(t, err, "other types are unaffected")
}

func TestOutputGoesOnlyToLatestOwner(t *testing.T) {
	f := newFixture(t)
	first := newOwner("conn-1")
	second := newOwner("conn-2")
	a := f.spawn(t, "t1", "bash", first)

	f.emit(t, a.SessionName, "one")
	assert.Equal(t, "one", first.next(t))

	b, err := f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "t1", LastAgentID: a.AgentID}, second)
	require.NoError(t, err)
	assert.True(t, b.Reused)
	assert.Equal(t, a.AgentID, b.AgentID)
	assert.Equal(t, "one", second.next(t), "replay of recent output")

	f.emit(t, a.SessionName, "two")
	assert.Equal(t, "two", second.next(t))
	first.quiet(t)
}

func TestNonOwnerInputRejected(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	other := newOwner("conn-2")
	a := f.spawn(t, "t1", "bash", owner)

	assert.ErrorIs(t, f.reg.Input("t1", other, []byte("ls\n")), ErrNotOwner)
	assert.ErrorIs(t, f.reg.Resize("t1", other, 100, 40), ErrNotOwner)

	require.NoError(t, f.reg.Input("t1", owner, []byte("ls\n")))
	select {
	case got := <-f.attacher.Last("=" + a.SessionName).Input():
		assert.Equal(t, "ls\n", string(got))
	case <-time.After(time.Second):
		t.Fatal("input never reached the attachment")
	}

	require.NoError(t, f.reg.Resize("t1", owner, 120, 40))
	cols, rows := f.attacher.Last("=" + a.SessionName).Size()
	assert.Equal(t, []int{120, 40}, []int{cols, rows})

	assert.ErrorIs(t, f.reg.Resize("t1", owner, 0, 40), ErrInvalidRequest)
	assert.ErrorIs(t, f.reg.Input("missing", owner, nil), ErrSessionNotFound)
}

func TestReconnect_NewAttachmentWhenAgentDiffers(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, "t1", "bash", newOwner("conn-1"))
	old := f.attacher.Last("=" + a.SessionName)

	b, err := f.reg.Reconnect(context.Background(), ReconnectRequest{SessionName: a.SessionName}, newOwner("conn-2"))
	require.NoError(t, err)
	assert.False(t, b.Reused)
	assert.NotEqual(t, a.AgentID, b.AgentID)
	assert.True(t, old.Closed())
	assert.Equal(t, 2, f.attacher.Opened())
}

func TestReconnect_DeadSession(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, "t1", "bash", newOwner("conn-1"))
	f.tmux.Kill(a.SessionName)

	_, err := f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "t1"}, newOwner("conn-2"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "nope", SessionName: "tt-sh-000000"}, newOwner("conn-2"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReconnect_RekeysToClientID(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, "t1", "bash", newOwner("conn-1"))

	b, err := f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "restored", SessionName: a.SessionName}, newOwner("conn-2"))
	require.NoError(t, err)
	assert.Equal(t, "restored", b.TerminalID)
	assert.Nil(t, f.reg.lookup("t1", ""))
	assert.NotNil(t, f.reg.lookup("restored", ""))
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	requester := newOwner("conn-2")
	a := f.spawn(t, "t1", "bash", owner)

	require.NoError(t, f.reg.Close(context.Background(), "t1", requester))
	ok, _ := f.tmux.Exists(context.Background(), a.SessionName)
	assert.False(t, ok)
	assert.Equal(t, []string{"t1"}, owner.closedIDs())
	assert.Equal(t, []string{"t1"}, requester.closedIDs())

	require.NoError(t, f.reg.Close(context.Background(), "t1", nil))
	require.NoError(t, f.reg.Close(context.Background(), a.SessionName, nil))
	assert.Len(t, owner.closedIDs(), 1)
}

func TestDetachAndReleaseOwner(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	a := f.spawn(t, "t1", "bash", owner)
	f.spawn(t, "t2", "zsh", owner)

	assert.ErrorIs(t, f.reg.Detach("t1", newOwner("x")), ErrNotOwner)
	require.NoError(t, f.reg.Detach("t1", owner))
	f.emit(t, a.SessionName, "buffered")
	owner.quiet(t)

	assert.Equal(t, 1, f.reg.ReleaseOwner(owner))
	sessions, err := f.reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Empty(t, s.Owner)
	}

	next := newOwner("conn-2")
	_, err = f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "t1", LastAgentID: a.AgentID}, next)
	require.NoError(t, err)
	assert.Equal(t, "buffered", next.next(t))
}

func TestList_AdoptsAndPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.spawn(t, "t1", "bash", newOwner("c"))
	b := f.spawn(t, "t2", "bash", newOwner("c"))
	require.NoError(t, f.tmux.Start(ctx, "tt-cc-abc123", "", ""))
	require.NoError(t, f.tmux.Start(ctx, "personal", "", ""))
	f.tmux.Kill(b.SessionName)

	sessions, err := f.reg.List(ctx)
	require.NoError(t, err)
	names := map[string]Session{}
	for _, s := range sessions {
		names[s.SessionName] = s
	}
	assert.Len(t, sessions, 2)
	assert.Contains(t, names, a.SessionName)
	adopted, ok := names["tt-cc-abc123"]
	require.True(t, ok)
	assert.Equal(t, "claude-code", adopted.TerminalType)
	assert.NotEmpty(t, adopted.TerminalID)
	assert.NotContains(t, names, "personal")
}

func TestAttachmentEndClosesDeadSession(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	a := f.spawn(t, "t1", "bash", owner)

	f.tmux.Kill(a.SessionName)
	require.NoError(t, f.attacher.Last("="+a.SessionName).Output.Close())

	assert.Eventually(t, func() bool { return len(owner.closedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, f.reg.lookup("t1", ""))
}

func TestSlowOwnerIsReleased(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	owner.full = true
	a := f.spawn(t, "t1", "bash", owner)

	f.emit(t, a.SessionName, "x")
	assert.Eventually(t, func() bool {
		s, _ := f.reg.List(context.Background())
		return len(s) == 1 && s[0].Owner == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.reg.Events().Subscribe(16)
	defer cancel()

	owner := newOwner("conn-1")
	f.spawn(t, "t1", "bash", owner)
	_, err := f.reg.Reconnect(context.Background(), ReconnectRequest{TerminalID: "t1"}, newOwner("conn-2"))
	require.NoError(t, err)
	require.NoError(t, f.reg.Close(context.Background(), "t1", nil))

	var got []EventType
	for range 4 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	assert.Equal(t, []EventType{EventSpawned, EventOwnerChanged, EventReconnected, EventClosed}, got)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	db, err := OpenDB(ctx, path)
	require.NoError(t, err)

	f := newFixture(t, WithDB(db))
	a := f.spawn(t, "t1", "bash", newOwner("c"))
	b := f.spawn(t, "t2", "zsh", newOwner("c"))
	f.reg.Shutdown()
	require.NoError(t, db.Close())

	f.tmux.Kill(b.SessionName)

	db, err = OpenDB(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	reg := New(DefaultConfig(), f.tmux, f.attacher, nil, WithDB(db))
	defer reg.Shutdown()

	n, err := reg.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := db.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, a.SessionName, recs[0].SessionName)
	assert.Equal(t, "bash", recs[0].TerminalType)

	att, err := reg.Reconnect(ctx, ReconnectRequest{TerminalID: "t1"}, newOwner("c2"))
	require.NoError(t, err)
	assert.Equal(t, a.SessionName, att.SessionName)
}

func TestPartialRuneFlushedWhenAttachmentEnds(t *testing.T) {
	f := newFixture(t)
	owner := newOwner("conn-1")
	a := f.spawn(t, "t1", "bash", owner)

	f.emit(t, a.SessionName, "ok\xe2\x82")
	assert.Equal(t, "ok", owner.next(t))
	owner.quiet(t)

	require.NoError(t, f.attacher.Last("="+a.SessionName).Output.Close())
	assert.Equal(t, "\xe2\x82", owner.next(t), "trailing bytes are delivered rather than dropped")
}

func TestWinsizeBounds(t *testing.T) {
	tests := []struct {
		cols, rows         int
		wantCols, wantRows uint16
	}{
		{0, 0, 80, 24},
		{-5, 40, 80, 40},
		{120, 40, 120, 40},
		{70000, 65537, MaxDimension, MaxDimension},
		{MaxDimension + 1, 1, MaxDimension, 1},
	}
	for _, tt := range tests {
		ws := winsize(tt.cols, tt.rows)
		assert.Equal(t, tt.wantCols, ws.Cols, "cols for %dx%d", tt.cols, tt.rows)
		assert.Equal(t, tt.wantRows, ws.Rows, "rows for %dx%d", tt.cols, tt.rows)
	}
}
