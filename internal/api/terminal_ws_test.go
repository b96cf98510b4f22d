package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ricochet1k/termtabs/pkg/protocol"
)

func TestTerminalWebSocket_RequiresWindowID(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTerminalWebSocket_SpawnStreamsOutput(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	if err := conn.WriteJSON(protocol.Message{
		Type:       protocol.TypeSpawn,
		RequestID:  "r1",
		TerminalID: "t1",
		Config:     &protocol.SpawnConfig{TerminalType: "claude-code", Cols: 100, Rows: 30},
	}); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	spawned := readUntil(t, conn, protocol.TypeTerminalSpawned)
	if spawned.RequestID != "r1" || spawned.TerminalID != "t1" || spawned.AgentID == "" {
		t.Fatalf("unexpected spawn reply: %+v", spawned)
	}

	env.emit(t, spawned.SessionName, "$ ")
	out := readUntil(t, conn, protocol.TypeTerminalOutput)
	if out.TerminalID != "t1" || out.Data != "$ " {
		t.Fatalf("unexpected output: %+v", out)
	}

	conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, TerminalID: "t1", Data: "ls\n"})
	select {
	case got := <-env.attacher.Last("=" + spawned.SessionName).Input():
		if string(got) != "ls\n" {
			t.Fatalf("input = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the PTY")
	}
}

func TestTerminalWebSocket_SpawnFailure(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	conn.WriteJSON(protocol.Message{Type: protocol.TypeSpawn, RequestID: "r1", TerminalID: "t1"})
	failed := readUntil(t, conn, protocol.TypeSpawnFailed)
	if failed.Code != protocol.CodeBadRequest || failed.TerminalID != "t1" {
		t.Fatalf("unexpected failure: %+v", failed)
	}
}

func TestTerminalWebSocket_ReconnectMovesOwnership(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()

	first := dialWindow(t, srv, "w1")
	first.WriteJSON(protocol.Message{Type: protocol.TypeSpawn, RequestID: "r1", TerminalID: "t1", Config: &protocol.SpawnConfig{TerminalType: "bash"}})
	spawned := readUntil(t, first, protocol.TypeTerminalSpawned)
	env.emit(t, spawned.SessionName, "history")
	readUntil(t, first, protocol.TypeTerminalOutput)

	second := dialWindow(t, srv, "w2")
	second.WriteJSON(protocol.Message{Type: protocol.TypeReconnect, TerminalID: "t1", SessionName: spawned.SessionName, AgentID: spawned.AgentID})
	reconnected := readUntil(t, second, protocol.TypeTerminalReconnected)
	if reconnected.AgentID != spawned.AgentID {
		t.Fatalf("expected attachment reuse, got %+v", reconnected)
	}
	replay := readUntil(t, second, protocol.TypeTerminalOutput)
	if replay.Data != "history" {
		t.Fatalf("replay = %q", replay.Data)
	}

	first.WriteJSON(protocol.Message{Type: protocol.TypeCommand, TerminalID: "t1", Data: "x"})
	rejected := readUntil(t, first, protocol.TypeError)
	if rejected.Code != protocol.CodeNotOwner {
		t.Fatalf("expected not_owner, got %+v", rejected)
	}
}

func TestTerminalWebSocket_ReconnectNotFound(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	conn.WriteJSON(protocol.Message{Type: protocol.TypeReconnect, TerminalID: "gone", SessionName: "tt-bash-000000"})
	failed := readUntil(t, conn, protocol.TypeReconnectFailed)
	if failed.Code != protocol.CodeNotFound || failed.TerminalID != "gone" {
		t.Fatalf("unexpected reply: %+v", failed)
	}
}

func TestTerminalWebSocket_CloseAndList(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	conn.WriteJSON(protocol.Message{Type: protocol.TypeSpawn, RequestID: "r1", TerminalID: "t1", Config: &protocol.SpawnConfig{TerminalType: "bash"}})
	spawned := readUntil(t, conn, protocol.TypeTerminalSpawned)

	conn.WriteJSON(protocol.Message{Type: protocol.TypeListSessions, RequestID: "l1"})
	list := readUntil(t, conn, protocol.TypeSessions)
	if list.RequestID != "l1" || len(list.Sessions) != 1 || list.Sessions[0].SessionName != spawned.SessionName {
		t.Fatalf("unexpected list: %+v", list)
	}

	conn.WriteJSON(protocol.Message{Type: protocol.TypeCloseTerminal, TerminalID: "t1"})
	closed := readUntil(t, conn, protocol.TypeTerminalClosed)
	if closed.TerminalID != "t1" || closed.SessionName != spawned.SessionName {
		t.Fatalf("unexpected close reply: %+v", closed)
	}

	conn.WriteJSON(protocol.Message{Type: protocol.TypeListSessions, RequestID: "l2"})
	list = readUntil(t, conn, protocol.TypeSessions)
	if len(list.Sessions) != 0 {
		t.Fatalf("sessions after close: %+v", list.Sessions)
	}
}

func TestTerminalWebSocket_RateLimited(t *testing.T) {
	env := newTestEnvWithLimits(t, Limits{InputRate: 0.001, InputBurst: 2})
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	conn.WriteJSON(protocol.Message{Type: protocol.TypeSpawn, RequestID: "r1", TerminalID: "t1", Config: &protocol.SpawnConfig{TerminalType: "bash"}})
	readUntil(t, conn, protocol.TypeTerminalSpawned)

	for range 3 {
		conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, TerminalID: "t1", Data: "y"})
	}
	limited := readUntil(t, conn, protocol.TypeError)
	if limited.Code != protocol.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", limited)
	}
}

func TestTerminalWebSocket_PingPong(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()
	conn := dialWindow(t, srv, "w1")

	conn.WriteJSON(protocol.Message{Type: protocol.TypePing})
	readUntil(t, conn, protocol.TypePong)

	conn.WriteJSON(protocol.Message{Type: "bogus"})
	errMsg := readUntil(t, conn, protocol.TypeError)
	if errMsg.Code != protocol.CodeBadRequest {
		t.Fatalf("unexpected error frame: %+v", errMsg)
	}
}

func TestTerminalWebSocket_DisconnectReleasesOwnership(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router())
	defer srv.Close()

	conn := dialWindow(t, srv, "w1")
	conn.WriteJSON(protocol.Message{Type: protocol.TypeSpawn, RequestID: "r1", TerminalID: "t1", Config: &protocol.SpawnConfig{TerminalType: "bash"}})
	readUntil(t, conn, protocol.TypeTerminalSpawned)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := env.registry.List(t.Context())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(sessions) == 1 && sessions[0].Owner == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ownership not released after disconnect")
}
