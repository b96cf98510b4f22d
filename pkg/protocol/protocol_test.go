package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessage_OmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(Message{Type: TypePong})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestMessage_DecodesSpawn(t *testing.T) {
	raw := `{"type":"spawn","requestId":"r1","terminalId":"t1","config":{"terminalType":"claude-code","workingDir":"/src","cols":120,"rows":40}}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != TypeSpawn || msg.Config == nil || msg.Config.TerminalType != "claude-code" || msg.Config.Cols != 120 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMessage_SessionsListIsCamelCase(t *testing.T) {
	data, _ := json.Marshal(Message{Type: TypeSessions, Sessions: []SessionInfo{{TerminalID: "t1", SessionName: "tt-bash-abcdef"}}})
	for _, key := range []string{`"terminalId":"t1"`, `"sessionName":"tt-bash-abcdef"`, `"attached":false`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("%s missing from %s", key, data)
		}
	}
}
