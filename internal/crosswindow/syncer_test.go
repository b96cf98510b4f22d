package crosswindow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/store"
)

func newWindowStore(prefix string) *store.Store {
	n := 0
	return store.New("terminals", store.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}))
}

type countingBus struct {
	*LocalBus
	published []Message
}

func (b *countingBus) Publish(ctx context.Context, msg Message) error {
	b.published = append(b.published, msg)
	return b.LocalBus.Publish(ctx, msg)
}

func TestSyncer_ReplicatesLocalChanges(t *testing.T) {
	bus := &countingBus{LocalBus: NewLocalBus()}
	a := newWindowStore("a")
	b := newWindowStore("b")
	syncA := NewSyncer(a, bus, "win-a", nil)
	syncB := NewSyncer(b, bus, "win-b", nil)
	syncA.Start()
	syncB.Start()
	defer syncA.Stop()
	defer syncB.Stop()

	term, err := a.Register(store.RegisterConfig{TerminalType: "bash"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := b.Get(term.ID)
	if !ok || got.Name != "bash-1" {
		t.Fatalf("window b did not receive terminal: %+v %v", got, ok)
	}
	if len(bus.published) != 1 {
		t.Fatalf("published %d messages, want 1 (received snapshots must not be rebroadcast)", len(bus.published))
	}
	if syncA.Applied() != 0 {
		t.Fatal("window a applied its own echo")
	}
	if syncB.Applied() != 1 {
		t.Fatalf("window b applied %d snapshots", syncB.Applied())
	}
}

func TestSyncer_IgnoresOwnOrigin(t *testing.T) {
	bus := NewLocalBus()
	s := newWindowStore("a")
	syncer := NewSyncer(s, bus, "win-a", nil)
	syncer.Start()
	defer syncer.Stop()

	other := newWindowStore("x")
	if _, err := other.Register(store.RegisterConfig{TerminalType: "zsh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	payload, _ := json.Marshal(other.Export())
	_ = bus.Publish(context.Background(), Message{Topic: syncer.topic, Origin: "win-a", Payload: payload})

	if len(s.All()) != 0 {
		t.Fatal("snapshot tagged with own origin was applied")
	}
}

func TestSyncer_FullReplace(t *testing.T) {
	bus := NewLocalBus()
	a := newWindowStore("a")
	b := newWindowStore("b")
	NewSyncer(a, bus, "win-a", nil).Start()
	NewSyncer(b, bus, "win-b", nil).Start()

	x, _ := a.Register(store.RegisterConfig{TerminalType: "bash"})
	y, _ := a.Register(store.RegisterConfig{TerminalType: "bash"})
	if _, err := b.Transition(y.ID, domain.StatusActive, domain.TransitionOpts{WindowID: "win-b", AgentID: "ag"}); err != nil {
		t.Fatalf("Transition in b: %v", err)
	}
	if got, _ := a.Get(y.ID); got.Status != domain.StatusActive || got.WindowID != "win-b" {
		t.Fatalf("window a did not see b's claim: %+v", got)
	}

	a.Remove(x.ID)
	if _, ok := b.Get(x.ID); ok {
		t.Fatal("removal did not replicate")
	}
	if len(a.All()) != 1 || len(b.All()) != 1 {
		t.Fatalf("stores diverged: a=%d b=%d", len(a.All()), len(b.All()))
	}
}

func TestSyncer_IgnoresOtherStores(t *testing.T) {
	bus := NewLocalBus()
	s := newWindowStore("a")
	syncer := NewSyncer(s, bus, "win-a", nil)
	syncer.Start()

	other := store.New("scratch")
	if _, err := other.Register(store.RegisterConfig{TerminalType: "bash"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	payload, _ := json.Marshal(other.Export())
	_ = bus.Publish(context.Background(), Message{Topic: syncer.topic, Origin: "win-z", Payload: payload})
	if len(s.All()) != 0 {
		t.Fatal("snapshot for another store was applied")
	}
}

func TestSyncer_StopDetaches(t *testing.T) {
	bus := &countingBus{LocalBus: NewLocalBus()}
	s := newWindowStore("a")
	syncer := NewSyncer(s, bus, "win-a", nil)
	syncer.Start()
	syncer.Stop()

	if _, err := s.Register(store.RegisterConfig{TerminalType: "bash"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(bus.published) != 0 {
		t.Fatal("stopped syncer still publishes")
	}
}

// flakyBus drops publishes while down and runs its connect hooks when it
// comes back, like RelayBus.
type flakyBus struct {
	*LocalBus
	down  bool
	hooks []func()
}

func (b *flakyBus) Publish(ctx context.Context, msg Message) error {
	if b.down {
		return ErrRelayDisconnected
	}
	return b.LocalBus.Publish(ctx, msg)
}

func (b *flakyBus) OnConnect(fn func()) { b.hooks = append(b.hooks, fn) }

func (b *flakyBus) reconnect() {
	b.down = false
	for _, fn := range b.hooks {
		fn()
	}
}

func TestSyncer_RepublishesChangesLostWhileDisconnected(t *testing.T) {
	shared := NewLocalBus()
	busA := &flakyBus{LocalBus: shared}
	a := newWindowStore("a")
	b := newWindowStore("b")
	syncA := NewSyncer(a, busA, "win-a", nil)
	syncB := NewSyncer(b, shared, "win-b", nil)
	syncA.Start()
	syncB.Start()
	defer syncA.Stop()
	defer syncB.Stop()

	busA.reconnect()
	if syncB.Applied() != 0 {
		t.Fatal("reconnect without lost changes republished state")
	}

	busA.down = true
	term, err := a.Register(store.RegisterConfig{TerminalType: "bash"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := b.Get(term.ID); ok {
		t.Fatal("change crossed a disconnected bus")
	}

	busA.reconnect()
	if _, ok := b.Get(term.ID); !ok {
		t.Fatal("change made while disconnected was not republished on reconnect")
	}

	busA.reconnect()
	if syncB.Applied() != 1 {
		t.Fatalf("window b applied %d snapshots, want 1", syncB.Applied())
	}
}

func TestSyncer_ConcurrentCommitsDoNotDeadlock(t *testing.T) {
	bus := NewLocalBus()
	a := newWindowStore("a")
	b := newWindowStore("b")
	syncA := NewSyncer(a, bus, "win-a", nil)
	syncB := NewSyncer(b, bus, "win-b", nil)
	syncA.Start()
	syncB.Start()
	defer syncA.Stop()
	defer syncB.Stop()

	var wg sync.WaitGroup
	for _, s := range []*store.Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				if _, err := s.Register(store.RegisterConfig{TerminalType: "bash"}); err != nil {
					t.Errorf("Register: %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent commits on synced stores never finished")
	}
}
