// Package store holds the authoritative record of every terminal known to
// one application instance: identity, status, split layout membership and
// window assignment.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/termtabs/internal/domain"
)

var (
	ErrUnknownTerminalType = errors.New("terminal type required")
	ErrTerminalNotFound    = errors.New("terminal not found")
	ErrDuplicateID         = errors.New("duplicate terminal id")
	ErrLayoutInvariant     = errors.New("split layout invariant violated")
)

// RegisterConfig is the partial configuration accepted by Register.
type RegisterConfig struct {
	// ID is normally generated. Adopting a backend session passes the
	// backend's terminal id instead.
	ID           string
	TerminalType domain.TerminalType
	Name         string
	Platform     string
	WorkingDir   string
	// WindowID records the window that requested the terminal so it is
	// visible there while spawning.
	WindowID string
}

// Patch lists the fields Update may change. Nil fields are left alone.
// The terminal id is deliberately absent.
type Patch struct {
	Name         *string
	Platform     *string
	WorkingDir   *string
	SessionName  *string
	AgentID      *string
	LastAgentID  *string
	WindowID     *string
	Status       *domain.Status
	ErrorMessage *string
	LastActiveAt *time.Time
	// SplitLayout replaces the layout when non-nil; ClearSplit drops it.
	SplitLayout *domain.SplitLayout
	ClearSplit  bool
}

// Change is delivered to observers after every commit.
type Change struct {
	Snapshot Snapshot
	// Remote is set when the change came from Replace, i.e. from a sibling
	// window, and must not be rebroadcast.
	Remote bool
}

type Store struct {
	name string

	mu        sync.RWMutex
	terminals map[string]*domain.Terminal
	order     []string
	counters  map[domain.TerminalType]int
	observers []func(Change)

	// pending holds committed changes not yet delivered, in commit order.
	// One goroutine at a time drains it.
	notifyMu    sync.Mutex
	pending     []delivery
	dispatching bool

	newID func() string
	now   func() time.Time
}

type Option func(*Store)

// WithIDGenerator overrides terminal id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates an empty store. name keys its persisted and synchronized
// state.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:      name,
		terminals: make(map[string]*domain.Terminal),
		counters:  make(map[domain.TerminalType]int),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string {
	return s.name
}

// OnChange registers an observer. Observers see every commit in commit
// order, outside the store lock. They normally run on the committing
// goroutine; a commit made while another goroutine is still delivering is
// handed to that goroutine instead.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Register inserts a new terminal. Without an explicit name the terminal is
// called "{type}-{n}" where n counts registrations of that type and is
// never reused.
func (s *Store) Register(cfg RegisterConfig) (domain.Terminal, error) {
	var out domain.Terminal
	err := s.Mutate(func(tx *Tx) error {
		term, err := tx.Register(cfg)
		out = term
		return err
	})
	return out, err
}

func (s *Store) Get(id string) (domain.Terminal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	term, ok := s.terminals[id]
	if !ok {
		return domain.Terminal{}, false
	}
	return term.Clone(), true
}

// All returns every terminal in insertion order.
func (s *Store) All() []domain.Terminal {
	return s.filter(func(*domain.Terminal) bool { return true })
}

// Active returns terminals whose status is not soft-disabled. Detached
// terminals are included.
func (s *Store) Active() []domain.Terminal {
	return s.filter(func(t *domain.Terminal) bool { return t.Status.Listed() })
}

// VisibleTo returns terminals a window may display: detached ones
// everywhere, attached ones only in their own window.
func (s *Store) VisibleTo(windowID string) []domain.Terminal {
	return s.filter(func(t *domain.Terminal) bool {
		return t.Status != domain.StatusClosed && (t.WindowID == "" || t.WindowID == windowID)
	})
}

// Tabs returns the top-level tab list for a window: visible terminals that
// are not shown as a pane inside another terminal's split.
func (s *Store) Tabs(windowID string) []domain.Terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := paneMembers(s.terminals)
	out := make([]domain.Terminal, 0, len(s.order))
	for _, id := range s.order {
		t := s.terminals[id]
		if t.Status == domain.StatusClosed || (t.WindowID != "" && t.WindowID != windowID) {
			continue
		}
		if container, ok := members[id]; ok && container != id {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// ContainerOf returns the id of the container showing terminalID as a pane
// of someone else's split.
func (s *Store) ContainerOf(terminalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	container, ok := paneMembers(s.terminals)[terminalID]
	if !ok || container == terminalID {
		return "", false
	}
	return container, true
}

// Update merges patch into an existing terminal and reports whether the
// terminal existed.
func (s *Store) Update(id string, patch Patch) bool {
	found := false
	err := s.Mutate(func(tx *Tx) error {
		found = tx.Update(id, patch)
		return nil
	})
	return found && err == nil
}

// Remove deletes a terminal and reports whether it existed. Panes of a
// removed container are independent terminals and stay in the store; a
// split that showed the removed terminal collapses.
func (s *Store) Remove(id string) bool {
	found := false
	err := s.Mutate(func(tx *Tx) error {
		found = tx.Remove(id)
		return nil
	})
	return found && err == nil
}

// Transition applies a status change with its side effects.
func (s *Store) Transition(id string, to domain.Status, opts domain.TransitionOpts) (domain.Terminal, error) {
	var out domain.Terminal
	err := s.Mutate(func(tx *Tx) error {
		term, err := tx.Transition(id, to, opts)
		out = term
		return err
	})
	return out, err
}

func (s *Store) filter(keep func(*domain.Terminal) bool) []domain.Terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Terminal, 0, len(s.order))
	for _, id := range s.order {
		t := s.terminals[id]
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Mutate runs fn against a staged view of the store and commits its edits
// only if fn succeeds and the split layout invariants still hold.
func (s *Store) Mutate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := newTx(s)
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if !tx.dirty() {
		s.mu.Unlock()
		return nil
	}
	if err := tx.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	tx.commit()
	s.enqueueLocked(Change{Snapshot: s.snapshotLocked()})
	s.mu.Unlock()

	s.dispatch()
	return nil
}

type delivery struct {
	observers []func(Change)
	change    Change
}

// enqueueLocked queues change for the current observers. The caller holds
// s.mu, so the queue follows commit order.
func (s *Store) enqueueLocked(change Change) {
	if len(s.observers) == 0 {
		return
	}
	d := delivery{observers: append([]func(Change){}, s.observers...), change: change}
	s.notifyMu.Lock()
	s.pending = append(s.pending, d)
	s.notifyMu.Unlock()
}

// dispatch drains the pending queue unless another goroutine already is.
// Handing off instead of waiting lets an observer commit into a sibling
// store whose observers commit back into this one.
func (s *Store) dispatch() {
	s.notifyMu.Lock()
	if s.dispatching {
		s.notifyMu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.notifyMu.Unlock()
		for _, fn := range d.observers {
			fn(d.change)
		}
		s.notifyMu.Lock()
	}
	s.dispatching = false
	s.notifyMu.Unlock()
}

func (s *Store) nextName(t domain.TerminalType, counters map[domain.TerminalType]int) string {
	counters[t]++
	return fmt.Sprintf("%s-%d", t, counters[t])
}

// paneMembers maps every pane terminal id to the container listing it.
func paneMembers(terminals map[string]*domain.Terminal) map[string]string {
	members := make(map[string]string)
	for id, t := range terminals {
		if !t.IsContainer() {
			continue
		}
		for _, p := range t.SplitLayout.Panes {
			members[p.TerminalID] = id
		}
	}
	return members
}

func normalizeType(t domain.TerminalType) domain.TerminalType {
	return domain.TerminalType(strings.TrimSpace(string(t)))
}
