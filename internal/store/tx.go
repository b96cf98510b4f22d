package store

import (
	"fmt"
	"math"

	"github.com/ricochet1k/termtabs/internal/domain"
)

// Tx is a staged set of edits. Reads see the staged state; nothing reaches
// the store until Mutate commits.
type Tx struct {
	s        *Store
	staged   map[string]*domain.Terminal
	added    []string
	counters map[domain.TerminalType]int
}

func newTx(s *Store) *Tx {
	counters := make(map[domain.TerminalType]int, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	return &Tx{
		s:        s,
		staged:   make(map[string]*domain.Terminal),
		counters: counters,
	}
}

func (tx *Tx) dirty() bool {
	return len(tx.staged) > 0
}

func (tx *Tx) lookup(id string) (*domain.Terminal, bool) {
	if t, ok := tx.staged[id]; ok {
		return t, t != nil
	}
	t, ok := tx.s.terminals[id]
	return t, ok
}

func (tx *Tx) edit(id string) (*domain.Terminal, bool) {
	if t, ok := tx.staged[id]; ok {
		return t, t != nil
	}
	t, ok := tx.s.terminals[id]
	if !ok {
		return nil, false
	}
	c := t.Clone()
	tx.staged[id] = &c
	return &c, true
}

func (tx *Tx) Get(id string) (domain.Terminal, bool) {
	t, ok := tx.lookup(id)
	if !ok {
		return domain.Terminal{}, false
	}
	return t.Clone(), true
}

// All returns the staged view in insertion order.
func (tx *Tx) All() []domain.Terminal {
	out := make([]domain.Terminal, 0, len(tx.s.order)+len(tx.added))
	for _, id := range tx.s.order {
		if t, ok := tx.lookup(id); ok {
			out = append(out, t.Clone())
		}
	}
	for _, id := range tx.added {
		if t, ok := tx.lookup(id); ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (tx *Tx) Register(cfg RegisterConfig) (domain.Terminal, error) {
	termType := normalizeType(cfg.TerminalType)
	if termType == "" {
		return domain.Terminal{}, ErrUnknownTerminalType
	}
	id := cfg.ID
	if id == "" {
		id = tx.s.newID()
	}
	if _, exists := tx.lookup(id); exists {
		return domain.Terminal{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	name := cfg.Name
	if name == "" {
		name = tx.s.nextName(termType, tx.counters)
	}
	term := domain.NewTerminal(id, name, termType)
	now := tx.s.now()
	term.CreatedAt = now
	term.LastActiveAt = now
	term.Platform = cfg.Platform
	term.WorkingDir = cfg.WorkingDir
	term.WindowID = cfg.WindowID

	tx.staged[id] = term
	tx.added = append(tx.added, id)
	return term.Clone(), nil
}

// Insert adds a fully formed terminal, e.g. one adopted from a live backend
// session. The id must be new.
func (tx *Tx) Insert(term domain.Terminal) error {
	if term.ID == "" {
		return domain.ErrMissingID
	}
	if _, exists := tx.lookup(term.ID); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, term.ID)
	}
	c := term.Clone()
	tx.staged[term.ID] = &c
	tx.added = append(tx.added, term.ID)
	return nil
}

func (tx *Tx) Update(id string, patch Patch) bool {
	t, ok := tx.edit(id)
	if !ok {
		return false
	}
	applyPatch(t, patch)
	return true
}

// SetLayout replaces a terminal's split layout; nil clears it.
func (tx *Tx) SetLayout(id string, layout *domain.SplitLayout) bool {
	t, ok := tx.edit(id)
	if !ok {
		return false
	}
	t.SplitLayout = layout.Clone()
	if t.SplitLayout != nil {
		for i := range t.SplitLayout.Panes {
			t.SplitLayout.Panes[i].Position = domain.PositionFor(t.SplitLayout.Type, i)
		}
	}
	return true
}

// Remove deletes a terminal. A split showing it as a pane collapses; the
// container and its other pane survive.
func (tx *Tx) Remove(id string) bool {
	if _, ok := tx.lookup(id); !ok {
		return false
	}
	tx.staged[id] = nil
	tx.dropReferences(id)
	return true
}

func (tx *Tx) dropReferences(id string) {
	for cid, t := range tx.view() {
		if cid == id || t.SplitLayout.PaneFor(id) < 0 {
			continue
		}
		if c, ok := tx.edit(cid); ok {
			c.SplitLayout = nil
		}
	}
}

func (tx *Tx) Transition(id string, to domain.Status, opts domain.TransitionOpts) (domain.Terminal, error) {
	t, ok := tx.lookup(id)
	if !ok {
		return domain.Terminal{}, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	next := t.Clone()
	if err := domain.ApplyTransition(&next, to, opts); err != nil {
		return domain.Terminal{}, err
	}
	next.LastActiveAt = tx.s.now()
	if to == domain.StatusClosed {
		next.SplitLayout = nil
	}
	tx.staged[id] = &next
	if to == domain.StatusClosed {
		tx.dropReferences(id)
	}
	return next.Clone(), nil
}

// ContainerOf reports the container showing terminalID as a pane of
// another terminal's split, in the staged view.
func (tx *Tx) ContainerOf(terminalID string) (string, bool) {
	container, ok := paneMembers(tx.view())[terminalID]
	if !ok || container == terminalID {
		return "", false
	}
	return container, true
}

func (tx *Tx) view() map[string]*domain.Terminal {
	out := make(map[string]*domain.Terminal, len(tx.s.terminals)+len(tx.added))
	for id, t := range tx.s.terminals {
		out[id] = t
	}
	for id, t := range tx.staged {
		if t == nil {
			delete(out, id)
			continue
		}
		out[id] = t
	}
	return out
}

// check verifies the staged view before commit. Every edited record must
// satisfy its status constraints. Splits need two panes summing to 100,
// each resolving to a live leaf terminal that no other container shows.
func (tx *Tx) check() error {
	for _, t := range tx.staged {
		if t == nil {
			continue
		}
		if err := domain.CheckStatusInvariant(t); err != nil {
			return err
		}
	}
	view := tx.view()
	owner := make(map[string]string)
	for id, t := range view {
		if t.SplitLayout == nil {
			continue
		}
		l := t.SplitLayout
		if !l.Type.Valid() {
			return fmt.Errorf("%w: %s has split type %q", ErrLayoutInvariant, id, l.Type)
		}
		if l.Type == domain.SplitSingle {
			if len(l.Panes) > 1 {
				return fmt.Errorf("%w: single layout %s has %d panes", ErrLayoutInvariant, id, len(l.Panes))
			}
			continue
		}
		if len(l.Panes) != 2 {
			return fmt.Errorf("%w: %s has %d panes", ErrLayoutInvariant, id, len(l.Panes))
		}
		total := 0.0
		for _, p := range l.Panes {
			total += p.Size
			member, ok := view[p.TerminalID]
			if !ok || member.Status == domain.StatusClosed {
				return fmt.Errorf("%w: pane %s of %s references missing terminal %s", ErrLayoutInvariant, p.ID, id, p.TerminalID)
			}
			if p.TerminalID != id && member.IsContainer() {
				return fmt.Errorf("%w: pane %s of %s is itself split", ErrLayoutInvariant, p.ID, id)
			}
			if prev, dup := owner[p.TerminalID]; dup {
				return fmt.Errorf("%w: terminal %s is a pane of both %s and %s", ErrLayoutInvariant, p.TerminalID, prev, id)
			}
			owner[p.TerminalID] = id
		}
		if math.Abs(total-100) > 0.01 {
			return fmt.Errorf("%w: panes of %s sum to %v", ErrLayoutInvariant, id, total)
		}
	}
	return nil
}

func (tx *Tx) commit() {
	s := tx.s
	isNew := make(map[string]bool, len(tx.added))
	for _, id := range tx.added {
		isNew[id] = true
	}

	removed := false
	for id, t := range tx.staged {
		if t == nil {
			if _, ok := s.terminals[id]; ok {
				delete(s.terminals, id)
				removed = true
			}
			continue
		}
		s.terminals[id] = t
	}
	if removed {
		order := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.terminals[id]; ok {
				order = append(order, id)
			}
		}
		s.order = order
	}
	for _, id := range tx.added {
		if _, ok := s.terminals[id]; ok && isNew[id] {
			s.order = append(s.order, id)
		}
	}
	s.counters = tx.counters
}

func applyPatch(t *domain.Terminal, p Patch) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Platform != nil {
		t.Platform = *p.Platform
	}
	if p.WorkingDir != nil {
		t.WorkingDir = *p.WorkingDir
	}
	if p.SessionName != nil {
		t.SessionName = *p.SessionName
	}
	if p.AgentID != nil {
		t.AgentID = *p.AgentID
	}
	if p.LastAgentID != nil {
		t.LastAgentID = *p.LastAgentID
	}
	if p.WindowID != nil {
		t.WindowID = *p.WindowID
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ErrorMessage != nil {
		t.ErrorMessage = *p.ErrorMessage
	}
	if p.LastActiveAt != nil {
		t.LastActiveAt = *p.LastActiveAt
	}
	if p.ClearSplit {
		t.SplitLayout = nil
	}
	if p.SplitLayout != nil {
		t.SplitLayout = p.SplitLayout.Clone()
	}
}
