package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ricochet1k/termtabs/internal/domain"
)

const SnapshotVersion = 1

// Snapshot is the serialized form of a store, shared by persistence and
// cross-window sync.
type Snapshot struct {
	Version   int              `json:"version"`
	Store     string           `json:"store"`
	Terminals []TerminalRecord `json:"terminals"`
	Counters  map[string]int   `json:"counters,omitempty"`
	SavedAt   time.Time        `json:"savedAt"`
}

type TerminalRecord struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	TerminalType string        `json:"terminalType"`
	Platform     string        `json:"platform,omitempty"`
	WorkingDir   string        `json:"workingDir,omitempty"`
	SessionName  string        `json:"sessionName,omitempty"`
	AgentID      string        `json:"agentId,omitempty"`
	LastAgentID  string        `json:"lastAgentId,omitempty"`
	WindowID     string        `json:"windowId,omitempty"`
	Status       string        `json:"status"`
	SplitLayout  *LayoutRecord `json:"splitLayout,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
}

type LayoutRecord struct {
	Type  string       `json:"type"`
	Panes []PaneRecord `json:"panes"`
}

type PaneRecord struct {
	ID         string  `json:"id"`
	TerminalID string  `json:"terminalId"`
	Size       float64 `json:"size"`
	Position   string  `json:"position,omitempty"`
}

// ImportOptions control how a persisted snapshot is normalized on load.
type ImportOptions struct {
	// WindowID is the reloading window. Its previously attached terminals
	// come back offline, awaiting reconnect.
	WindowID string
	// OrphanTTL detaches terminals owned by another window whose last
	// activity is older than this. Zero disables the sweep.
	OrphanTTL time.Duration
}

// ImportReport summarizes what happened to each restored record.
type ImportReport struct {
	Accepted   int
	Clamped    int
	Rejected   int
	Duplicates int
	Orphaned   int
	Offline    int
	Errors     []error
}

func recordFromTerminal(t *domain.Terminal) TerminalRecord {
	rec := TerminalRecord{
		ID:           t.ID,
		Name:         t.Name,
		TerminalType: string(t.TerminalType),
		Platform:     t.Platform,
		WorkingDir:   t.WorkingDir,
		SessionName:  t.SessionName,
		AgentID:      t.AgentID,
		LastAgentID:  t.LastAgentID,
		WindowID:     t.WindowID,
		Status:       string(t.Status),
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		LastActiveAt: t.LastActiveAt,
	}
	if t.SplitLayout != nil {
		lr := &LayoutRecord{Type: string(t.SplitLayout.Type)}
		for _, p := range t.SplitLayout.Panes {
			lr.Panes = append(lr.Panes, PaneRecord{
				ID:         p.ID,
				TerminalID: p.TerminalID,
				Size:       p.Size,
				Position:   string(p.Position),
			})
		}
		rec.SplitLayout = lr
	}
	return rec
}

func (r TerminalRecord) terminal() *domain.Terminal {
	t := &domain.Terminal{
		ID:           r.ID,
		Name:         r.Name,
		TerminalType: domain.TerminalType(r.TerminalType),
		Platform:     r.Platform,
		WorkingDir:   r.WorkingDir,
		SessionName:  r.SessionName,
		AgentID:      r.AgentID,
		LastAgentID:  r.LastAgentID,
		WindowID:     r.WindowID,
		Status:       domain.Status(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		LastActiveAt: r.LastActiveAt,
	}
	if r.SplitLayout != nil {
		l := &domain.SplitLayout{Type: domain.SplitType(r.SplitLayout.Type)}
		for _, p := range r.SplitLayout.Panes {
			l.Panes = append(l.Panes, domain.Pane{
				ID:         p.ID,
				TerminalID: p.TerminalID,
				Size:       p.Size,
				Position:   domain.PanePosition(p.Position),
			})
		}
		t.SplitLayout = l
	}
	return t
}

// Export returns the current state as a snapshot.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:   SnapshotVersion,
		Store:     s.name,
		Terminals: make([]TerminalRecord, 0, len(s.order)),
		Counters:  make(map[string]int, len(s.counters)),
		SavedAt:   s.now(),
	}
	for _, id := range s.order {
		snap.Terminals = append(snap.Terminals, recordFromTerminal(s.terminals[id]))
	}
	for t, n := range s.counters {
		snap.Counters[string(t)] = n
	}
	return snap
}

// Import replaces the store contents with a persisted snapshot. Every record
// is validated; stale runtime state from the previous page load is
// normalized so no terminal claims a live stream it no longer has.
func (s *Store) Import(snap Snapshot, opts ImportOptions) ImportReport {
	var report ImportReport
	terms, order := validateRecords(snap.Terminals, &report)

	now := s.now()
	for _, id := range order {
		t := terms[id]
		mine := t.WindowID == "" || t.WindowID == opts.WindowID
		switch {
		case t.Status == domain.StatusSpawning && mine && t.SessionName == "":
			t.Status = domain.StatusError
			t.AgentID = ""
			t.ErrorMessage = "spawn interrupted by reload"
		case mine && (t.Status == domain.StatusSpawning || t.Status == domain.StatusActive || t.Status == domain.StatusOffline):
			if t.AgentID != "" {
				t.LastAgentID = t.AgentID
			}
			t.AgentID = ""
			t.Status = domain.StatusOffline
			t.WindowID = opts.WindowID
			report.Offline++
		case !mine && opts.OrphanTTL > 0 && now.Sub(t.LastActiveAt) > opts.OrphanTTL:
			if t.AgentID != "" {
				t.LastAgentID = t.AgentID
			}
			t.AgentID = ""
			t.WindowID = ""
			if t.Status != domain.StatusClosed && t.Status != domain.StatusError {
				t.Status = domain.StatusDetached
			}
			report.Orphaned++
		}
	}
	sanitizeLayouts(terms, order, &report)

	counters := deriveCounters(terms, snap.Counters)
	s.install(terms, order, counters, false)
	return report
}

// Replace installs a snapshot published by a sibling window. Records are
// validated but runtime fields are taken as-is. Observers see the change
// with Remote set.
func (s *Store) Replace(snap Snapshot) ImportReport {
	var report ImportReport
	terms, order := validateRecords(snap.Terminals, &report)
	sanitizeLayouts(terms, order, &report)

	s.mu.RLock()
	counters := deriveCounters(terms, snap.Counters)
	for t, n := range s.counters {
		if n > counters[t] {
			counters[t] = n
		}
	}
	s.mu.RUnlock()

	s.install(terms, order, counters, true)
	return report
}

func (s *Store) install(terms map[string]*domain.Terminal, order []string, counters map[domain.TerminalType]int, remote bool) {
	s.mu.Lock()
	s.terminals = terms
	s.order = order
	s.counters = counters
	s.enqueueLocked(Change{Snapshot: s.snapshotLocked(), Remote: remote})
	s.mu.Unlock()

	s.dispatch()
}

// validateRecords converts records to terminals, dropping rejected ones and
// collapsing duplicate backend sessions onto the most recently active
// record.
func validateRecords(records []TerminalRecord, report *ImportReport) (map[string]*domain.Terminal, []string) {
	terms := make(map[string]*domain.Terminal, len(records))
	order := make([]string, 0, len(records))
	bySession := make(map[string]string)

	for _, rec := range records {
		t := rec.terminal()
		v, err := domain.ValidateTerminal(t)
		if v == domain.Reject {
			report.Rejected++
			report.Errors = append(report.Errors, err)
			continue
		}
		if _, dup := terms[t.ID]; dup {
			report.Rejected++
			report.Errors = append(report.Errors, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID))
			continue
		}
		if t.SessionName != "" {
			if prevID, dup := bySession[t.SessionName]; dup {
				report.Duplicates++
				if !t.LastActiveAt.After(terms[prevID].LastActiveAt) {
					continue
				}
				delete(terms, prevID)
				order = removeID(order, prevID)
			}
			bySession[t.SessionName] = t.ID
		}
		if v == domain.Clamp {
			report.Clamped++
		} else {
			report.Accepted++
		}
		terms[t.ID] = t
		order = append(order, t.ID)
	}
	return terms, order
}

// sanitizeLayouts drops any split layout whose panes no longer resolve to
// leaf terminals, or which claims a terminal another container already
// shows. The terminal itself survives as a single tab.
func sanitizeLayouts(terms map[string]*domain.Terminal, order []string, report *ImportReport) {
	for changed := true; changed; {
		changed = false
		owner := make(map[string]string)
		for _, id := range order {
			t := terms[id]
			if !t.IsContainer() {
				if t.SplitLayout != nil && t.SplitLayout.Type == domain.SplitSingle {
					t.SplitLayout = nil
				}
				continue
			}
			ok := true
			for _, p := range t.SplitLayout.Panes {
				member, exists := terms[p.TerminalID]
				if !exists || member.Status == domain.StatusClosed {
					ok = false
					break
				}
				if p.TerminalID != id && member.IsContainer() {
					ok = false
					break
				}
				if _, taken := owner[p.TerminalID]; taken {
					ok = false
					break
				}
			}
			if !ok {
				t.SplitLayout = nil
				report.Clamped++
				changed = true
				continue
			}
			for _, p := range t.SplitLayout.Panes {
				owner[p.TerminalID] = id
			}
		}
	}
}

// deriveCounters keeps persisted counters but never lets one fall below the
// highest "{type}-{n}" name present, so names are not reused.
func deriveCounters(terms map[string]*domain.Terminal, saved map[string]int) map[domain.TerminalType]int {
	counters := make(map[domain.TerminalType]int, len(saved))
	for t, n := range saved {
		counters[domain.TerminalType(t)] = n
	}
	for _, t := range terms {
		rest, ok := strings.CutPrefix(t.Name, string(t.TerminalType)+"-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > counters[t.TerminalType] {
			counters[t.TerminalType] = n
		}
	}
	return counters
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, o := range order {
		if o != id {
			out = append(out, o)
		}
	}
	return out
}
