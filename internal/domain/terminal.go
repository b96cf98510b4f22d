package domain

import (
	"time"
)

// TerminalType selects the program a session runs (bash, claude-code, ...).
type TerminalType string

type Status string

const (
	StatusSpawning Status = "spawning"
	StatusActive   Status = "active"
	StatusDetached Status = "detached"
	StatusOffline  Status = "offline"
	StatusClosed   Status = "closed"
	StatusError    Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusActive, StatusDetached, StatusOffline, StatusClosed, StatusError:
		return true
	default:
		return false
	}
}

// Listed reports whether a terminal in this status belongs in the active
// listing. Offline and closed entries are soft-disabled; detached entries
// stay listed because they are claimable from any window.
func (s Status) Listed() bool {
	return s != StatusOffline && s != StatusClosed
}

type SplitType string

const (
	SplitSingle     SplitType = "single"
	SplitVertical   SplitType = "vertical"
	SplitHorizontal SplitType = "horizontal"
)

func (t SplitType) Valid() bool {
	switch t {
	case SplitSingle, SplitVertical, SplitHorizontal:
		return true
	default:
		return false
	}
}

type PanePosition string

const (
	PositionFull   PanePosition = "full"
	PositionLeft   PanePosition = "left"
	PositionRight  PanePosition = "right"
	PositionTop    PanePosition = "top"
	PositionBottom PanePosition = "bottom"
)

// PositionFor returns the position of the pane at index within a split of
// the given type.
func PositionFor(t SplitType, index int) PanePosition {
	switch t {
	case SplitVertical:
		if index == 0 {
			return PositionLeft
		}
		return PositionRight
	case SplitHorizontal:
		if index == 0 {
			return PositionTop
		}
		return PositionBottom
	default:
		return PositionFull
	}
}

type Pane struct {
	ID         string
	TerminalID string
	// Size is a percentage of the container along the split axis.
	Size     float64
	Position PanePosition
}

type SplitLayout struct {
	Type  SplitType
	Panes []Pane
}

// IsSplit reports whether the layout subdivides its container.
func (l *SplitLayout) IsSplit() bool {
	return l != nil && l.Type != SplitSingle && len(l.Panes) > 0
}

func (l *SplitLayout) Clone() *SplitLayout {
	if l == nil {
		return nil
	}
	out := &SplitLayout{Type: l.Type}
	if l.Panes != nil {
		out.Panes = append([]Pane(nil), l.Panes...)
	}
	return out
}

// PaneFor returns the index of the pane referencing terminalID, or -1.
func (l *SplitLayout) PaneFor(terminalID string) int {
	if l == nil {
		return -1
	}
	for i, p := range l.Panes {
		if p.TerminalID == terminalID {
			return i
		}
	}
	return -1
}

// Terminal is one shell or agent session, independent of where it is shown.
// Empty strings stand for undefined optional identifiers.
type Terminal struct {
	ID           string
	Name         string
	TerminalType TerminalType
	Platform     string
	WorkingDir   string
	SessionName  string
	AgentID      string
	LastAgentID  string
	WindowID     string
	Status       Status
	SplitLayout  *SplitLayout
	ErrorMessage string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func NewTerminal(id, name string, terminalType TerminalType) *Terminal {
	now := time.Now()
	return &Terminal{
		ID:           id,
		Name:         name,
		TerminalType: terminalType,
		Status:       StatusSpawning,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// IsContainer reports whether the terminal hosts a split.
func (t *Terminal) IsContainer() bool {
	return t != nil && t.SplitLayout.IsSplit()
}

// Clone returns a deep copy so callers never share layout slices with the
// store.
func (t Terminal) Clone() Terminal {
	t.SplitLayout = t.SplitLayout.Clone()
	return t
}
