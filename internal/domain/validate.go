package domain

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	MinPaneSize = 10.0
	MaxPaneSize = 100.0 - MinPaneSize

	MaxNameLength       = 128
	MaxWorkingDirLength = 4096

	sizeEpsilon = 0.01
)

var (
	ErrMissingID       = errors.New("missing id")
	ErrMissingType     = errors.New("missing terminal type")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidSplit    = errors.New("invalid split layout")
	ErrInvalidPane     = errors.New("invalid pane")
	ErrStatusInvariant = errors.New("status invariant violated")
)

// Verdict is the outcome of validating a restored record.
type Verdict int

const (
	Accept Verdict = iota
	Clamp
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Clamp:
		return "clamp"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ValidatePane checks a single pane record. Out-of-range sizes are clamped
// in place; a pane without identity or geometry is rejected.
func ValidatePane(p *Pane) (Verdict, error) {
	if p.ID == "" {
		return Reject, fmt.Errorf("%w: missing pane id", ErrInvalidPane)
	}
	if p.TerminalID == "" {
		return Reject, fmt.Errorf("%w %s: missing terminal id", ErrInvalidPane, p.ID)
	}
	if math.IsNaN(p.Size) || math.IsInf(p.Size, 0) || p.Size <= 0 {
		return Reject, fmt.Errorf("%w %s: missing or non-positive size", ErrInvalidPane, p.ID)
	}
	if p.Size < MinPaneSize || p.Size > MaxPaneSize {
		p.Size = ClampPaneSize(p.Size)
		return Clamp, nil
	}
	return Accept, nil
}

// ValidateLayout checks a split layout, renormalizing pane sizes when they
// do not sum to 100. Positions are always rederived from the split type.
func ValidateLayout(l *SplitLayout) (Verdict, error) {
	if l == nil {
		return Accept, nil
	}
	if !l.Type.Valid() {
		return Reject, fmt.Errorf("%w: unknown type %q", ErrInvalidSplit, l.Type)
	}
	if l.Type == SplitSingle {
		if len(l.Panes) > 1 {
			return Reject, fmt.Errorf("%w: single layout with %d panes", ErrInvalidSplit, len(l.Panes))
		}
		return Accept, nil
	}
	if len(l.Panes) != 2 {
		return Reject, fmt.Errorf("%w: %s layout needs 2 panes, has %d", ErrInvalidSplit, l.Type, len(l.Panes))
	}
	if l.Panes[0].TerminalID == l.Panes[1].TerminalID {
		return Reject, fmt.Errorf("%w: both panes reference %s", ErrInvalidSplit, l.Panes[0].TerminalID)
	}

	verdict := Accept
	for i := range l.Panes {
		v, err := ValidatePane(&l.Panes[i])
		if err != nil {
			return Reject, err
		}
		if v == Clamp {
			verdict = Clamp
		}
		if pos := PositionFor(l.Type, i); l.Panes[i].Position != pos {
			l.Panes[i].Position = pos
		}
	}
	if math.Abs(l.Panes[0].Size+l.Panes[1].Size-100) > sizeEpsilon {
		first := ClampPaneSize(l.Panes[0].Size * 100 / (l.Panes[0].Size + l.Panes[1].Size))
		l.Panes[0].Size = first
		l.Panes[1].Size = 100 - first
		verdict = Clamp
	}
	return verdict, nil
}

// ValidateTerminal checks a restored terminal record. Oversized strings are
// truncated and pane sizes clamped. Identifiers that contradict the status
// are cleared. Structural damage rejects the record.
// A damaged split layout is dropped on its own so the terminal survives as
// a plain tab.
func ValidateTerminal(t *Terminal) (Verdict, error) {
	if t.ID == "" {
		return Reject, ErrMissingID
	}
	if t.TerminalType == "" {
		return Reject, fmt.Errorf("%w: terminal %s", ErrMissingType, t.ID)
	}
	if !t.Status.Valid() {
		return Reject, fmt.Errorf("%w: terminal %s: %q", ErrInvalidStatus, t.ID, t.Status)
	}

	verdict := Accept
	if len(t.Name) > MaxNameLength {
		t.Name = truncate(t.Name, MaxNameLength)
		verdict = Clamp
	}
	if len(t.WorkingDir) > MaxWorkingDirLength {
		t.WorkingDir = truncate(t.WorkingDir, MaxWorkingDirLength)
		verdict = Clamp
	}
	if repairStatusFields(t) {
		verdict = Clamp
	}
	if t.SplitLayout != nil {
		v, err := ValidateLayout(t.SplitLayout)
		switch {
		case err != nil:
			t.SplitLayout = nil
			verdict = Clamp
		case v == Clamp:
			verdict = Clamp
		}
	}
	return verdict, nil
}

// repairStatusFields brings the identifiers of a restored record in line
// with its status. An active record that lost its agent id is offline.
func repairStatusFields(t *Terminal) bool {
	repaired := false
	if t.Status == StatusActive && t.AgentID == "" {
		t.Status = StatusOffline
		repaired = true
	}
	switch t.Status {
	case StatusDetached:
		if t.AgentID != "" || t.WindowID != "" {
			if t.AgentID != "" {
				t.LastAgentID = t.AgentID
			}
			t.AgentID = ""
			t.WindowID = ""
			repaired = true
		}
	case StatusOffline, StatusError, StatusClosed:
		if t.AgentID != "" {
			t.LastAgentID = t.AgentID
			t.AgentID = ""
			repaired = true
		}
	}
	return repaired
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// CheckStatusInvariant verifies the field constraints tied to each status.
func CheckStatusInvariant(t *Terminal) error {
	switch t.Status {
	case StatusActive:
		if t.AgentID == "" {
			return fmt.Errorf("%w: active terminal %s without agent id", ErrStatusInvariant, t.ID)
		}
	case StatusDetached:
		if t.AgentID != "" || t.WindowID != "" {
			return fmt.Errorf("%w: detached terminal %s still attached", ErrStatusInvariant, t.ID)
		}
	case StatusOffline, StatusError, StatusClosed, StatusSpawning:
		if t.AgentID != "" && t.Status != StatusSpawning {
			return fmt.Errorf("%w: %s terminal %s has agent id", ErrStatusInvariant, t.Status, t.ID)
		}
	}
	return nil
}

// ClampPaneSize bounds a pane size so both panes of a split stay usable.
func ClampPaneSize(size float64) float64 {
	if size < MinPaneSize {
		return MinPaneSize
	}
	if size > MaxPaneSize {
		return MaxPaneSize
	}
	return size
}
