package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func NewInvalidTransitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var validTransitions = map[Status][]Status{
	StatusSpawning: {StatusActive, StatusError, StatusClosed},
	// active -> active is an ownership handoff to another window.
	StatusActive:   {StatusActive, StatusDetached, StatusOffline, StatusError, StatusClosed},
	StatusDetached: {StatusActive, StatusClosed},
	StatusOffline:  {StatusActive, StatusDetached, StatusClosed},
	StatusError:    {StatusClosed},
}

func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOpts carries the side-effect inputs of a status change.
type TransitionOpts struct {
	// WindowID is the window claiming the terminal when it becomes active.
	WindowID string
	// AgentID identifies the live stream; required when becoming active.
	AgentID     string
	SessionName string
	Reason      string
}

var ErrMissingAgentID = errors.New("active terminal requires an agent id")

// ApplyTransition moves t to the target status and applies the field side
// effects of that edge. t is left untouched on error.
func ApplyTransition(t *Terminal, to Status, opts TransitionOpts) error {
	if !CanTransition(t.Status, to) {
		return NewInvalidTransitionError(t.Status, to)
	}
	if to == StatusActive && opts.AgentID == "" {
		return ErrMissingAgentID
	}

	switch to {
	case StatusActive:
		t.AgentID = opts.AgentID
		t.LastAgentID = opts.AgentID
		t.WindowID = opts.WindowID
		if opts.SessionName != "" {
			t.SessionName = opts.SessionName
		}
		t.ErrorMessage = ""
	case StatusDetached:
		if t.AgentID != "" {
			t.LastAgentID = t.AgentID
		}
		t.AgentID = ""
		t.WindowID = ""
	case StatusOffline:
		if t.AgentID != "" {
			t.LastAgentID = t.AgentID
		}
		t.AgentID = ""
	case StatusError:
		t.AgentID = ""
		t.ErrorMessage = opts.Reason
	case StatusClosed:
		t.AgentID = ""
		t.WindowID = ""
	}
	t.Status = to
	return nil
}
