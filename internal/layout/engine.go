// Package layout implements structural edits on split containers. Every edit
// runs as one store mutation, so a container never holds a dangling pane.
package layout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/store"
)

var (
	ErrNestedSplit   = errors.New("nested splits are not supported")
	ErrAlreadySplit  = errors.New("terminal is already split")
	ErrNotContainer  = errors.New("terminal is not a split container")
	ErrPaneNotFound  = errors.New("pane not found")
	ErrSelfMerge     = errors.New("cannot merge a terminal with itself")
	ErrInvalidAxis   = errors.New("split axis must be vertical or horizontal")
	ErrSpawnRejected = errors.New("spawn request rejected")
)

// Spawner asks the backend to start a session for a freshly registered
// terminal. Confirmation arrives asynchronously.
type Spawner interface {
	Spawn(ctx context.Context, term domain.Terminal) error
}

// SessionCloser asks the backend to kill a terminal's session.
type SessionCloser interface {
	CloseSession(ctx context.Context, term domain.Terminal) error
}

type Engine struct {
	store   *store.Store
	spawner Spawner
	closer  SessionCloser
	logger  *slog.Logger

	newPaneID func() string
}

func NewEngine(s *store.Store, spawner Spawner, closer SessionCloser, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		spawner:   spawner,
		closer:    closer,
		logger:    logger,
		newPaneID: uuid.NewString,
	}
}

// MergeResult describes the outcome of a drop.
type MergeResult struct {
	Container domain.Terminal
	// Reordered is set for center drops, which only reorder tabs and leave
	// the store untouched.
	Reordered bool
}

func (e *Engine) twoPane(axis domain.SplitType, first, second string) *domain.SplitLayout {
	return &domain.SplitLayout{
		Type: axis,
		Panes: []domain.Pane{
			{ID: e.newPaneID(), TerminalID: first, Size: 50, Position: domain.PositionFor(axis, 0)},
			{ID: e.newPaneID(), TerminalID: second, Size: 50, Position: domain.PositionFor(axis, 1)},
		},
	}
}

// Split registers a new terminal next to source and turns source into a
// 50/50 container along axis. An empty terminalType reuses the source's. The
// new terminal inherits the source's working directory. If the spawn
// request cannot be sent the edit is undone.
func (e *Engine) Split(ctx context.Context, sourceID string, axis domain.SplitType, terminalType domain.TerminalType) (domain.Terminal, error) {
	if axis != domain.SplitVertical && axis != domain.SplitHorizontal {
		return domain.Terminal{}, fmt.Errorf("%w: %q", ErrInvalidAxis, axis)
	}

	var created domain.Terminal
	err := e.store.Mutate(func(tx *store.Tx) error {
		source, ok := tx.Get(sourceID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrTerminalNotFound, sourceID)
		}
		if source.IsContainer() {
			return fmt.Errorf("%w: %s", ErrAlreadySplit, sourceID)
		}
		if container, nested := tx.ContainerOf(sourceID); nested {
			return fmt.Errorf("%w: %s is a pane of %s", ErrNestedSplit, sourceID, container)
		}

		termType := terminalType
		if termType == "" {
			termType = source.TerminalType
		}
		term, err := tx.Register(store.RegisterConfig{
			TerminalType: termType,
			Platform:     source.Platform,
			WorkingDir:   source.WorkingDir,
			WindowID:     source.WindowID,
		})
		if err != nil {
			return err
		}
		tx.SetLayout(sourceID, e.twoPane(axis, sourceID, term.ID))
		created = term
		return nil
	})
	if err != nil {
		return domain.Terminal{}, err
	}

	if err := e.spawner.Spawn(ctx, created); err != nil {
		undo := e.store.Mutate(func(tx *store.Tx) error {
			tx.Remove(created.ID)
			return nil
		})
		if undo != nil {
			e.logger.Error("split rollback failed", "source", sourceID, "terminal", created.ID, "error", undo)
		}
		return domain.Terminal{}, fmt.Errorf("%w: %w", ErrSpawnRejected, err)
	}
	e.logger.Debug("split", "source", sourceID, "terminal", created.ID, "axis", axis)
	return created, nil
}

// Merge drops dragged onto target. Edge zones turn target into a 50/50
// container holding both terminals, with dragged on the side of the zone.
// A dragged terminal that is already a pane elsewhere is popped out first,
// in the same edit.
func (e *Engine) Merge(draggedID, targetID string, zone Zone) (MergeResult, error) {
	axis := zone.Axis()
	if axis == domain.SplitSingle {
		return MergeResult{Reordered: true}, nil
	}
	if draggedID == targetID {
		return MergeResult{}, ErrSelfMerge
	}

	var result MergeResult
	err := e.store.Mutate(func(tx *store.Tx) error {
		dragged, ok := tx.Get(draggedID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrTerminalNotFound, draggedID)
		}
		if _, ok := tx.Get(targetID); !ok {
			return fmt.Errorf("%w: %s", store.ErrTerminalNotFound, targetID)
		}
		if dragged.IsContainer() {
			return fmt.Errorf("%w: dragged terminal %s is a container", ErrNestedSplit, draggedID)
		}
		if container, ok := tx.ContainerOf(draggedID); ok {
			collapse(tx, container)
		}

		target, _ := tx.Get(targetID)
		if container, nested := tx.ContainerOf(targetID); nested {
			return fmt.Errorf("%w: target %s is a pane of %s", ErrNestedSplit, targetID, container)
		}
		if target.IsContainer() {
			return fmt.Errorf("%w: %s", ErrAlreadySplit, targetID)
		}

		first, second := targetID, draggedID
		if zone.first() {
			first, second = draggedID, targetID
		}
		tx.SetLayout(targetID, e.twoPane(axis, first, second))
		result.Container, _ = tx.Get(targetID)
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// Resize sets a pane's size, clamped to [MinPaneSize, MaxPaneSize]. The
// sibling takes the remainder.
func (e *Engine) Resize(containerID, paneID string, size float64) (domain.SplitLayout, error) {
	if math.IsNaN(size) {
		return domain.SplitLayout{}, fmt.Errorf("%w: size is NaN", domain.ErrInvalidPane)
	}
	var out domain.SplitLayout
	err := e.store.Mutate(func(tx *store.Tx) error {
		container, ok := tx.Get(containerID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrTerminalNotFound, containerID)
		}
		if !container.IsContainer() {
			return fmt.Errorf("%w: %s", ErrNotContainer, containerID)
		}
		l := container.SplitLayout
		idx := -1
		for i, p := range l.Panes {
			if p.ID == paneID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s in %s", ErrPaneNotFound, paneID, containerID)
		}
		clamped := domain.ClampPaneSize(size)
		l.Panes[idx].Size = clamped
		l.Panes[1-idx].Size = 100 - clamped
		tx.SetLayout(containerID, l)
		out = *l.Clone()
		return nil
	})
	return out, err
}

// PopOut removes terminalID from the container's split. The container
// collapses back to a single tab and the popped terminal becomes a tab of
// its own. No session is touched.
func (e *Engine) PopOut(containerID, terminalID string) error {
	return e.store.Mutate(func(tx *store.Tx) error {
		if _, err := paneIndex(tx, containerID, terminalID); err != nil {
			return err
		}
		collapse(tx, containerID)
		return nil
	})
}

// ClosePane removes terminalID from the container and closes it: its
// session is killed and its record removed. Closing the container's own
// pane leaves the other pane's terminal as a tab.
func (e *Engine) ClosePane(ctx context.Context, containerID, terminalID string) error {
	var closed domain.Terminal
	err := e.store.Mutate(func(tx *store.Tx) error {
		if _, err := paneIndex(tx, containerID, terminalID); err != nil {
			return err
		}
		closed, _ = tx.Get(terminalID)
		collapse(tx, containerID)
		tx.Remove(terminalID)
		return nil
	})
	if err != nil {
		return err
	}
	if closed.SessionName == "" && closed.Status != domain.StatusSpawning {
		return nil
	}
	if err := e.closer.CloseSession(ctx, closed); err != nil {
		e.logger.Warn("close session failed", "terminal", closed.ID, "session", closed.SessionName, "error", err)
		return fmt.Errorf("close session %s: %w", closed.SessionName, err)
	}
	return nil
}

// Prune collapses every split whose panes no longer resolve to live
// terminals and reports how many containers changed.
func (e *Engine) Prune() (int, error) {
	pruned := 0
	err := e.store.Mutate(func(tx *store.Tx) error {
		for _, t := range tx.All() {
			if t.SplitLayout == nil {
				continue
			}
			if !t.IsContainer() || dangling(tx, t) {
				collapse(tx, t.ID)
				pruned++
			}
		}
		return nil
	})
	if pruned > 0 {
		e.logger.Debug("pruned dangling splits", "containers", pruned)
	}
	return pruned, err
}

func dangling(tx *store.Tx, container domain.Terminal) bool {
	for _, p := range container.SplitLayout.Panes {
		member, ok := tx.Get(p.TerminalID)
		if !ok || member.Status == domain.StatusClosed {
			return true
		}
	}
	return false
}

func paneIndex(tx *store.Tx, containerID, terminalID string) (int, error) {
	container, ok := tx.Get(containerID)
	if !ok {
		return -1, fmt.Errorf("%w: %s", store.ErrTerminalNotFound, containerID)
	}
	if !container.IsContainer() {
		return -1, fmt.Errorf("%w: %s", ErrNotContainer, containerID)
	}
	idx := container.SplitLayout.PaneFor(terminalID)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s in %s", ErrPaneNotFound, terminalID, containerID)
	}
	return idx, nil
}

// collapse returns a container to a single tab. Splits hold exactly two
// panes, so removing either one leaves nothing to split.
func collapse(tx *store.Tx, containerID string) {
	tx.SetLayout(containerID, nil)
}
