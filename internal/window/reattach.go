package window

import (
	"context"
	"fmt"
	"time"

	"github.com/ricochet1k/termtabs/internal/domain"
	"github.com/ricochet1k/termtabs/internal/store"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

// ReattachReport counts what one reattach pass did.
type ReattachReport struct {
	Reconnecting int
	Orphaned     int
	Removed      int
	Duplicates   int
	Adopted      int
	LeftAlone    int
	Failed       int
}

// Reattach reconciles the store with the server's live sessions. Run calls
// it after every connect, once stale claims have been marked offline.
// Restored records are only candidates: each is matched to a live session,
// then reconnected, handed back to detached, or dropped. Records the user
// detached stay detached.
func (w *Window) Reattach(ctx context.Context) (ReattachReport, error) {
	w.mu.Lock()
	gen := w.gen
	w.mu.Unlock()
	return w.reattach(ctx, gen)
}

// reattach runs one pass for connection gen. Spawn requests sent on gen
// are still in flight and left to their confirmation.
func (w *Window) reattach(ctx context.Context, gen uint64) (ReattachReport, error) {
	var report ReattachReport

	sessions, err := w.Sessions(ctx)
	if err != nil {
		return report, fmt.Errorf("reattach: %w", err)
	}
	byID := make(map[string]protocol.SessionInfo, len(sessions))
	byName := make(map[string]protocol.SessionInfo, len(sessions))
	for _, s := range sessions {
		byID[s.TerminalID] = s
		byName[s.SessionName] = s
	}

	var toReconnect []string
	now := w.now()
	err = w.store.Mutate(func(tx *store.Tx) error {
		// Best record per live session, by most recent activity.
		claimed := make(map[string]domain.Terminal)
		var gone []string
		for _, t := range tx.All() {
			if t.Status == domain.StatusSpawning {
				if !w.spawnLost(t, gen) {
					continue
				}
				if s, ok := byID[t.ID]; ok {
					name := s.SessionName
					tx.Update(t.ID, store.Patch{SessionName: &name})
					toReconnect = append(toReconnect, t.ID)
					continue
				}
				if _, err := tx.Transition(t.ID, domain.StatusError, domain.TransitionOpts{Reason: "spawn lost with transport"}); err != nil {
					return err
				}
				w.spawnSettled(t.ID)
				report.Failed++
				continue
			}
			if t.Status == domain.StatusError || t.Status == domain.StatusClosed {
				continue
			}
			// Confirmed by the server after the session list was taken.
			if t.Status == domain.StatusActive && t.WindowID == w.cfg.ID {
				continue
			}
			s, ok := byID[t.ID]
			if !ok && t.SessionName != "" {
				s, ok = byName[t.SessionName]
			}
			if !ok {
				if w.owns(t) || w.orphaned(t, now) {
					gone = append(gone, t.ID)
				} else {
					report.LeftAlone++
				}
				continue
			}
			prev, dup := claimed[s.SessionName]
			switch {
			case !dup:
				claimed[s.SessionName] = t
			case t.LastActiveAt.After(prev.LastActiveAt):
				gone = append(gone, prev.ID)
				claimed[s.SessionName] = t
				report.Duplicates++
			default:
				gone = append(gone, t.ID)
				report.Duplicates++
			}
		}

		for _, id := range gone {
			if tx.Remove(id) {
				report.Removed++
			}
		}

		for name, t := range claimed {
			if t.SessionName != name {
				tx.Update(t.ID, store.Patch{SessionName: &name})
			}
			switch {
			case w.owns(t):
				toReconnect = append(toReconnect, t.ID)
			case t.Status == domain.StatusDetached:
				report.LeftAlone++
			case w.orphaned(t, now):
				if _, err := tx.Transition(t.ID, domain.StatusDetached, domain.TransitionOpts{}); err != nil {
					return err
				}
				report.Orphaned++
			default:
				report.LeftAlone++
			}
		}

		known := make(map[string]bool, len(claimed))
		for name := range claimed {
			known[name] = true
		}
		for _, id := range toReconnect {
			if t, ok := tx.Get(id); ok {
				known[t.SessionName] = true
			}
		}
		for _, s := range sessions {
			if known[s.SessionName] {
				continue
			}
			if _, exists := tx.Get(s.TerminalID); exists {
				continue
			}
			if err := adopt(tx, s); err != nil {
				return err
			}
			report.Adopted++
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("reattach: %w", err)
	}

	for _, id := range toReconnect {
		if err := w.Reconnect(ctx, id); err != nil {
			w.logger.Warn("reconnect during reattach", "terminal", id, "error", err)
			continue
		}
		report.Reconnecting++
	}
	w.logger.Info("reattach complete",
		"reconnecting", report.Reconnecting,
		"orphaned", report.Orphaned,
		"removed", report.Removed,
		"duplicates", report.Duplicates,
		"adopted", report.Adopted,
		"left_alone", report.LeftAlone,
		"failed", report.Failed,
	)
	return report, nil
}

// owns reports whether reattach may reconnect t from this window. Detached
// records wait for an explicit Reconnect.
func (w *Window) owns(t domain.Terminal) bool {
	if t.Status == domain.StatusDetached {
		return false
	}
	return t.WindowID == "" || t.WindowID == w.cfg.ID
}

// spawnLost reports whether t is this window's spawn whose request went
// out on an earlier connection, or never went out at all.
func (w *Window) spawnLost(t domain.Terminal, gen uint64) bool {
	if t.WindowID != "" && t.WindowID != w.cfg.ID {
		return false
	}
	sent, ok := w.spawnedOn(t.ID)
	return !ok || sent != gen
}

// orphaned reports whether t belongs to a window that has been silent for
// longer than the orphan TTL.
func (w *Window) orphaned(t domain.Terminal, now time.Time) bool {
	return w.cfg.OrphanTTL > 0 && now.Sub(t.LastActiveAt) > w.cfg.OrphanTTL
}

// adopt records a live session nobody in the store knows about as a
// detached terminal any window can claim.
func adopt(tx *store.Tx, s protocol.SessionInfo) error {
	termType := domain.TerminalType(s.TerminalType)
	if termType == "" {
		termType = "shell"
	}
	term, err := tx.Register(store.RegisterConfig{
		ID:           s.TerminalID,
		TerminalType: termType,
		WorkingDir:   s.WorkingDir,
	})
	if err != nil {
		return fmt.Errorf("adopt %s: %w", s.SessionName, err)
	}
	detached := domain.StatusDetached
	name := s.SessionName
	tx.Update(term.ID, store.Patch{Status: &detached, SessionName: &name})
	return nil
}
