package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ricochet1k/termtabs/internal/store"
)

// Persister saves a store after every commit. Bursts of commits coalesce
// into a single write of the latest snapshot.
type Persister struct {
	storage Storage
	logger  *slog.Logger

	mu      sync.Mutex
	pending *store.Snapshot
	wake    chan struct{}
	saved   chan struct{}
}

func NewPersister(storage Storage, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		storage: storage,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		saved:   make(chan struct{}, 1),
	}
}

// Attach registers the persister as an observer of s. Remote changes are
// saved too: the file holds whatever this window last saw.
func (p *Persister) Attach(s *store.Store) {
	s.OnChange(func(c store.Change) { p.enqueue(c.Snapshot) })
}

func (p *Persister) enqueue(snap store.Snapshot) {
	p.mu.Lock()
	p.pending = &snap
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Saved signals after each completed write. Used by tests.
func (p *Persister) Saved() <-chan struct{} {
	return p.saved
}

// Run writes pending snapshots until ctx is done, then flushes once more.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.wake:
			p.flush()
		}
	}
}

func (p *Persister) flush() {
	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()
	if snap == nil {
		return
	}
	if err := p.storage.Save(*snap); err != nil {
		p.logger.Warn("persist state", "store", snap.Store, "error", err)
		return
	}
	select {
	case p.saved <- struct{}{}:
	default:
	}
}
