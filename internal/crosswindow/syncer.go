package crosswindow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ricochet1k/termtabs/internal/realtime"
	"github.com/ricochet1k/termtabs/internal/store"
)

const publishTimeout = 5 * time.Second

// Syncer binds a store to a bus: local commits are published, and snapshots
// from other origins replace the store without being republished.
//
// A bus that reports reconnects (RelayBus) gets a hook that republishes the
// current state when a change was lost while it was down.
type Syncer struct {
	store  *store.Store
	bus    Bus
	origin string
	topic  string
	logger *slog.Logger

	stopped     atomic.Bool
	unsubscribe func()
	// unsent is set while a local change failed to publish.
	unsent atomic.Bool

	published atomic.Int64
	applied   atomic.Int64
}

func NewSyncer(s *store.Store, bus Bus, origin string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:  s,
		bus:    bus,
		origin: origin,
		topic:  realtime.SyncTopic(s.Name()),
		logger: logger.With("component", "crosswindow", "origin", origin),
	}
}

type connectNotifier interface {
	OnConnect(fn func())
}

func (s *Syncer) Start() {
	s.store.OnChange(s.onChange)
	if cn, ok := s.bus.(connectNotifier); ok {
		cn.OnConnect(s.resync)
	}
	s.unsubscribe = s.bus.Subscribe(s.topic, s.onMessage)
}

func (s *Syncer) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Published and Applied count outbound and accepted inbound snapshots.
func (s *Syncer) Published() int64 { return s.published.Load() }
func (s *Syncer) Applied() int64   { return s.applied.Load() }

// Broadcast publishes the current state without a local change.
func (s *Syncer) Broadcast() {
	s.publish(s.store.Export())
}

// resync runs when the bus reconnects. Local edits made while it was down
// go out before the relay replays a sibling's older snapshot.
func (s *Syncer) resync() {
	if s.stopped.Load() || !s.unsent.Swap(false) {
		return
	}
	s.logger.Info("republishing state after reconnect")
	s.Broadcast()
}

func (s *Syncer) onChange(change store.Change) {
	if change.Remote || s.stopped.Load() {
		return
	}
	s.publish(change.Snapshot)
}

func (s *Syncer) publish(snap store.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("encode snapshot", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, Message{Topic: s.topic, Origin: s.origin, Payload: payload}); err != nil {
		s.logger.Debug("publish snapshot", "error", err)
		s.unsent.Store(true)
		return
	}
	s.unsent.Store(false)
	s.published.Add(1)
}

func (s *Syncer) onMessage(msg Message) {
	if s.stopped.Load() || msg.Origin == s.origin {
		return
	}
	var snap store.Snapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		s.logger.Warn("discarding undecodable snapshot", "from", msg.Origin, "error", err)
		return
	}
	if snap.Store != "" && snap.Store != s.store.Name() {
		return
	}
	report := s.store.Replace(snap)
	if report.Rejected > 0 {
		s.logger.Warn("sibling snapshot had rejected records", "from", msg.Origin, "rejected", report.Rejected)
	}
	s.applied.Add(1)
}
