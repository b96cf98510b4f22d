// Package registry tracks the tmux sessions behind terminal tabs, who may
// write to them, and which connection receives their output.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ricochet1k/termtabs/internal/tmux"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotOwner        = errors.New("terminal is owned by another connection")
	ErrNotAttached     = errors.New("terminal has no live attachment")
	ErrSpawnCooldown   = errors.New("spawns for this terminal type are cooling down")
	ErrAlreadySpawned  = errors.New("terminal already has a session")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Owner is a connection that can receive a terminal's output. Output for
// one terminal is delivered from a single goroutine in PTY read order.
type Owner interface {
	OwnerID() string
	// SendOutput queues data and reports false if the owner can no longer
	// accept it.
	SendOutput(terminalID string, data []byte) bool
	SessionClosed(terminalID, sessionName string)
}

type SpawnRequest struct {
	TerminalID   string
	TerminalType string
	WorkingDir   string
	Command      string
	Cols, Rows   int
	// Confirm, if set, is called with the result before the first output
	// is delivered.
	Confirm func(Attached)
}

type ReconnectRequest struct {
	TerminalID  string
	SessionName string
	// LastAgentID is the attachment the client last held. A matching live
	// attachment is reused.
	LastAgentID string
	Cols, Rows  int
	// Confirm, if set, is called with the result before any replayed
	// output is delivered to the new owner.
	Confirm func(Attached)
}

// Attached identifies the attachment an owner now holds.
type Attached struct {
	TerminalID  string
	SessionName string
	AgentID     string
	Reused      bool
}

// Session describes a live session for listings.
type Session struct {
	TerminalID   string
	SessionName  string
	TerminalType string
	WorkingDir   string
	AgentID      string
	Owner        string
	CreatedAt    time.Time
}

type Config struct {
	Prefix           string
	ReplayBytes      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// Commands maps a terminal type to the command its session runs.
	// Types without an entry start the default shell.
	Commands map[string]string
}

func DefaultConfig() Config {
	return Config{
		Prefix:           DefaultPrefix,
		ReplayBytes:      64 * 1024,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		Commands:         map[string]string{},
	}
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	att     Attachment
	agentID string
	owner   Owner
	ring    *OutputRing
}

type Registry struct {
	cfg      Config
	tmux     tmux.Sessions
	attacher Attacher
	db       *DB
	events   *Events
	logger   *slog.Logger
	newID    func() string

	mu        sync.Mutex
	entries   map[string]*entry
	bySession map[string]*entry
	breakers  map[string]*Breaker
}

type Option func(*Registry)

// WithDB persists entries so Recover can find them after a restart.
func WithDB(db *DB) Option {
	return func(r *Registry) { r.db = db }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func New(cfg Config, sessions tmux.Sessions, attacher Attacher, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	r := &Registry{
		cfg:       cfg,
		tmux:      sessions,
		attacher:  attacher,
		events:    NewEvents(),
		logger:    logger.With("component", "registry"),
		newID:     uuid.NewString,
		entries:   make(map[string]*entry),
		bySession: make(map[string]*entry),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Prefix() string { return r.cfg.Prefix }

// Events streams session lifecycle events.
func (r *Registry) Events() *Events { return r.events }

func (r *Registry) breaker(terminalType string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[terminalType]
	if !ok {
		b = NewBreaker(r.cfg.BreakerThreshold, r.cfg.BreakerCooldown)
		r.breakers[terminalType] = b
	}
	return b
}

func (r *Registry) lookup(terminalID, sessionName string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[terminalID]; ok && terminalID != "" {
		return e
	}
	if e, ok := r.bySession[sessionName]; ok && sessionName != "" {
		return e
	}
	return nil
}

func (r *Registry) track(e *entry) {
	r.mu.Lock()
	r.entries[e.rec.TerminalID] = e
	r.bySession[e.rec.SessionName] = e
	r.mu.Unlock()
}

// forget drops e from the indexes and reports whether it was still tracked.
func (r *Registry) forget(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.rec.TerminalID]; !ok || cur != e {
		return false
	}
	delete(r.entries, e.rec.TerminalID)
	delete(r.bySession, e.rec.SessionName)
	return true
}

func (r *Registry) persist(ctx context.Context, rec Record) {
	if r.db == nil {
		return
	}
	if err := r.db.Upsert(ctx, rec); err != nil {
		r.logger.Warn("persist session", "terminal", rec.TerminalID, "session", rec.SessionName, "error", err)
	}
}

func (r *Registry) unpersist(ctx context.Context, terminalID string) {
	if r.db == nil {
		return
	}
	if err := r.db.Delete(ctx, terminalID); err != nil {
		r.logger.Warn("delete persisted session", "terminal", terminalID, "error", err)
	}
}

func (r *Registry) emit(t EventType, e *entry, owner Owner) {
	ev := Event{Type: t, TerminalID: e.rec.TerminalID, SessionName: e.rec.SessionName, At: time.Now().UTC()}
	if owner != nil {
		ev.Owner = owner.OwnerID()
	}
	r.events.publish(ev)
}

// Spawn starts a new session for req and makes owner its consumer.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest, owner Owner) (Attached, error) {
	if strings.TrimSpace(req.TerminalType) == "" {
		return Attached{}, fmt.Errorf("%w: terminal type is required", ErrInvalidRequest)
	}
	if req.TerminalID == "" {
		req.TerminalID = r.newID()
	}
	if r.lookup(req.TerminalID, "") != nil {
		return Attached{}, fmt.Errorf("%w: %s", ErrAlreadySpawned, req.TerminalID)
	}

	b := r.breaker(req.TerminalType)
	if wait := b.CooldownRemaining(); wait > 0 {
		return Attached{}, fmt.Errorf("%w: %s for %s", ErrSpawnCooldown, req.TerminalType, wait.Round(time.Second))
	}

	command := req.Command
	if command == "" {
		command = r.cfg.Commands[req.TerminalType]
	}

	var name string
	var err error
	for range 3 {
		name, err = NewSessionName(r.cfg.Prefix, req.TerminalType)
		if err != nil {
			return Attached{}, err
		}
		err = r.tmux.Start(ctx, name, req.WorkingDir, command)
		if !errors.Is(err, tmux.ErrSessionExists) {
			break
		}
	}
	if err != nil {
		r.spawnFailed(b, req.TerminalType)
		return Attached{}, fmt.Errorf("start session: %w", err)
	}

	att, err := r.attacher.Attach(ctx, r.tmux.AttachArgv(name), req.Cols, req.Rows)
	if err != nil {
		r.spawnFailed(b, req.TerminalType)
		if stopErr := r.tmux.Stop(context.WithoutCancel(ctx), name); stopErr != nil {
			r.logger.Warn("stop session after failed attach", "session", name, "error", stopErr)
		}
		return Attached{}, fmt.Errorf("attach session: %w", err)
	}
	b.Reset()

	now := time.Now().UTC()
	e := &entry{
		rec: Record{
			TerminalID:   req.TerminalID,
			SessionName:  name,
			TerminalType: req.TerminalType,
			WorkingDir:   req.WorkingDir,
			Command:      command,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		ring:  NewOutputRing(r.cfg.ReplayBytes),
		owner: owner,
	}
	e.att = att
	e.agentID = r.newID()
	out := Attached{TerminalID: e.rec.TerminalID, SessionName: name, AgentID: e.agentID}
	r.track(e)
	if req.Confirm != nil {
		req.Confirm(out)
	}
	go r.pump(e, att)

	r.persist(ctx, e.rec)
	r.emit(EventSpawned, e, owner)
	r.logger.Info("session spawned", "terminal", e.rec.TerminalID, "session", name, "type", req.TerminalType)
	return out, nil
}

func (r *Registry) spawnFailed(b *Breaker, terminalType string) {
	if b.RecordFailure() {
		r.logger.Warn("spawn breaker tripped", "type", terminalType, "cooldown", r.cfg.BreakerCooldown)
	}
}

// Reconnect hands an existing session to owner, superseding any previous
// owner. The recent output is replayed before live output resumes.
func (r *Registry) Reconnect(ctx context.Context, req ReconnectRequest, owner Owner) (Attached, error) {
	e := r.lookup(req.TerminalID, req.SessionName)
	if e == nil {
		adopted, err := r.adoptByName(ctx, req.TerminalID, req.SessionName)
		if err != nil {
			return Attached{}, err
		}
		e = adopted
	}

	alive, err := r.tmux.Exists(ctx, e.rec.SessionName)
	if err != nil {
		return Attached{}, fmt.Errorf("check session %s: %w", e.rec.SessionName, err)
	}
	if !alive {
		r.drop(ctx, e)
		return Attached{}, fmt.Errorf("%w: %s", ErrSessionNotFound, e.rec.SessionName)
	}

	if req.TerminalID != "" && req.TerminalID != e.rec.TerminalID {
		r.rekey(ctx, e, req.TerminalID)
	}

	e.mu.Lock()
	prev := e.owner
	reused := e.att != nil && req.LastAgentID != "" && req.LastAgentID == e.agentID
	if !reused {
		if e.att != nil {
			_ = e.att.Close()
			e.att = nil
		}
		att, err := r.attacher.Attach(ctx, r.tmux.AttachArgv(e.rec.SessionName), req.Cols, req.Rows)
		if err != nil {
			e.mu.Unlock()
			return Attached{}, fmt.Errorf("attach session: %w", err)
		}
		e.att = att
		e.agentID = r.newID()
		e.ring.Reset()
		go r.pump(e, att)
	} else if req.Cols > 0 && req.Rows > 0 {
		_ = e.att.Resize(req.Cols, req.Rows)
	}
	e.owner = owner
	out := Attached{TerminalID: e.rec.TerminalID, SessionName: e.rec.SessionName, AgentID: e.agentID, Reused: reused}
	if req.Confirm != nil {
		req.Confirm(out)
	}
	if replay := e.ring.Bytes(); len(replay) > 0 {
		owner.SendOutput(e.rec.TerminalID, replay)
	}
	e.mu.Unlock()

	if prev != nil && prev != owner {
		r.emit(EventOwnerChanged, e, owner)
		r.logger.Debug("owner superseded", "terminal", out.TerminalID, "previous", prev.OwnerID(), "owner", owner.OwnerID())
	}
	r.emit(EventReconnected, e, owner)
	return out, nil
}

func (r *Registry) adoptByName(ctx context.Context, terminalID, sessionName string) (*entry, error) {
	if sessionName == "" || !Owned(r.cfg.Prefix, sessionName) || tmux.ValidateSessionName(sessionName) != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, firstNonEmpty(terminalID, sessionName))
	}
	alive, err := r.tmux.Exists(ctx, sessionName)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", sessionName, err)
	}
	if !alive {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionName)
	}
	if terminalID == "" {
		terminalID = r.newID()
	}
	return r.adopt(ctx, tmux.Info{Name: sessionName, Created: time.Now()}, terminalID), nil
}

func (r *Registry) adopt(ctx context.Context, info tmux.Info, terminalID string) *entry {
	now := time.Now().UTC()
	created := info.Created.UTC()
	if info.Created.IsZero() {
		created = now
	}
	e := &entry{
		rec: Record{
			TerminalID:   terminalID,
			SessionName:  info.Name,
			TerminalType: TypeFromSessionName(r.cfg.Prefix, info.Name),
			CreatedAt:    created,
			UpdatedAt:    now,
		},
		ring: NewOutputRing(r.cfg.ReplayBytes),
	}
	r.track(e)
	r.persist(ctx, e.rec)
	r.emit(EventAdopted, e, nil)
	r.logger.Info("adopted session", "terminal", terminalID, "session", info.Name)
	return e
}

func (r *Registry) rekey(ctx context.Context, e *entry, terminalID string) {
	r.mu.Lock()
	if _, taken := r.entries[terminalID]; taken {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.rec.TerminalID)
	e.mu.Lock()
	old := e.rec.TerminalID
	e.rec.TerminalID = terminalID
	e.rec.UpdatedAt = time.Now().UTC()
	rec := e.rec
	e.mu.Unlock()
	r.entries[terminalID] = e
	r.mu.Unlock()

	r.unpersist(ctx, old)
	r.persist(ctx, rec)
	r.logger.Debug("terminal rekeyed", "session", rec.SessionName, "from", old, "to", terminalID)
}

// pump copies attachment output to the ring and the current owner until
// the attachment ends.
func (r *Registry) pump(e *entry, att Attachment) {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := att.Read(buf)
		if n > 0 {
			var chunk []byte
			chunk, carry = completeRunes(append(carry, buf[:n]...))
			if len(chunk) > 0 && !r.deliver(e, att, chunk) {
				return
			}
		}
		if err != nil {
			if len(carry) > 0 && !r.deliver(e, att, carry) {
				return
			}
			r.attachmentEnded(e, att)
			return
		}
	}
}

// deliver records chunk and forwards it to the owner. It reports false once
// att has been superseded.
func (r *Registry) deliver(e *entry, att Attachment, chunk []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.att != att {
		return false
	}
	_, _ = e.ring.Write(chunk)
	if e.owner != nil && !e.owner.SendOutput(e.rec.TerminalID, chunk) {
		r.logger.Warn("owner fell behind, releasing", "terminal", e.rec.TerminalID, "owner", e.owner.OwnerID())
		e.owner = nil
	}
	return true
}

func (r *Registry) attachmentEnded(e *entry, att Attachment) {
	e.mu.Lock()
	if e.att != att {
		e.mu.Unlock()
		return
	}
	e.att = nil
	e.mu.Unlock()
	_ = att.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alive, err := r.tmux.Exists(ctx, e.rec.SessionName)
	if err != nil || alive {
		r.logger.Debug("attachment ended, session alive", "terminal", e.rec.TerminalID, "session", e.rec.SessionName)
		return
	}
	r.drop(ctx, e)
}

// drop forgets an entry whose session is gone and tells its owner.
func (r *Registry) drop(ctx context.Context, e *entry) {
	if !r.forget(e) {
		return
	}
	e.mu.Lock()
	owner := e.owner
	att := e.att
	e.owner = nil
	e.att = nil
	e.mu.Unlock()
	if att != nil {
		_ = att.Close()
	}
	r.unpersist(ctx, e.rec.TerminalID)
	if owner != nil {
		owner.SessionClosed(e.rec.TerminalID, e.rec.SessionName)
	}
	r.emit(EventClosed, e, nil)
	r.logger.Info("session ended", "terminal", e.rec.TerminalID, "session", e.rec.SessionName)
}

// Detach releases ownership if owner holds it. The session and its
// attachment keep running.
func (r *Registry) Detach(terminalID string, owner Owner) error {
	e := r.lookup(terminalID, "")
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, terminalID)
	}
	e.mu.Lock()
	if e.owner != owner {
		e.mu.Unlock()
		return ErrNotOwner
	}
	e.owner = nil
	e.mu.Unlock()
	r.emit(EventDetached, e, owner)
	return nil
}

// ownedAttachment returns e's attachment if owner may write to it.
// Callers must not hold e.mu.
func (r *Registry) ownedAttachment(terminalID string, owner Owner) (*entry, Attachment, error) {
	e := r.lookup(terminalID, "")
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, terminalID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != owner {
		return e, nil, ErrNotOwner
	}
	if e.att == nil {
		return e, nil, ErrNotAttached
	}
	return e, e.att, nil
}

func (r *Registry) Input(terminalID string, owner Owner, data []byte) error {
	_, att, err := r.ownedAttachment(terminalID, owner)
	if err != nil {
		return err
	}
	if _, err := att.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

func (r *Registry) Resize(terminalID string, owner Owner, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxDimension || rows > MaxDimension {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidRequest, cols, rows)
	}
	_, att, err := r.ownedAttachment(terminalID, owner)
	if err != nil {
		return err
	}
	return att.Resize(cols, rows)
}

// Close kills the session named by ref, a terminal id or session name.
// Closing something that does not exist succeeds. The current owner and
// by (if different) are told the session closed.
func (r *Registry) Close(ctx context.Context, ref string, by Owner) error {
	e := r.lookup(ref, ref)
	if e == nil {
		if Owned(r.cfg.Prefix, ref) && tmux.ValidateSessionName(ref) == nil {
			return r.tmux.Stop(ctx, ref)
		}
		return nil
	}
	if !r.forget(e) {
		return nil
	}
	e.mu.Lock()
	owner := e.owner
	att := e.att
	e.owner = nil
	e.att = nil
	e.mu.Unlock()
	if att != nil {
		_ = att.Close()
	}

	err := r.tmux.Stop(ctx, e.rec.SessionName)
	r.unpersist(ctx, e.rec.TerminalID)
	if owner != nil {
		owner.SessionClosed(e.rec.TerminalID, e.rec.SessionName)
	}
	if by != nil && by != owner {
		by.SessionClosed(e.rec.TerminalID, e.rec.SessionName)
	}
	r.emit(EventClosed, e, by)
	r.logger.Info("session closed", "terminal", e.rec.TerminalID, "session", e.rec.SessionName)
	if err != nil {
		return fmt.Errorf("stop session %s: %w", e.rec.SessionName, err)
	}
	return nil
}

// ReleaseOwner drops every ownership held by owner. Used when a connection
// goes away; the sessions survive.
func (r *Registry) ReleaseOwner(owner Owner) int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	released := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.owner == owner {
			e.owner = nil
			released++
			e.mu.Unlock()
			r.emit(EventDetached, e, owner)
			continue
		}
		e.mu.Unlock()
	}
	return released
}

// List returns the live sessions. Entries whose session died are dropped;
// prefixed sessions the registry never saw are adopted.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	infos, err := r.tmux.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	live := make(map[string]tmux.Info, len(infos))
	for _, info := range infos {
		if Owned(r.cfg.Prefix, info.Name) {
			live[info.Name] = info
		}
	}

	r.mu.Lock()
	var dead []*entry
	for name, e := range r.bySession {
		if _, ok := live[name]; !ok {
			dead = append(dead, e)
		}
	}
	var unknown []tmux.Info
	for name, info := range live {
		if _, ok := r.bySession[name]; !ok {
			unknown = append(unknown, info)
		}
	}
	r.mu.Unlock()

	for _, e := range dead {
		r.drop(ctx, e)
	}
	for _, info := range unknown {
		r.adopt(ctx, info, r.newID())
	}

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.describe())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionName < out[j].SessionName
	})
	return out, nil
}

func (e *entry) describe() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Session{
		TerminalID:   e.rec.TerminalID,
		SessionName:  e.rec.SessionName,
		TerminalType: e.rec.TerminalType,
		WorkingDir:   e.rec.WorkingDir,
		CreatedAt:    e.rec.CreatedAt,
	}
	if e.att != nil {
		s.AgentID = e.agentID
	}
	if e.owner != nil {
		s.Owner = e.owner.OwnerID()
	}
	return s
}

// Recover loads persisted entries at startup. Entries whose session died
// while the server was down are deleted.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.db == nil {
		return 0, nil
	}
	recs, err := r.db.All(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range recs {
		alive, err := r.tmux.Exists(ctx, rec.SessionName)
		if err != nil {
			return recovered, fmt.Errorf("check session %s: %w", rec.SessionName, err)
		}
		if !alive {
			r.unpersist(ctx, rec.TerminalID)
			r.logger.Info("dropping dead session", "terminal", rec.TerminalID, "session", rec.SessionName)
			continue
		}
		r.track(&entry{rec: rec, ring: NewOutputRing(r.cfg.ReplayBytes)})
		recovered++
	}
	return recovered, nil
}

// Shutdown closes every attachment and the event stream. Sessions keep
// running for the next server.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.att != nil {
			_ = e.att.Close()
			e.att = nil
		}
		e.owner = nil
		e.mu.Unlock()
	}
	r.events.Close()
}

// completeRunes splits off a trailing partial UTF-8 sequence so frames never
// end mid-rune.
func completeRunes(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], append([]byte(nil), p[i:]...)
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
