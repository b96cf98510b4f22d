package tmux

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Double is an in-memory Sessions used by tests. Kill simulates a session
// dying behind the registry's back.
type Double struct {
	mu       sync.RWMutex
	sessions map[string]*doubleSession
	now      func() time.Time
}

type doubleSession struct {
	workDir string
	command string
	created time.Time
	cols    int
	rows    int
}

var _ Sessions = (*Double)(nil)

func NewDouble() *Double {
	return &Double{sessions: make(map[string]*doubleSession), now: time.Now}
}

func (d *Double) Start(_ context.Context, name, workDir, command string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[name]; ok {
		return ErrSessionExists
	}
	d.sessions[name] = &doubleSession{workDir: workDir, command: command, created: d.now()}
	return nil
}

func (d *Double) Stop(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, name)
	return nil
}

func (d *Double) Exists(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[name]
	return ok, nil
}

func (d *Double) List(_ context.Context) ([]Info, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := make([]Info, 0, len(d.sessions))
	for name, s := range d.sessions {
		infos = append(infos, Info{Name: name, Created: s.created})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (d *Double) Resize(_ context.Context, name string, cols, rows int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[name]
	if !ok {
		return ErrSessionNotFound
	}
	s.cols, s.rows = cols, rows
	return nil
}

func (d *Double) AttachArgv(name string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + name}
}

// Kill removes a session without going through Stop.
func (d *Double) Kill(name string) {
	d.Stop(context.Background(), name)
}

// Command returns the command a session was started with.
func (d *Double) Command(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[name]
	if !ok {
		return "", false
	}
	return s.command, true
}

// Size returns the last size set with Resize.
func (d *Double) Size(name string) (cols, rows int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.sessions[name]; ok {
		return s.cols, s.rows
	}
	return 0, 0
}
