// Package tmux wraps the tmux sessions that back every terminal tab.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("duplicate session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

var sessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionName rejects names tmux would interpret as a target
// expression (":" and "." select windows and panes).
func ValidateSessionName(name string) error {
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	return nil
}

// Info describes one live session.
type Info struct {
	Name     string
	Created  time.Time
	Attached bool
}

// Sessions is the subset of tmux the registry relies on.
type Sessions interface {
	Start(ctx context.Context, name, workDir, command string) error
	Stop(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]Info, error)
	Resize(ctx context.Context, name string, cols, rows int) error
	// AttachArgv is the command line that attaches a client to name.
	AttachArgv(name string) []string
}

var _ Sessions = (*Tmux)(nil)

// Tmux runs the tmux binary as a subprocess. A non-empty socket selects a
// private server with -L.
type Tmux struct {
	bin    string
	socket string
}

func New(bin, socket string) *Tmux {
	if bin == "" {
		bin = "tmux"
	}
	return &Tmux{bin: bin, socket: socket}
}

func (t *Tmux) args(args ...string) []string {
	if t.socket == "" {
		return args
	}
	return append([]string{"-L", t.socket}, args...)
}

// Available reports whether the tmux binary can be found.
func (t *Tmux) Available() bool {
	_, err := exec.LookPath(t.bin)
	return err == nil
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.bin, t.args(args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// Start creates a detached session running command in workDir. An empty
// command starts the default shell.
func (t *Tmux) Start(ctx context.Context, name, workDir, command string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := t.run(ctx, args...)
	return err
}

// Stop kills the session. A session that is already gone is not an error.
func (t *Tmux) Stop(ctx context.Context, name string) error {
	_, err := t.run(ctx, "kill-session", "-t", "="+name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

func (t *Tmux) Exists(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

const listFormat = "#{session_name}\t#{session_created}\t#{session_attached}"

// List returns every session on the server sorted by name. No server means
// no sessions.
func (t *Tmux) List(ctx context.Context) ([]Info, error) {
	out, err := t.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseList(out), nil
}

func parseList(out string) []Info {
	var infos []Info
	for line := range strings.SplitSeq(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		info := Info{Name: fields[0]}
		if len(fields) > 1 {
			if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				info.Created = time.Unix(secs, 0)
			}
		}
		if len(fields) > 2 {
			n, _ := strconv.Atoi(fields[2])
			info.Attached = n > 0
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Resize sets the session's window size. Attached PTY clients are resized
// separately through their PTY.
func (t *Tmux) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("tmux resize %s: invalid size %dx%d", name, cols, rows)
	}
	_, err := t.run(ctx, "resize-window", "-t", "="+name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

func (t *Tmux) AttachArgv(name string) []string {
	return append([]string{t.bin}, t.args("attach-session", "-t", "="+name)...)
}
