package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Attachment is a PTY connected to a tmux client for one session.
type Attachment interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

// Attacher opens attachments. argv is the attach command line.
type Attacher interface {
	Attach(ctx context.Context, argv []string, cols, rows int) (Attachment, error)
}

// PTYAttacher runs argv under a pseudo-terminal.
type PTYAttacher struct {
	Env []string
}

func (a PTYAttacher) Attach(_ context.Context, argv []string, cols, rows int) (Attachment, error) {
	if len(argv) == 0 {
		return nil, errors.New("attach: empty command")
	}
	// The attach client must outlive the request that opened it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, a.Env...)
	f, err := pty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", argv[0], err)
	}
	return &ptyAttachment{f: f, cmd: cmd}, nil
}

// MaxDimension bounds terminal columns and rows.
const MaxDimension = 1000

func winsize(cols, rows int) *pty.Winsize {
	return &pty.Winsize{Cols: dimension(cols, 80), Rows: dimension(rows, 24)}
}

func dimension(n, fallback int) uint16 {
	switch {
	case n <= 0:
		return uint16(fallback)
	case n > MaxDimension:
		return MaxDimension
	default:
		return uint16(n)
	}
}

type ptyAttachment struct {
	f    *os.File
	cmd  *exec.Cmd
	once sync.Once
}

func (p *ptyAttachment) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyAttachment) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *ptyAttachment) Resize(cols, rows int) error {
	return pty.Setsize(p.f, winsize(cols, rows))
}

// Close detaches the tmux client. The session itself keeps running.
func (p *ptyAttachment) Close() error {
	var err error
	p.once.Do(func() {
		err = p.f.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return err
}
