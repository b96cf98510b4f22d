package registry

import (
	"context"
	"io"
	"sync"
)

// PipeAttacher hands out in-memory attachments. Tests write to Output to
// simulate PTY output and read Input to see what the owner typed.
type PipeAttacher struct {
	mu       sync.Mutex
	attached map[string]*PipeAttachment
	opened   int
	Err      error
}

func NewPipeAttacher() *PipeAttacher {
	return &PipeAttacher{attached: make(map[string]*PipeAttachment)}
}

func (a *PipeAttacher) Attach(_ context.Context, argv []string, cols, rows int) (Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	outR, outW := io.Pipe()
	p := &PipeAttachment{out: outR, Output: outW, Cols: cols, Rows: rows, input: make(chan []byte, 64)}
	a.attached[argv[len(argv)-1]] = p
	a.opened++
	return p, nil
}

// Last returns the most recent attachment for a target such as "=tt-bash-abc123".
func (a *PipeAttacher) Last(target string) *PipeAttachment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached[target]
}

// Opened counts attachments handed out so far.
func (a *PipeAttacher) Opened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened
}

type PipeAttachment struct {
	out    *io.PipeReader
	Output *io.PipeWriter
	input  chan []byte

	mu     sync.Mutex
	Cols   int
	Rows   int
	closed bool
}

func (p *PipeAttachment) Read(b []byte) (int, error) { return p.out.Read(b) }

func (p *PipeAttachment) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case p.input <- append([]byte(nil), b...):
	default:
	}
	return len(b), nil
}

// Input yields each chunk written by the owner.
func (p *PipeAttachment) Input() <-chan []byte { return p.input }

func (p *PipeAttachment) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cols, p.Rows = cols, rows
	return nil
}

func (p *PipeAttachment) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cols, p.Rows
}

func (p *PipeAttachment) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PipeAttachment) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.out.Close()
	}
	return nil
}
