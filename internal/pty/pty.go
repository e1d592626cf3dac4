// Package pty provides the pseudo-terminal process capability consumed by
// the session managers. It is an injected dependency so tests can substitute
// a fake spawner.
package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Options configures a spawned process.
type Options struct {
	Cwd  string
	Env  []string
	Cols int
	Rows int
}

// Handle is one live PTY-backed process.
type Handle interface {
	Write(data []byte) (int, error)
	Resize(cols, rows int) error
	Kill(sig os.Signal) error
	OnData(cb func(data []byte))
	OnExit(cb func(code int))
	PID() int
}

// Spawner creates PTY-backed processes.
type Spawner interface {
	Spawn(command string, args []string, opts Options) (Handle, error)
}

// NewSpawner returns the real creack/pty-backed spawner.
func NewSpawner() Spawner {
	return &ptySpawner{}
}

type ptySpawner struct{}

func (s *ptySpawner) Spawn(command string, args []string, opts Options) (Handle, error) {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Cwd

	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &process{
		cmd:  cmd,
		ptmx: ptmx,
	}

	go p.readLoop()
	go p.waitForExit()

	return p, nil
}

// process implements Handle on top of a creack/pty master file.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu      sync.Mutex
	onData  func([]byte)
	onExit  func(int)
	pending []byte // output seen before OnData was registered
	exited  bool
	code    int
	closed  bool
}

// pendingLimit bounds how much early output is retained while no data
// callback is registered yet.
const pendingLimit = 256 * 1024

func (p *process) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			p.mu.Lock()
			cb := p.onData
			if cb == nil {
				p.pending = append(p.pending, chunk...)
				if len(p.pending) > pendingLimit {
					p.pending = p.pending[len(p.pending)-pendingLimit:]
				}
			}
			p.mu.Unlock()

			if cb != nil {
				cb(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				// PTY read errors after process exit are expected
			}
			return
		}
	}
}

func (p *process) waitForExit() {
	err := p.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	p.mu.Lock()
	p.exited = true
	p.code = code
	cb := p.onExit
	if !p.closed {
		p.closed = true
		p.ptmx.Close()
	}
	p.mu.Unlock()

	if cb != nil {
		cb(code)
	}
}

func (p *process) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, fmt.Errorf("process has exited")
	}
	p.mu.Unlock()
	return p.ptmx.Write(data)
}

func (p *process) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

func (p *process) Kill(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		// Already gone
		return nil
	}
	return nil
}

func (p *process) OnData(cb func(data []byte)) {
	p.mu.Lock()
	p.onData = cb
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if cb != nil && len(pending) > 0 {
		cb(pending)
	}
}

func (p *process) OnExit(cb func(code int)) {
	p.mu.Lock()
	p.onExit = cb
	exited := p.exited
	code := p.code
	p.mu.Unlock()

	// Process may have already exited by the time the callback is wired
	if cb != nil && exited {
		cb(code)
	}
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

var _ Handle = (*process)(nil)
