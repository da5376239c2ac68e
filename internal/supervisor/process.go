package supervisor

import (
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Process is one managed child: the byte-in/byte-out black box owning a
// workspace's interactive shell. Exactly one non-terminated Process exists
// per key at any time; see Supervisor.
type Process struct {
	Key string
	Cwd string

	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	pump *inputPump

	exitOnce sync.Once
	exited   chan struct{}

	mu     sync.Mutex
	cols   int
	rows   int
	active bool
}

// Alive reports whether the child has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Writable reports whether input can still reach the child. A process that
// is mid-termination fails this check, and writes against it are dropped.
func (p *Process) Writable() bool {
	return p.Alive() && !p.pump.Closed()
}

// Pid returns the child's process id, or 0 before it started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Size returns the last geometry pushed to the child.
func (p *Process) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Active reports whether a consumer is currently watching this process.
// Inactive processes keep running; the flag only records attachment.
func (p *Process) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Process) setActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

func (p *Process) markExited() {
	p.exitOnce.Do(func() { close(p.exited) })
}

// signal delivers sig to the child's process group, falling back to the
// process itself. Signalling an already-exited process is swallowed.
func (p *Process) signal(sig unix.Signal) {
	proc := p.cmd.Process
	if proc == nil {
		return
	}
	if err := unix.Kill(-proc.Pid, sig); err != nil {
		_ = proc.Signal(sig)
	}
}

// sinkWriter forwards child output into the session buffer. exec.Cmd copies
// the pipe into it on a dedicated goroutine, so Write order matches
// production order per stream.
type sinkWriter struct {
	key       string
	sink      OutputSink
	normalize bool
}

func (w sinkWriter) Write(b []byte) (int, error) {
	data := string(b)
	if w.normalize {
		data = normalizeCRLF(data)
	}
	w.sink.AddOutput(w.key, data)
	return len(b), nil
}

// normalizeCRLF translates bare LF line endings to CRLF so stderr text lines
// up in a terminal that is in raw mode.
func normalizeCRLF(data string) string {
	if !strings.Contains(data, "\n") {
		return data
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	return strings.ReplaceAll(data, "\n", "\r\n")
}
