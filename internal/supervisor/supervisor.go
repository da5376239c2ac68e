// Package supervisor owns the one-child-process-per-key registry. It
// spawns, resizes, writes to, and terminates the interactive child process
// behind each workspace, and exposes backpressure-aware writes for large
// input. Child output is pushed into an OutputSink (the session buffer).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Spec describes how to spawn a workspace's child process. The child is
// invoked with positional arguments (cols, rows, cwd) appended after Args,
// plus a one-time --startup-commands flag carrying a JSON-encoded command
// list on a key's first spawn.
type Spec struct {
	Command         string
	Args            []string
	Env             []string
	StartupCommands []string
}

// OutputSink receives every chunk a child produces, in order.
type OutputSink interface {
	AddOutput(key, data string)
}

// Options tunes termination and backpressure behavior. Zero values fall
// back to defaults.
type Options struct {
	TermGrace     time.Duration // wait after SIGTERM before escalating
	KillGrace     time.Duration // wait after SIGKILL before giving up
	HighWaterMark int           // input queue bytes before backpressure
}

const (
	defaultTermGrace = 1200 * time.Millisecond
	defaultKillGrace = 500 * time.Millisecond
	defaultHighWater = 64 * 1024
)

// Supervisor manages the child process registry. One instance is
// constructed at startup and shared process-wide.
type Supervisor struct {
	log  *zap.SugaredLogger
	sink OutputSink
	opts Options

	mu           sync.Mutex
	procs        map[string]*Process
	bootstrapped map[string]bool // keys whose first spawn already ran startup commands
}

func New(log *zap.SugaredLogger, sink OutputSink, opts Options) *Supervisor {
	if opts.TermGrace <= 0 {
		opts.TermGrace = defaultTermGrace
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = defaultHighWater
	}
	return &Supervisor{
		log:          log,
		sink:         sink,
		opts:         opts,
		procs:        make(map[string]*Process),
		bootstrapped: make(map[string]bool),
	}
}

// GetOrCreate returns the live process for key, spawning one if the key has
// no process or its previous process exited or is no longer writable. A
// spawn failure is surfaced as one synthetic output chunk and an error; the
// caller may simply retry on the next session request.
func (s *Supervisor) GetOrCreate(key string, spec Spec, cwd string, cols, rows int) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[key]; ok && p.Writable() {
		p.setActive(true)
		return p, nil
	}

	p, err := s.spawnLocked(key, spec, cwd, cols, rows)
	if err != nil {
		s.sink.AddOutput(key, fmt.Sprintf("shell error: %v\r\n", err))
		return nil, fmt.Errorf("spawn process for %q: %w", key, err)
	}
	s.procs[key] = p
	return p, nil
}

func (s *Supervisor) spawnLocked(key string, spec Spec, cwd string, cols, rows int) (*Process, error) {
	args := append([]string{}, spec.Args...)
	args = append(args, strconv.Itoa(cols), strconv.Itoa(rows), cwd)

	// Startup commands run only the first time a key is spawned in this
	// supervisor's lifetime, so a reset never replays them.
	if len(spec.StartupCommands) > 0 && !s.bootstrapped[key] {
		encoded, err := json.Marshal(spec.StartupCommands)
		if err != nil {
			return nil, fmt.Errorf("encode startup commands: %w", err)
		}
		args = append(args, "--startup-commands", string(encoded))
	}
	s.bootstrapped[key] = true

	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
	)
	// Own process group so termination signals reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Stdout = sinkWriter{key: key, sink: s.sink}
	cmd.Stderr = sinkWriter{key: key, sink: s.sink, normalize: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	log := s.log.With("key", key, "pid", cmd.Process.Pid)
	p := &Process{
		Key:    key,
		Cwd:    cwd,
		log:    log,
		cmd:    cmd,
		pump:   newInputPump(log.Named("stdin"), stdin, s.opts.HighWaterMark),
		exited: make(chan struct{}),
		cols:   cols,
		rows:   rows,
		active: true,
	}
	go s.monitor(key, p)

	log.Infow("spawned process", "cwd", cwd, "cols", cols, "rows", rows)
	return p, nil
}

// monitor waits for the child to exit and removes its registry entry, so
// the next GetOrCreate spawns fresh. The entry may already be gone if
// termination started first; only the same process is ever removed.
func (s *Supervisor) monitor(key string, p *Process) {
	err := p.cmd.Wait()
	p.markExited()
	p.pump.Close()

	s.mu.Lock()
	if s.procs[key] == p {
		delete(s.procs, key)
	}
	s.mu.Unlock()

	if err != nil {
		p.log.Infow("process exited", "error", err)
	} else {
		p.log.Infow("process exited")
	}
}

// Get returns the registered process for key, if any.
func (s *Supervisor) Get(key string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[key]
	return p, ok
}

// Count returns the number of registered processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Send writes data to key's child iff its input stream is still writable.
// Anything else is a logged no-op: the race between a disconnecting or
// resetting consumer and in-flight input is expected.
func (s *Supervisor) Send(key, data string) {
	p, ok := s.Get(key)
	if !ok || !p.Writable() {
		s.log.Debugw("dropping input, no writable process", "key", key, "bytes", len(data))
		return
	}
	p.pump.Enqueue([]byte(data))
}

// SendWithBackpressure writes data and reports whether the input queue is
// still under its high-water mark. A caller feeding chunked input should
// call WaitForDrain before the next piece once this returns false.
func (s *Supervisor) SendWithBackpressure(key, data string) bool {
	p, ok := s.Get(key)
	if !ok || !p.Writable() {
		s.log.Debugw("dropping input, no writable process", "key", key, "bytes", len(data))
		return true
	}
	return p.pump.Enqueue([]byte(data))
}

// WaitForDrain suspends until key's input queue has fully drained, the
// process goes away, or ctx is done.
func (s *Supervisor) WaitForDrain(ctx context.Context, key string) error {
	p, ok := s.Get(key)
	if !ok {
		return nil
	}
	return p.pump.WaitDrain(ctx)
}

// Resize pushes new geometry to the child by writing the window-resize
// control sequence ESC [ 8 ; rows ; cols t to its input stream. Unchanged
// geometry and unwritable streams are no-ops.
func (s *Supervisor) Resize(key string, cols, rows int) {
	p, ok := s.Get(key)
	if !ok {
		return
	}

	p.mu.Lock()
	if p.cols == cols && p.rows == rows {
		p.mu.Unlock()
		return
	}
	p.cols = cols
	p.rows = rows
	p.mu.Unlock()

	if !p.Writable() {
		return
	}
	p.pump.Enqueue([]byte(fmt.Sprintf("\x1b[8;%d;%dt", rows, cols)))
}

// Deactivate marks key's process as having no watching consumer. The
// process keeps running so its state and output survive a reconnect.
func (s *Supervisor) Deactivate(key string) {
	if p, ok := s.Get(key); ok {
		p.setActive(false)
	}
}

// Terminate starts termination for key and returns immediately.
func (s *Supervisor) Terminate(key string) {
	go func() {
		_ = s.TerminateAndWait(context.Background(), key)
	}()
}

// TerminateAndWait removes key from the registry immediately, then shuts
// the child down: input stream closed, SIGTERM, bounded wait, SIGKILL. It
// returns once the process has exited or the forced-kill grace period has
// elapsed, whichever is sooner, so the caller knows the key is safe to
// reuse. Terminating an unknown key is a no-op.
func (s *Supervisor) TerminateAndWait(ctx context.Context, key string) error {
	s.mu.Lock()
	p, ok := s.procs[key]
	if ok {
		delete(s.procs, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.shutdown(ctx, p)
}

func (s *Supervisor) shutdown(ctx context.Context, p *Process) error {
	p.pump.Close()
	p.signal(unix.SIGTERM)

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.TermGrace):
	}

	p.log.Infow("graceful termination timed out, sending SIGKILL")
	p.signal(unix.SIGKILL)

	select {
	case <-p.exited:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.KillGrace):
		p.log.Warnw("process did not reap after SIGKILL")
	}
	return nil
}

// TerminateAll shuts down every registered process concurrently, each with
// its own graceful-then-forced escalation, and returns when all have
// settled. A failure in one does not block the others.
func (s *Supervisor) TerminateAll(ctx context.Context) {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*Process)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for key, p := range procs {
		wg.Add(1)
		go func(key string, p *Process) {
			defer wg.Done()
			if err := s.shutdown(ctx, p); err != nil {
				s.log.Warnw("terminating process failed", "key", key, "error", err)
			}
		}(key, p)
	}
	wg.Wait()
}
