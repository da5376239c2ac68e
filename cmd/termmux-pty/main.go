// termmux-pty is the child process the supervisor spawns per workspace: it
// runs an interactive shell under a PTY and bridges it to plain stdio.
//
//	termmux-pty [cols [rows [cwd]]] [--startup-commands '["cmd", ...]']
//
// Bytes from stdin go to the PTY, except a leading ESC [ 8 ; rows ; cols t
// sequence, which is applied as a window resize. PTY output goes to stdout
// unmodified. If the shell exits on its own, it is restarted.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

func main() {
	cols, rows, cwd, startup, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "termmux-pty: %v\n", err)
		os.Exit(2)
	}

	if err := run(cols, rows, cwd, startup); err != nil {
		fmt.Fprintf(os.Stderr, "termmux-pty: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs reads the positional (cols, rows, cwd) contract plus the
// optional one-time startup command list.
func parseArgs(args []string) (cols, rows int, cwd string, startup []string, err error) {
	cols, rows = 80, 24
	cwd, _ = os.Getwd()

	var positional []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--startup-commands" {
			if i+1 >= len(args) {
				return 0, 0, "", nil, fmt.Errorf("--startup-commands requires a JSON list")
			}
			if err := json.Unmarshal([]byte(args[i+1]), &startup); err != nil {
				return 0, 0, "", nil, fmt.Errorf("parsing startup commands: %w", err)
			}
			i++
			continue
		}
		positional = append(positional, args[i])
	}

	if len(positional) > 0 {
		if cols, err = strconv.Atoi(positional[0]); err != nil || cols <= 0 {
			return 0, 0, "", nil, fmt.Errorf("invalid cols %q", positional[0])
		}
	}
	if len(positional) > 1 {
		if rows, err = strconv.Atoi(positional[1]); err != nil || rows <= 0 {
			return 0, 0, "", nil, fmt.Errorf("invalid rows %q", positional[1])
		}
	}
	if len(positional) > 2 {
		cwd = positional[2]
	}
	return cols, rows, cwd, startup, nil
}

// stdinChunk is one read from the parent process.
type stdinChunk struct {
	data []byte
	err  error
}

func run(cols, rows int, cwd string, startup []string) error {
	// One reader for the life of the process; the chunk stream spans shell
	// restarts.
	stdinCh := make(chan stdinChunk)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				stdinCh <- stdinChunk{data: data}
			}
			if err != nil {
				stdinCh <- stdinChunk{err: err}
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)

	first := true
	for {
		restart, err := runShell(cols, rows, cwd, startup, first, stdinCh, sigCh)
		if err != nil {
			return err
		}
		first = false
		if !restart {
			return nil
		}
		os.Stdout.WriteString("\r\n[Shell terminated. Restarting...]\r\n")
		time.Sleep(1 * time.Second)
	}
}

// runShell spawns one shell under a PTY and pumps bytes until it exits or
// the parent tells us to stop. It reports whether the shell should be
// restarted.
func runShell(cols, rows int, cwd string, startup []string, first bool, stdinCh <-chan stdinChunk, sigCh <-chan os.Signal) (restart bool, err error) {
	shell := defaultShell()
	cmd := exec.Command(shell, "-l", "-i")
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLUMNS="+strconv.Itoa(cols),
		"LINES="+strconv.Itoa(rows),
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		// Mirror the original helper: fall back to bash if the preferred
		// shell refuses to start.
		cmd = exec.Command("/bin/bash", "-l", "-i")
		cmd.Dir = cwd
		ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{
			Rows: uint16(rows),
			Cols: uint16(cols),
		})
		if err != nil {
			return false, fmt.Errorf("starting shell: %w", err)
		}
	}
	defer ptmx.Close()

	if first {
		for _, c := range startup {
			if _, err := ptmx.WriteString(c + "\n"); err != nil {
				break
			}
		}
	}

	exited := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(os.Stdout, ptmx)
		exited <- cmd.Wait()
		_ = copyErr
	}()

	for {
		select {
		case chunk := <-stdinCh:
			if chunk.err != nil {
				stopShell(cmd)
				<-exited
				return false, nil
			}
			if r, c, ok := parseResize(chunk.data); ok {
				_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(r), Cols: uint16(c)})
				if cmd.Process != nil {
					_ = unix.Kill(-cmd.Process.Pid, unix.SIGWINCH)
				}
				continue
			}
			if _, err := ptmx.Write(chunk.data); err != nil {
				stopShell(cmd)
				<-exited
				return false, nil
			}

		case <-sigCh:
			stopShell(cmd)
			<-exited
			return false, nil

		case <-exited:
			return true, nil
		}
	}
}

// stopShell tears the shell's process group down: TERM, bounded wait, KILL.
func stopShell(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err != nil {
			return // group is gone
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// parseResize recognizes a chunk that starts with the window-resize control
// sequence ESC [ 8 ; rows ; cols t.
func parseResize(data []byte) (rows, cols int, ok bool) {
	const prefix = "\x1b[8;"
	text := string(data)
	if !strings.HasPrefix(text, prefix) {
		return 0, 0, false
	}
	end := strings.IndexByte(text, 't')
	if end < 0 {
		return 0, 0, false
	}
	parts := strings.Split(text[len(prefix):end], ";")
	if len(parts) != 2 {
		return 0, 0, false
	}
	rows, errR := strconv.Atoi(parts[0])
	cols, errC := strconv.Atoi(parts[1])
	if errR != nil || errC != nil || rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	return rows, cols, true
}

// defaultShell returns the shell to run: $SHELL if set, otherwise the first
// of zsh, bash, sh found on PATH.
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"zsh", "bash", "sh"} {
		if path, err := exec.LookPath(shell); err == nil {
			return path
		}
	}
	return "/bin/sh"
}
