// Package terminal is the host-facing surface of the backend: it ties the
// process supervisor, the session buffer, and persistence together behind
// the operations a surrounding application needs: open, attach, detach,
// send input, resize, clear, and a two-phase reset.
package terminal

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/termmux/termmux/internal/persist"
	"github.com/termmux/termmux/internal/session"
	"github.com/termmux/termmux/internal/storage"
	"github.com/termmux/termmux/internal/supervisor"
)

// Controller coordinates one supervisor and one session registry. Construct
// one at startup and hand it to every collaborator.
type Controller struct {
	log        *zap.SugaredLogger
	sup        *supervisor.Supervisor
	sessions   *session.Sessions
	persist    *persist.Service // optional
	spec       supervisor.Spec
	inputChunk int
}

func New(log *zap.SugaredLogger, sup *supervisor.Supervisor, sessions *session.Sessions, ps *persist.Service, spec supervisor.Spec, inputChunk int) *Controller {
	if inputChunk <= 0 {
		inputChunk = 16 * 1024
	}
	return &Controller{
		log:        log,
		sup:        sup,
		sessions:   sessions,
		persist:    ps,
		spec:       spec,
		inputChunk: inputChunk,
	}
}

// Open ensures key has a session buffer and a live child process. A brand
// new session is hydrated from its stored scrollback snapshot, so history
// survives a daemon restart, and a zero cwd or geometry falls back to the
// key's stored metadata before generic defaults. Safe to call repeatedly; an
// existing live process is reused.
func (c *Controller) Open(ctx context.Context, key, cwd string, cols, rows int) error {
	cwd, cols, rows = c.resolveGeometry(ctx, key, cwd, cols, rows)

	sess, created := c.sessions.Ensure(key)
	if created && c.persist != nil {
		snap, err := c.persist.LoadSnapshot(ctx, key)
		if err != nil {
			c.log.Warnw("loading scrollback snapshot failed", "key", key, "error", err)
		} else if len(snap) > 0 {
			sess.AddOutput(string(snap))
		}
	}

	if _, err := c.sup.GetOrCreate(key, c.spec, cwd, cols, rows); err != nil {
		// Spawn failures are recoverable: the error text is already in the
		// buffer and the next Open retries.
		return fmt.Errorf("open session %q: %w", key, err)
	}
	if c.persist != nil {
		c.persist.RecordSession(key, cwd, cols, rows)
	}
	return nil
}

// resolveGeometry fills a zero cwd or geometry from the key's persisted
// record, then from generic defaults, so a reconnecting client that sends
// nothing gets its previous working directory and terminal size back.
func (c *Controller) resolveGeometry(ctx context.Context, key, cwd string, cols, rows int) (string, int, int) {
	if c.persist != nil && (cwd == "" || cols <= 0 || rows <= 0) {
		rec, err := c.persist.GetSession(ctx, key)
		if err != nil {
			c.log.Warnw("loading session record failed", "key", key, "error", err)
		} else if rec != nil {
			if cwd == "" {
				cwd = rec.Cwd
			}
			if cols <= 0 {
				cols = rec.Cols
			}
			if rows <= 0 {
				rows = rec.Rows
			}
		}
	}
	if cwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cwd = home
		} else {
			cwd = "."
		}
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return cwd, cols, rows
}

// Attach connects a consumer to key's session. The full retained buffer is
// replayed to it before any new output.
func (c *Controller) Attach(key string, consumer session.Consumer) {
	c.sessions.GetOrCreate(key).Connect(consumer)
}

// Detach disconnects consumer and marks the process inactive. Both happen
// only if consumer is still the attached one: a stale socket closing after
// it was superseded must not flag the process inactive under the newer
// consumer. Process and buffer both keep running either way.
func (c *Controller) Detach(key string, consumer session.Consumer) {
	sess, ok := c.sessions.Get(key)
	if !ok {
		return
	}
	if sess.Disconnect(consumer) {
		c.sup.Deactivate(key)
	}
}

// SendInput writes data to key's child. Input larger than one chunk is
// split, awaiting drain whenever the input queue crosses its high-water
// mark, so a huge paste never grows the queue without bound.
func (c *Controller) SendInput(ctx context.Context, key, data string) error {
	if len(data) <= c.inputChunk {
		c.sup.Send(key, data)
		return nil
	}

	for off := 0; off < len(data); off += c.inputChunk {
		end := off + c.inputChunk
		if end > len(data) {
			end = len(data)
		}
		if !c.sup.SendWithBackpressure(key, data[off:end]) {
			if err := c.sup.WaitForDrain(ctx, key); err != nil {
				return fmt.Errorf("waiting for input drain on %q: %w", key, err)
			}
		}
	}
	return nil
}

// Resize pushes new geometry to key's child.
func (c *Controller) Resize(key string, cols, rows int) {
	c.sup.Resize(key, cols, rows)
}

// ListSessions returns the persisted metadata of every known workspace,
// including ones with no live process, most recently used first.
func (c *Controller) ListSessions(ctx context.Context) ([]*storage.SessionRecord, error) {
	if c.persist == nil {
		return nil, nil
	}
	return c.persist.ListSessions(ctx)
}

// Clear wipes key's retained history and tells the consumer to clear its
// view. Attachment is untouched.
func (c *Controller) Clear(key string) {
	if sess, ok := c.sessions.Get(key); ok {
		sess.Clear()
		sess.Deliver(session.Clear{})
	}
}

// Reset restarts key's session in two phases: first the current process is
// fully terminated, then the buffer is cleared and the consumer signalled.
// Waiting for termination before clearing prevents a dying process from
// writing into the freshly cleared buffer. The caller re-opens afterwards.
func (c *Controller) Reset(ctx context.Context, key string) error {
	if err := c.sup.TerminateAndWait(ctx, key); err != nil {
		return fmt.Errorf("reset %q: %w", key, err)
	}

	sess := c.sessions.GetOrCreate(key)
	sess.Clear()
	sess.Deliver(session.Reset{})

	if c.persist != nil {
		c.persist.DeleteSession(key)
	}
	return nil
}

// CloseSession terminates key's process, snapshots its scrollback, and
// removes the session entirely.
func (c *Controller) CloseSession(ctx context.Context, key string) error {
	err := c.sup.TerminateAndWait(ctx, key)

	if sess, ok := c.sessions.Get(key); ok && c.persist != nil {
		c.persist.SaveSnapshot(key, []byte(sess.Contents()))
	}
	c.sessions.Remove(key)

	if err != nil {
		return fmt.Errorf("close session %q: %w", key, err)
	}
	return nil
}

// Shutdown terminates every process, snapshots every session, and tears
// down all state. Persistence writes are flushed before returning.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.sup.TerminateAll(ctx)

	if c.persist != nil {
		for _, key := range c.sessions.Keys() {
			if sess, ok := c.sessions.Get(key); ok {
				if err := c.persist.SaveSnapshotSync(key, []byte(sess.Contents())); err != nil {
					c.log.Warnw("snapshot during shutdown failed", "key", key, "error", err)
				}
			}
		}
	}
	c.sessions.RemoveAll()

	if c.persist != nil {
		return c.persist.Close()
	}
	return nil
}
