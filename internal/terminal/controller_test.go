package terminal

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termmux/termmux/internal/persist"
	"github.com/termmux/termmux/internal/session"
	"github.com/termmux/termmux/internal/storage"
	"github.com/termmux/termmux/internal/supervisor"
)

// msgRecorder implements session.Consumer for assertions.
type msgRecorder struct {
	mu   sync.Mutex
	msgs []session.Message
}

func (r *msgRecorder) Deliver(msg session.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *msgRecorder) outputs() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, m := range r.msgs {
		if out, ok := m.(session.Output); ok {
			b.WriteString(out.Data)
		}
	}
	return b.String()
}

func (r *msgRecorder) has(want session.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m == want {
			return true
		}
	}
	return false
}

// echoSpec runs cat, so child output is exactly the input echoed back.
func echoSpec() supervisor.Spec {
	return supervisor.Spec{Command: "sh", Args: []string{"-c", "cat"}}
}

type stack struct {
	ctl      *Controller
	sessions *session.Sessions
	sup      *supervisor.Supervisor
}

func newStack(t *testing.T, dbPath string, supOpts supervisor.Options, inputChunk int) *stack {
	t.Helper()
	log := zap.NewNop().Sugar()

	var ps *persist.Service
	if dbPath != "" {
		db, err := storage.NewDB(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		ps = persist.NewService(log, db)
	}

	sessions := session.NewSessions(log, session.DefaultLimits())
	sup := supervisor.New(log, sessions, supOpts)
	ctl := New(log, sup, sessions, ps, echoSpec(), inputChunk)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctl.Shutdown(ctx)
	})
	return &stack{ctl: ctl, sessions: sessions, sup: sup}
}

func TestOpenAttachSendReceive(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))

	c := &msgRecorder{}
	s.ctl.Attach("ws-1", c)

	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "hello\n"))
	require.Eventually(t, func() bool {
		return strings.Contains(c.outputs(), "hello")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAttachReplaysHistoryBeforeNewOutput(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "before attach\n"))

	sess, ok := s.sessions.Get("ws-1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return strings.Contains(sess.Contents(), "before attach")
	}, 5*time.Second, 10*time.Millisecond)

	c := &msgRecorder{}
	s.ctl.Attach("ws-1", c)
	assert.Contains(t, c.outputs(), "before attach")
}

func TestDetachKeepsProcessAndBuffer(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	c := &msgRecorder{}
	s.ctl.Attach("ws-1", c)
	s.ctl.Detach("ws-1", c)

	p, ok := s.sup.Get("ws-1")
	require.True(t, ok)
	assert.True(t, p.Alive())
	assert.False(t, p.Active())

	// Output produced while detached is retained for the next attach.
	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "while away\n"))
	c2 := &msgRecorder{}
	require.Eventually(t, func() bool {
		sess, _ := s.sessions.Get("ws-1")
		return strings.Contains(sess.Contents(), "while away")
	}, 5*time.Second, 10*time.Millisecond)
	s.ctl.Attach("ws-1", c2)
	assert.Contains(t, c2.outputs(), "while away")
}

func TestClearDeliversClearAndKeepsAttachment(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	c := &msgRecorder{}
	s.ctl.Attach("ws-1", c)

	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "old\n"))
	require.Eventually(t, func() bool {
		return strings.Contains(c.outputs(), "old")
	}, 5*time.Second, 10*time.Millisecond)

	s.ctl.Clear("ws-1")
	require.True(t, c.has(session.Clear{}))

	sess, _ := s.sessions.Get("ws-1")
	assert.Empty(t, sess.Contents())

	// Still attached: new output keeps flowing.
	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "new\n"))
	require.Eventually(t, func() bool {
		return strings.Contains(c.outputs(), "new")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResetTerminatesBeforeClearing(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	c := &msgRecorder{}
	s.ctl.Attach("ws-1", c)

	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", "history\n"))
	require.Eventually(t, func() bool {
		return strings.Contains(c.outputs(), "history")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.ctl.Reset(ctx, "ws-1"))

	// The process is gone and the buffer is empty before the reset signal.
	assert.Equal(t, 0, s.sup.Count())
	sess, _ := s.sessions.Get("ws-1")
	assert.Empty(t, sess.Contents())
	require.True(t, c.has(session.Reset{}))
}

func TestResetUnknownKeyIsNoop(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	require.NoError(t, s.ctl.Reset(context.Background(), "never-opened"))
}

func TestLargeInputIsChunkedWithBackpressure(t *testing.T) {
	s := newStack(t, "", supervisor.Options{HighWaterMark: 1024}, 4096)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))

	payload := strings.Repeat("z", 64_000) + "\n"
	require.NoError(t, s.ctl.SendInput(ctx, "ws-1", payload))

	require.Eventually(t, func() bool {
		sess, _ := s.sessions.Get("ws-1")
		return strings.Count(sess.Contents(), "z") == 64_000
	}, 10*time.Second, 20*time.Millisecond)
}

func TestScrollbackSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termmux.db")
	ctx := context.Background()

	s1 := newStack(t, dbPath, supervisor.Options{}, 0)
	require.NoError(t, s1.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	require.NoError(t, s1.ctl.SendInput(ctx, "ws-1", "persist me\n"))
	require.Eventually(t, func() bool {
		sess, _ := s1.sessions.Get("ws-1")
		return strings.Contains(sess.Contents(), "persist me")
	}, 5*time.Second, 10*time.Millisecond)

	// Simulate a daemon restart: snapshot on shutdown, hydrate on open.
	require.NoError(t, s1.ctl.Shutdown(ctx))

	s2 := newStack(t, dbPath, supervisor.Options{}, 0)
	require.NoError(t, s2.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))

	c := &msgRecorder{}
	s2.ctl.Attach("ws-1", c)
	assert.Contains(t, c.outputs(), "persist me")
}

func TestConcurrentOpenHydratesOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termmux.db")
	db, err := storage.NewDB(dbPath)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("ws-%d", i)
		require.NoError(t, db.SaveScrollback(context.Background(), key, []byte("restored once")))
	}
	require.NoError(t, db.Close())

	s := newStack(t, dbPath, supervisor.Options{}, 0)
	ctx := context.Background()
	cwd := t.TempDir()

	// Racing first opens for the same key must hydrate the snapshot exactly
	// once between them.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("ws-%d", i)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.ctl.Open(ctx, key, cwd, 80, 24))
			}()
		}
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		sess, ok := s.sessions.Get(fmt.Sprintf("ws-%d", i))
		require.True(t, ok)
		assert.Equal(t, 1, strings.Count(sess.Contents(), "restored once"))
	}
}

func TestStaleDetachDoesNotDeactivate(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	c1 := &msgRecorder{}
	s.ctl.Attach("ws-1", c1)
	c2 := &msgRecorder{}
	s.ctl.Attach("ws-1", c2) // supersedes c1

	// The superseded consumer's socket closing late must not mark the
	// process inactive while c2 is attached.
	s.ctl.Detach("ws-1", c1)

	p, ok := s.sup.Get("ws-1")
	require.True(t, ok)
	assert.True(t, p.Active())
	sess, _ := s.sessions.Get("ws-1")
	assert.True(t, sess.Connected())

	s.ctl.Detach("ws-1", c2)
	assert.False(t, p.Active())
	assert.False(t, sess.Connected())
}

func TestOpenRestoresStoredGeometry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "termmux.db")
	ctx := context.Background()
	cwd := t.TempDir()

	s1 := newStack(t, dbPath, supervisor.Options{}, 0)
	require.NoError(t, s1.ctl.Open(ctx, "ws-1", cwd, 132, 43))
	require.NoError(t, s1.ctl.Shutdown(ctx))

	// A reconnect that sends no cwd or geometry gets the stored values back.
	s2 := newStack(t, dbPath, supervisor.Options{}, 0)
	require.NoError(t, s2.ctl.Open(ctx, "ws-1", "", 0, 0))

	p, ok := s2.sup.Get("ws-1")
	require.True(t, ok)
	cols, rows := p.Size()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 43, rows)
	assert.Equal(t, cwd, p.Cwd)
}

func TestListSessionsReturnsPersistedRecords(t *testing.T) {
	s := newStack(t, filepath.Join(t.TempDir(), "termmux.db"), supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 100, 30))

	require.Eventually(t, func() bool {
		records, err := s.ctl.ListSessions(ctx)
		return err == nil && len(records) == 1 &&
			records[0].Key == "ws-1" && records[0].Cols == 100 && records[0].Rows == 30
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseSessionRemovesEverything(t *testing.T) {
	s := newStack(t, "", supervisor.Options{}, 0)
	ctx := context.Background()

	require.NoError(t, s.ctl.Open(ctx, "ws-1", t.TempDir(), 80, 24))
	require.NoError(t, s.ctl.CloseSession(ctx, "ws-1"))

	assert.Equal(t, 0, s.sup.Count())
	_, ok := s.sessions.Get("ws-1")
	assert.False(t, ok)
}
