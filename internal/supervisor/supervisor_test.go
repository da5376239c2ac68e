package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sinkRecorder collects everything the supervisor pushes per key.
type sinkRecorder struct {
	mu   sync.Mutex
	data map[string]string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{data: make(map[string]string)}
}

func (r *sinkRecorder) AddOutput(key, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] += data
}

func (r *sinkRecorder) get(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[key]
}

// echoSpec runs cat: everything written to stdin comes back on stdout. The
// trailing positional args (cols, rows, cwd) land in $@ and are ignored.
func echoSpec() Spec {
	return Spec{Command: "sh", Args: []string{"-c", "cat"}}
}

func newTestSupervisor(t *testing.T, sink OutputSink, opts Options) *Supervisor {
	t.Helper()
	s := New(zap.NewNop().Sugar(), sink, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.TerminateAll(ctx)
	})
	return s
}

func TestGetOrCreateReusesLiveProcess(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	p1, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	p2, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.Same(t, p1, p2)
	assert.Equal(t, 1, s.Count())
}

func TestSendReachesChild(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	_, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)

	s.Send("ws-1", "hello\n")
	require.Eventually(t, func() bool {
		return strings.Contains(sink.get("ws-1"), "hello")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnexpectedExitRemovesRegistryEntry(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	spec := Spec{Command: "sh", Args: []string{"-c", "exit 0"}}
	p1, err := s.GetOrCreate("ws-1", spec, t.TempDir(), 80, 24)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The next call spawns fresh instead of returning the dead process.
	p2, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.NotSame(t, p1, p2)
	require.True(t, p2.Alive())
}

func TestSpawnFailureSurfacesAsOutputChunk(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	_, err := s.GetOrCreate("ws-1", Spec{Command: "/nonexistent/termmux-helper"}, t.TempDir(), 80, 24)
	require.Error(t, err)
	assert.Contains(t, sink.get("ws-1"), "shell error:")
	assert.Equal(t, 0, s.Count())
}

func TestSendAfterTerminateIsSilentNoop(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	_, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.NoError(t, s.TerminateAndWait(context.Background(), "ws-1"))

	// Must not panic or error; the input is dropped.
	s.Send("ws-1", "into the void\n")
	assert.Equal(t, 0, s.Count())
}

func TestTerminateIsIdempotent(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	_, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)

	require.NoError(t, s.TerminateAndWait(context.Background(), "ws-1"))
	require.NoError(t, s.TerminateAndWait(context.Background(), "ws-1"))
	require.NoError(t, s.TerminateAndWait(context.Background(), "never-existed"))
}

func TestResizeWritesSequenceAtMostOnce(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	_, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)

	s.Resize("ws-1", 100, 30)
	s.Resize("ws-1", 100, 30) // identical, must be a no-op

	require.Eventually(t, func() bool {
		return strings.Contains(sink.get("ws-1"), "\x1b[8;30;100t")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(sink.get("ws-1"), "\x1b[8;30;100t"))

	// Repeating the same geometry later is still a no-op.
	s.Resize("ws-1", 100, 30)
	assert.Equal(t, 1, strings.Count(sink.get("ws-1"), "\x1b[8;30;100t"))
}

func TestStartupCommandsOnlyOnFirstSpawn(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	// Echo the argv the supervisor hands us, then behave like cat.
	spec := Spec{
		Command:         "sh",
		Args:            []string{"-c", `printf '%s ' "$@"; echo; cat`, "argv"},
		StartupCommands: []string{"source ~/.profile"},
	}

	_, err := s.GetOrCreate("ws-1", spec, t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(sink.get("ws-1"), "--startup-commands")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.TerminateAndWait(context.Background(), "ws-1"))

	// The respawn must not replay the startup commands.
	_, err = s.GetOrCreate("ws-1", spec, t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		// Second argv line arrived (two "argv echoes" worth of output).
		return strings.Count(sink.get("ws-1"), "80 24") == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(sink.get("ws-1"), "--startup-commands"))
}

func TestTerminationEscalatesToKill(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{
		TermGrace: 200 * time.Millisecond,
		KillGrace: 2 * time.Second,
	})

	// A child that ignores SIGTERM forces the SIGKILL path.
	spec := Spec{Command: "sh", Args: []string{"-c", `trap "" TERM; while :; do sleep 0.1; done`}}
	_, err := s.GetOrCreate("ws-1", spec, t.TempDir(), 80, 24)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.TerminateAndWait(context.Background(), "ws-1"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, s.Count())
}

func TestTerminateAll(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.GetOrCreate(key, echoSpec(), t.TempDir(), 80, 24)
		require.NoError(t, err)
	}
	require.Equal(t, 3, s.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.TerminateAll(ctx)
	assert.Equal(t, 0, s.Count())
}

func TestDeactivateKeepsProcessRunning(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	p, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.True(t, p.Active())

	s.Deactivate("ws-1")
	require.False(t, p.Active())
	require.True(t, p.Alive())

	// Reattaching flips it back.
	_, err = s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)
	require.True(t, p.Active())
}

func TestStderrIsNormalizedToCRLF(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{})

	spec := Spec{Command: "sh", Args: []string{"-c", `printf 'oops\n' >&2; cat`}}
	_, err := s.GetOrCreate("ws-1", spec, t.TempDir(), 80, 24)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(sink.get("ws-1"), "oops\r\n")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackpressureRoundTrip(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSupervisor(t, sink, Options{HighWaterMark: 1024})

	_, err := s.GetOrCreate("ws-1", echoSpec(), t.TempDir(), 80, 24)
	require.NoError(t, err)

	// A write over the high-water mark reports backpressure.
	require.False(t, s.SendWithBackpressure("ws-1", strings.Repeat("z", 4096)+"\n"))

	// cat keeps reading, so the queue drains.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForDrain(ctx, "ws-1"))

	require.Eventually(t, func() bool {
		return strings.Count(sink.get("ws-1"), "z") == 4096
	}, 5*time.Second, 10*time.Millisecond)

	// Unknown keys never block a drain wait.
	require.NoError(t, s.WaitForDrain(ctx, "missing"))
	require.True(t, s.SendWithBackpressure("missing", "dropped"))
}

func TestNormalizeCRLF(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n", normalizeCRLF("a\nb\n"))
	assert.Equal(t, "a\r\nb", normalizeCRLF("a\r\nb"))
	assert.Equal(t, "plain", normalizeCRLF("plain"))
}
