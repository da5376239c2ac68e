package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limits bounds a session's retained history and tunes the output relay.
type Limits struct {
	MaxBufferBytes  int     // byte cap for retained output
	MaxHistoryLines int     // newline cap for retained output
	TrimRatio       float64 // fraction of a cap retained after a trim

	FlushBytes     int           // pending bytes that force an immediate flush
	MaxHold        time.Duration // longest any byte may sit unflushed
	CoalesceWindow time.Duration // window within which small writes merge
}

// DefaultLimits returns the caps and timings the relay was designed around.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferBytes:  1_000_000,
		MaxHistoryLines: 10_000,
		TrimRatio:       0.7,
		FlushBytes:      8192,
		MaxHold:         32 * time.Millisecond,
		CoalesceWindow:  16 * time.Millisecond,
	}
}

// Sessions is the per-key registry of output buffers. One instance is
// constructed at startup and shared by the supervisor (producer side) and
// the transport (consumer side).
type Sessions struct {
	log    *zap.SugaredLogger
	limits Limits

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessions(log *zap.SugaredLogger, limits Limits) *Sessions {
	if limits.TrimRatio <= 0 || limits.TrimRatio >= 1 {
		limits.TrimRatio = DefaultLimits().TrimRatio
	}
	return &Sessions{
		log:      log,
		limits:   limits,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate lazily creates the session for key.
func (m *Sessions) GetOrCreate(key string) *Session {
	s, _ := m.Ensure(key)
	return s
}

// Ensure returns the session for key, creating it if needed, and reports
// whether this call created it. The flag is decided under the registry lock,
// so exactly one of any racing callers sees true and can run one-time setup
// such as history hydration.
func (m *Sessions) Ensure(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s, false
	}
	s := &Session{
		key:    key,
		limits: m.limits,
		log:    m.log.Named("session").With("key", key),
	}
	m.sessions[key] = s
	return s, true
}

// Get returns the session for key if one exists.
func (m *Sessions) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// AddOutput appends child output to the session for key, creating it if
// needed. This is the supervisor's sink.
func (m *Sessions) AddOutput(key, data string) {
	m.GetOrCreate(key).AddOutput(data)
}

// Keys returns the keys of all live sessions.
func (m *Sessions) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Remove tears down the session for key: timers stopped, consumer detached,
// buffer dropped, registry entry deleted. A consumer disconnect alone never
// removes a session; only explicit teardown does.
func (m *Sessions) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// RemoveAll tears down every session. Each key is isolated so one
// misbehaving session cannot block global cleanup.
func (m *Sessions) RemoveAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for key, s := range sessions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Errorw("session teardown panicked", "key", key, "panic", r)
				}
			}()
			s.close()
		}()
	}
}

// Session holds one workspace's bounded output history and relay state.
// The chunk list is the exact byte sequence the child produced, oldest
// first, truncated only from the front by eviction.
type Session struct {
	key    string
	limits Limits
	log    *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	chunks     []string
	lineCounts []int // newlines per chunk, parallel to chunks
	totalBytes int
	totalLines int

	consumer  Consumer
	connected bool

	// Relay state, see relay.go.
	pending    strings.Builder
	batchStart time.Time
	lastFlush  time.Time
	timer      *time.Timer
}

// AddOutput appends data as a new chunk, evicts from the front if a cap is
// exceeded, and routes the data into the relay when a consumer is attached.
func (s *Session) AddOutput(data string) {
	if data == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.chunks = append(s.chunks, data)
	lines := strings.Count(data, "\n")
	s.lineCounts = append(s.lineCounts, lines)
	s.totalBytes += len(data)
	s.totalLines += lines
	s.evictLocked()

	if s.connected && s.consumer != nil {
		s.relayLocked(data, time.Now())
	}
}

// evictLocked drops whole chunks from the front while a cap is exceeded.
// The trim target is cap*TrimRatio rather than the cap itself, so a burst of
// writes pays for one trim instead of one per call. The newest chunk is
// never evicted, even if it alone exceeds a cap.
func (s *Session) evictLocked() {
	overBytes := s.totalBytes > s.limits.MaxBufferBytes
	overLines := s.totalLines > s.limits.MaxHistoryLines
	if !overBytes && !overLines {
		return
	}

	targetBytes := int(float64(s.limits.MaxBufferBytes) * s.limits.TrimRatio)
	targetLines := int(float64(s.limits.MaxHistoryLines) * s.limits.TrimRatio)

	for len(s.chunks) > 1 {
		if !(overBytes && s.totalBytes > targetBytes) && !(overLines && s.totalLines > targetLines) {
			break
		}
		s.totalBytes -= len(s.chunks[0])
		s.totalLines -= s.lineCounts[0]
		s.chunks = s.chunks[1:]
		s.lineCounts = s.lineCounts[1:]
	}
}

// Connect attaches consumer. Any previously attached consumer is considered
// disconnected; the newcomer wins. If the buffer holds history, it is sent
// to the new consumer as one snapshot, before any output produced after this
// call, and without clearing the buffer.
func (s *Session) Connect(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.consumer = c
	s.connected = true

	// Unflushed relay bytes are already part of the buffer, so the snapshot
	// covers them. Dropping the accumulator here prevents duplication.
	s.dropPendingLocked()

	if s.totalBytes > 0 {
		if err := c.Deliver(Output{Data: strings.Join(s.chunks, "")}); err != nil {
			s.log.Debugw("snapshot delivery failed", "error", err)
			s.connected = false
		}
	}
	s.lastFlush = time.Now()
}

// Disconnect detaches c only if it is the currently attached consumer, so a
// stale disconnect cannot clobber a newer attach. The buffer is untouched.
// It reports whether c was actually detached; false means a newer consumer
// had already superseded it.
func (s *Session) Disconnect(c Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != c {
		return false
	}
	s.consumer = nil
	s.connected = false
	s.dropPendingLocked()
	return true
}

// Connected reports whether a consumer is currently attached and healthy.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Deliver sends a control message to the attached consumer, if any.
func (s *Session) Deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.consumer == nil {
		return
	}
	if err := s.consumer.Deliver(msg); err != nil {
		s.log.Debugw("message delivery failed", "error", err)
		s.connected = false
	}
}

// Clear empties the chunk list and counters. Consumer attachment is
// untouched; pending relay bytes are dropped with the history they belong to.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	s.lineCounts = nil
	s.totalBytes = 0
	s.totalLines = 0
	s.dropPendingLocked()
}

// Contents returns the retained history as one string.
func (s *Session) Contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

// Size returns the retained byte and line totals.
func (s *Session) Size() (bytes, lines int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes, s.totalLines
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.consumer = nil
	s.connected = false
	s.chunks = nil
	s.lineCounts = nil
	s.totalBytes = 0
	s.totalLines = 0
	s.dropPendingLocked()
}
