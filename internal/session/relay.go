package session

import "time"

// The output relay batches rapid small writes into larger messages while
// bounding worst-case latency. Incoming chunks accumulate in pending; a
// flush sends the whole accumulator as one Output message.
//
// A flush happens immediately, bypassing any timer, when the accumulator
// reaches FlushBytes or the oldest pending byte has waited MaxHold. An
// isolated write (no flush within the last CoalesceWindow) also flushes
// immediately, so quiet streams see near-zero added latency. Only writes
// arriving hot on the heels of a previous flush are deferred, by
// rescheduling a single timer, which caps a sustained burst at roughly one
// message per window.

// relayLocked routes one chunk into the scheduler. Caller holds s.mu.
func (s *Session) relayLocked(data string, now time.Time) {
	if s.pending.Len() == 0 {
		s.batchStart = now
	}
	s.pending.WriteString(data)

	switch {
	case s.pending.Len() >= s.limits.FlushBytes:
		s.flushLocked(now)
	case now.Sub(s.batchStart) >= s.limits.MaxHold:
		s.flushLocked(now)
	case now.Sub(s.lastFlush) >= s.limits.CoalesceWindow:
		s.flushLocked(now)
	default:
		s.scheduleFlushLocked()
	}
}

// scheduleFlushLocked arms (or re-arms) the debounce timer to fire after the
// coalescing window. Cancelling the previous timer before arming a new one
// is what prevents duplicate flushes.
func (s *Session) scheduleFlushLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.limits.CoalesceWindow, s.flushFromTimer)
}

func (s *Session) flushFromTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending.Len() == 0 {
		return
	}
	s.flushLocked(time.Now())
}

// flushLocked sends the accumulator as one message and clears it. A failed
// send marks the session disconnected and discards the pending bytes; the
// buffer itself is untouched, so a future reconnect still sees full history.
func (s *Session) flushLocked(now time.Time) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending.Len() == 0 {
		return
	}
	data := s.pending.String()
	s.pending.Reset()
	s.lastFlush = now

	if !s.connected || s.consumer == nil {
		return
	}
	if err := s.consumer.Deliver(Output{Data: data}); err != nil {
		s.log.Debugw("flush failed, marking consumer disconnected", "error", err)
		s.connected = false
	}
}

// dropPendingLocked discards unflushed relay state. Caller holds s.mu.
func (s *Session) dropPendingLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending.Reset()
}
