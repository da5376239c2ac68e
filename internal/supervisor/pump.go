package supervisor

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// inputPump feeds a child's stdin from an in-memory queue so callers never
// block on the pipe. The queue is bounded by convention, not by force:
// Enqueue reports whether the queue is still under the high-water mark, and
// WaitDrain lets a caller pushing large input (a multi-megabyte paste split
// into pieces) suspend until the queue has emptied before sending more.
type inputPump struct {
	log       *zap.SugaredLogger
	w         io.WriteCloser
	highWater int

	wake chan struct{} // 1-buffered nudge for the writer goroutine

	mu      sync.Mutex
	queue   [][]byte
	queued  int           // bytes across queue
	closed  bool
	drained chan struct{} // non-nil while bytes are queued; closed on empty
}

func newInputPump(log *zap.SugaredLogger, w io.WriteCloser, highWater int) *inputPump {
	p := &inputPump{
		log:       log,
		w:         w,
		highWater: highWater,
		wake:      make(chan struct{}, 1),
	}
	go p.run()
	return p
}

// Enqueue appends data to the queue and reports whether the queue is under
// the high-water mark afterwards. Data sent to a closed pump is silently
// dropped: the race between a terminating process and in-flight input is
// expected and must not surface as an error.
func (p *inputPump) Enqueue(data []byte) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Debugw("dropping input for closed stream", "bytes", len(data))
		return true
	}
	p.queue = append(p.queue, data)
	p.queued += len(data)
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	under := p.queued < p.highWater
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return under
}

// WaitDrain blocks until every queued byte has been handed to the pipe, the
// pump closes, or ctx is done.
func (p *inputPump) WaitDrain(ctx context.Context) error {
	p.mu.Lock()
	ch := p.drained
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether the pump no longer accepts input.
func (p *inputPump) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drops any queued input and closes the underlying pipe, unblocking a
// writer goroutine stuck on a full pipe. Safe to call more than once.
func (p *inputPump) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.queued = 0
	if p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	_ = p.w.Close()
}

func (p *inputPump) run() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			<-p.wake
			continue
		}
		data := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		// Write outside the lock: a full pipe blocks here until the child
		// reads or Close tears the pipe down.
		_, err := p.w.Write(data)

		p.mu.Lock()
		p.queued -= len(data)
		if err != nil {
			p.log.Debugw("stdin write failed, closing input stream", "error", err)
			p.closed = true
			p.queue = nil
			p.queued = 0
		}
		if p.queued == 0 && p.drained != nil {
			close(p.drained)
			p.drained = nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			_ = p.w.Close()
			return
		}
	}
}
