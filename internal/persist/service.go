// Package persist writes session metadata and scrollback snapshots to
// storage without blocking PTY output handling. Writes are queued onto a
// background worker; the queue is drained on Close.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termmux/termmux/internal/storage"
)

// Service manages asynchronous persistence of session state.
type Service struct {
	log      *zap.SugaredLogger
	db       *storage.DB
	writeCh  chan *writeRequest
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// writeRequest encapsulates one persistence operation.
type writeRequest struct {
	apply    func(ctx context.Context) error
	resultCh chan error // optional, for callers who want confirmation
}

// NewService creates a persistence service backed by db and starts its
// background write worker.
func NewService(log *zap.SugaredLogger, db *storage.DB) *Service {
	svc := &Service{
		log:     log,
		db:      db,
		writeCh: make(chan *writeRequest, 100), // buffered to handle bursts
		stopCh:  make(chan struct{}),
	}

	svc.wg.Add(1)
	go svc.writeWorker()

	return svc
}

// writeWorker processes write requests in the background.
func (s *Service) writeWorker() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.writeCh:
			s.handle(req)

		case <-s.stopCh:
			// Drain remaining writes before exiting
			for {
				select {
				case req := <-s.writeCh:
					s.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(req *writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := req.apply(ctx)
	cancel()

	if err != nil {
		s.log.Warnw("persistence write failed", "error", err)
	}
	if req.resultCh != nil {
		req.resultCh <- err
		close(req.resultCh)
	}
}

// enqueue queues a write, dropping it if the buffer is full.
func (s *Service) enqueue(apply func(ctx context.Context) error) {
	select {
	case s.writeCh <- &writeRequest{apply: apply}:
	default:
		s.log.Warnw("persistence buffer full, dropping write")
	}
}

// RecordSession asynchronously upserts a session's metadata.
func (s *Service) RecordSession(key, cwd string, cols, rows int) {
	rec := &storage.SessionRecord{Key: key, Cwd: cwd, Cols: cols, Rows: rows}
	s.enqueue(func(ctx context.Context) error {
		return s.db.UpsertSession(ctx, rec)
	})
}

// SaveSnapshot asynchronously persists a session's retained output.
func (s *Service) SaveSnapshot(key string, data []byte) {
	s.enqueue(func(ctx context.Context) error {
		return s.db.SaveScrollback(ctx, key, data)
	})
}

// SaveSnapshotSync persists a snapshot and waits for completion. Used at
// shutdown, where the write must land before the database closes.
func (s *Service) SaveSnapshotSync(key string, data []byte) error {
	resultCh := make(chan error, 1)
	req := &writeRequest{
		apply: func(ctx context.Context) error {
			return s.db.SaveScrollback(ctx, key, data)
		},
		resultCh: resultCh,
	}

	select {
	case s.writeCh <- req:
		return <-resultCh
	default:
		return nil // drop if buffer full
	}
}

// DeleteSession asynchronously removes a session's record and snapshot.
func (s *Service) DeleteSession(key string) {
	s.enqueue(func(ctx context.Context) error {
		return s.db.DeleteSession(ctx, key)
	})
}

// LoadSnapshot reads a session's stored scrollback, or nil if none exists.
func (s *Service) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	return s.db.GetScrollback(ctx, key)
}

// GetSession reads a session's persisted metadata, or nil if none exists.
func (s *Service) GetSession(ctx context.Context, key string) (*storage.SessionRecord, error) {
	return s.db.GetSession(ctx, key)
}

// ListSessions reads all persisted session records.
func (s *Service) ListSessions(ctx context.Context) ([]*storage.SessionRecord, error) {
	return s.db.ListSessions(ctx)
}

// Close gracefully shuts down the service, waiting for pending writes.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}
