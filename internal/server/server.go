// Package server exposes the terminal backend to its rendering frontend
// over WebSocket. One socket carries one workspace key: output, clear, and
// reset messages flow out; input, resize, clear, and reset requests flow in.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/termmux/termmux/internal/terminal"
)

type Server struct {
	Log *zap.SugaredLogger
	Ctl *terminal.Controller

	Version string
	Build   string
}

// Handler returns the HTTP handler for the backend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/terminal", s.handleTerminal)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	// Missing cwd and geometry stay zero: the controller restores them from
	// the key's stored record before falling back to generic defaults.
	cwd := r.URL.Query().Get("cwd")
	cols := queryInt(r, "cols", 0)
	rows := queryInt(r, "rows", 0)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	consumer := newWSConsumer(ctx, conn)
	log := s.Log.With("key", key, "conn", consumer.id)

	// A spawn failure is not fatal here: the diagnostic chunk is already in
	// the buffer, so attach anyway and let the client see it and retry.
	if err := s.Ctl.Open(ctx, key, cwd, cols, rows); err != nil {
		log.Warnw("opening session failed", "error", err)
	}

	s.Ctl.Attach(key, consumer)
	log.Debug("consumer attached")
	defer func() {
		s.Ctl.Detach(key, consumer)
		log.Debug("consumer detached")
	}()

	s.readLoop(ctx, log, conn, key, cwd, cols, rows)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, key, cwd string, cols, rows int) {
	for {
		var env wireMessage
		err := wsjson.Read(ctx, conn, &env)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
			websocket.CloseStatus(err) == websocket.StatusGoingAway {
			log.Debug("client closed connection")
			return
		}
		if err != nil {
			log.Debugw("read failed", "error", err)
			return
		}

		msg, err := decodeClientMessage(env)
		if err != nil {
			log.Warnw("rejecting client message", "error", err)
			conn.Close(websocket.StatusUnsupportedData, err.Error())
			return
		}

		switch m := msg.(type) {
		case Input:
			if err := s.Ctl.SendInput(ctx, key, m.Data); err != nil {
				log.Debugw("send input failed", "error", err)
			}
		case Resize:
			s.Ctl.Resize(key, m.Cols, m.Rows)
		case ClearRequest:
			s.Ctl.Clear(key)
		case ResetRequest:
			// Two-phase: the process is fully gone and the buffer cleared
			// before the fresh process spawns into it.
			if err := s.Ctl.Reset(ctx, key); err != nil {
				log.Warnw("reset failed", "error", err)
				continue
			}
			if err := s.Ctl.Open(ctx, key, cwd, cols, rows); err != nil {
				log.Warnw("respawn after reset failed", "error", err)
			}
		case DetachRequest:
			// The deferred Detach in handleTerminal does the actual work.
			log.Debug("client requested detach")
			return
		}
	}
}

// sessionInfo is the JSON shape of one entry in the /sessions listing.
type sessionInfo struct {
	Key       string `json:"key"`
	Cwd       string `json:"cwd"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	UpdatedAt int64  `json:"updatedAt"`
}

// handleSessions lists every known workspace from persisted metadata, so a
// frontend can re-offer sessions that predate this daemon instance.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.Ctl.ListSessions(r.Context())
	if err != nil {
		s.Log.Warnw("listing sessions failed", "error", err)
		http.Error(w, "listing sessions failed", http.StatusInternalServerError)
		return
	}

	infos := make([]sessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, sessionInfo{
			Key:       rec.Key,
			Cwd:       rec.Cwd,
			Cols:      rec.Cols,
			Rows:      rec.Rows,
			UpdatedAt: rec.UpdatedAt.Unix(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.Version,
		"build":   s.Build,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
