// Package server exposes terminal sessions over HTTP and WebSocket.
//
// Routes:
//
//	GET    /healthz                      liveness, version, session count
//	GET    /api/sessions                 list live sessions
//	POST   /api/sessions                 create a session
//	DELETE /api/sessions/{id}            kill a session
//	GET    /api/sessions/{id}/processes  processes running inside a session
//	GET    /api/history                  recent session lifecycle records
//	GET    /api/stats                    latest host statistics sample
//	GET    /ws                           attach a WebSocket terminal
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doughall/termbridge/internal/config"
	"github.com/doughall/termbridge/internal/history"
	"github.com/doughall/termbridge/internal/stats"
	"github.com/doughall/termbridge/internal/terminal"
	"github.com/doughall/termbridge/internal/version"
)

// Server serves the HTTP API and WebSocket terminal attachments.
// The history store and stats reporter are optional; their endpoints
// answer 404 when nil.
type Server struct {
	cfg      *config.Config
	registry *terminal.Registry
	history  *history.Store
	stats    *stats.Reporter
	procs    *stats.ProcessCollector
	logger   *slog.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader
	ready    atomic.Bool
}

// New builds the server and its routes.
func New(cfg *config.Config, registry *terminal.Registry, hist *history.Store, reporter *stats.Reporter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		history:  hist,
		stats:    reporter,
		procs:    stats.NewProcessCollector(logger),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKillSession)
	mux.HandleFunc("GET /api/sessions/{id}/processes", s.handleSessionProcesses)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, used by tests to serve over httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.logger.Info("http server listening",
		slog.String("addr", s.cfg.ListenAddr),
	)
	s.ready.Store(true)
	defer s.ready.Store(false)
	return s.httpSrv.ListenAndServe()
}

// Healthy reports whether the server is accepting connections. Feeds the
// systemd watchdog.
func (s *Server) Healthy() bool { return s.ready.Load() }

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx. WebSocket attachments are not waited for; they end when
// the registry kills their sessions in the shutdown step that follows.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpSrv.Shutdown(ctx)
}

// checkOrigin enforces the configured Origin allowlist on WebSocket
// upgrades. No Origin header means a non-browser client and is allowed;
// an empty allowlist restricts browsers to the server's own host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// createSessionRequest is the POST /api/sessions body. All fields are
// optional; zero values select the defaults.
type createSessionRequest struct {
	Shell string            `json:"shell"`
	Cwd   string            `json:"cwd"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
	Env   map[string]string `json:"env"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess, err := s.registry.CreateSession(terminal.CreateOptions{
		Shell: req.Shell,
		Cwd:   req.Cwd,
		Cols:  req.Cols,
		Rows:  req.Rows,
		Env:   req.Env,
	})
	if err != nil {
		s.logger.Error("session creation failed",
			slog.String("error", err.Error()),
		)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start session"})
		return
	}
	if sess == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session limit reached"})
		return
	}

	cols, rows := sess.Dims()
	s.writeJSON(w, http.StatusCreated, terminal.SessionInfo{
		ID:        sess.ID,
		Pid:       sess.Pid(),
		Shell:     sess.Shell,
		Cwd:       sess.Cwd,
		Cols:      cols,
		Rows:      rows,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.KillSession(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionProcesses(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Get(r.PathValue("id"))
	if sess == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	procs, err := s.procs.SessionProcesses(r.Context(), int32(sess.Pid()))
	if err != nil {
		s.logger.Error("process enumeration failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "process enumeration failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("history query failed",
			slog.String("error", err.Error()),
		)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats disabled"})
		return
	}
	sample, ok := s.stats.Latest()
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no sample collected yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed",
			slog.String("error", err.Error()),
		)
	}
}
