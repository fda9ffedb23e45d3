package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"officemafia/internal/cleanup"
	"officemafia/internal/lifecycle"
	"officemafia/internal/metrics"
	"officemafia/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 1 << 16
)

// Server wraps HTTP handlers and configuration.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	mux             *http.ServeMux
	allowedOrigins  []string
	allowAllOrigins bool

	manager  *lifecycle.Manager
	store    store.Store
	events   *lifecycle.Bus
	cleanup  *cleanup.Scheduler
	upgrader websocket.Upgrader
	now      func() time.Time
}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Manager *lifecycle.Manager
	Store   store.Store
	Events  *lifecycle.Bus
	Logger  *slog.Logger
	// Cleanup is reported on /healthz when set.
	Cleanup *cleanup.Scheduler
}

// New constructs a Server with routes and middleware configured.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Manager == nil || deps.Store == nil || deps.Events == nil {
		return nil, errors.New("server requires a manager, a store and an event bus")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		manager:        deps.Manager,
		store:          deps.Store,
		events:         deps.Events,
		cleanup:        deps.Cleanup,
		now:            time.Now,
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || srv.matchOrigin(origin) != ""
		},
	}

	srv.routes()
	return srv, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(metrics.Middleware(s.mux)))
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /codes/{code}", s.handleFindSession)
	s.mux.HandleFunc("POST /codes/{code}/players", s.handleJoin)

	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /sessions/{id}/players", s.handleListPlayers)
	s.mux.HandleFunc("GET /sessions/{id}/winner", s.handleWinner)
	s.mux.Handle("POST /sessions/{id}/start", s.requireHost(sessionFromPath, http.HandlerFunc(s.handleStart)))
	s.mux.Handle("POST /sessions/{id}/roles/resume", s.requireHost(sessionFromPath, http.HandlerFunc(s.handleResume)))
	s.mux.Handle("PUT /sessions/{id}/phase", s.requireHost(sessionFromPath, http.HandlerFunc(s.handlePhase)))
	s.mux.Handle("POST /sessions/{id}/end", s.requireHost(sessionFromPath, http.HandlerFunc(s.handleEnd)))

	s.mux.Handle("POST /players/{id}/eliminate", s.requireHost(s.sessionOfPlayer, http.HandlerFunc(s.handleEliminate)))
	s.mux.Handle("POST /players/{id}/revive", s.requireHost(s.sessionOfPlayer, http.HandlerFunc(s.handleRevive)))

	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /ws/sessions/{id}", s.handleWebsocket)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type healthResponse struct {
	Status  string          `json:"status"`
	Cleanup *cleanup.Status `json:"cleanup,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.cleanup != nil {
		st := s.cleanup.Status()
		resp.Cleanup = &st
	}
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads an optional JSON body. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
