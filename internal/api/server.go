// Package api exposes the agent over HTTP: pipeline entry points for
// plan/gather/execute, the advisory verifier, board observation, and
// voice session bootstrap plus its confirmation-gate surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/board"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/logging"
	"taskpilot/internal/planner"
	"taskpilot/internal/verify"
	"taskpilot/internal/voice"
)

// ErrUnauthorized means session verification rejected the caller.
var ErrUnauthorized = errors.New("unauthorized")

// SessionVerifier resolves an opaque bearer token to a user id. It is an
// external collaborator; failures surface as 401 at the boundary.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to SessionVerifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) VerifySession(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Snapshotter persists the board after mutating requests.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snapshot map[board.Column][]*board.Task) error
}

// Options configures the HTTP surface.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration

	// VoiceURL is the external streaming transport handed to clients in
	// bootstrap credentials.
	VoiceURL      string
	VoiceDefaults voice.Options

	// Auth is optional; nil runs open, for local single-user use.
	Auth SessionVerifier

	// Snapshots is optional; when set the board is persisted after each
	// mutating agent run.
	Snapshots Snapshotter
}

// Server wires the agent components to HTTP handlers.
type Server struct {
	opts       Options
	pipeline   *planner.Pipeline
	verifier   *verify.Verifier
	dispatcher *dispatch.Dispatcher
	board      *board.Store
	logger     *zap.Logger

	voiceMu       sync.Mutex
	voiceSessions map[string]*voice.Session
}

// NewServer creates the HTTP surface.
func NewServer(pipeline *planner.Pipeline, verifier *verify.Verifier, dispatcher *dispatch.Dispatcher, b *board.Store, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8484"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		opts:          opts,
		pipeline:      pipeline,
		verifier:      verifier,
		dispatcher:    dispatcher,
		board:         b,
		logger:        logging.Get(logging.CategoryAPI),
		voiceSessions: make(map[string]*voice.Session),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /board", s.auth(s.handleBoard))

	mux.HandleFunc("POST /agent/run", s.auth(s.handleAgentRun))
	mux.HandleFunc("POST /agent/gather", s.auth(s.handleAgentGather))
	mux.HandleFunc("POST /agent/execute", s.auth(s.handleAgentExecute))
	mux.HandleFunc("POST /agent/verify", s.auth(s.handleAgentVerify))
	mux.HandleFunc("GET /agent/session/{id}", s.auth(s.handleAgentSession))

	mux.HandleFunc("POST /voice/session", s.auth(s.handleVoiceBootstrap))
	mux.HandleFunc("GET /voice/session/{id}", s.auth(s.handleVoiceSession))
	mux.HandleFunc("POST /voice/session/{id}/approve", s.auth(s.handleVoiceApprove))
	mux.HandleFunc("POST /voice/session/{id}/deny", s.auth(s.handleVoiceDeny))
	mux.HandleFunc("DELETE /voice/session/{id}", s.auth(s.handleVoiceClose))

	return mux
}

// Run serves until ctx is cancelled, then drains with the shutdown
// timeout. Open voice sessions are closed on the way out.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.closeVoiceSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) closeVoiceSessions() {
	s.voiceMu.Lock()
	sessions := make([]*voice.Session, 0, len(s.voiceSessions))
	for _, vs := range s.voiceSessions {
		sessions = append(sessions, vs)
	}
	s.voiceSessions = make(map[string]*voice.Session)
	s.voiceMu.Unlock()
	for _, vs := range sessions {
		vs.Close()
	}
}

// auth wraps a handler with session verification when configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		userID, err := s.opts.Auth.VerifySession(r.Context(), token)
		if err != nil {
			s.logger.Warn("session verification failed", zap.Error(err))
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		r.Header.Set("X-User-ID", userID)
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.board.Version(),
		"columns": s.board.Snapshot(),
	})
}

// snapshotBoard persists the board if persistence is wired. Failures are
// logged, not surfaced; the in-memory board stays authoritative.
func (s *Server) snapshotBoard(ctx context.Context) {
	if s.opts.Snapshots == nil {
		return
	}
	if err := s.opts.Snapshots.SaveSnapshot(ctx, s.board.Snapshot()); err != nil {
		s.logger.Error("board snapshot failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
