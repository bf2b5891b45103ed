// Package api provides the HTTP server for CoursePipe.
//
// It exposes the course engine (current block, submit, advance), progress tracking and
// scenario upload as JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/llm"
	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Server timeouts
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout covers LLM generation inside a request.
	DefaultWriteTimeout    = 3 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	// MaxScenarioBytes caps an uploaded scenario document.
	MaxScenarioBytes = 4 << 20
)

// CourseEngine is the engine surface the API serves.
type CourseEngine interface {
	GetCurrentBlock(ctx context.Context, userID, courseID uuid.UUID) (*models.BlockResult, error)
	SubmitBlockInput(ctx context.Context, userID, courseID uuid.UUID, blockID string, input json.RawMessage) (*models.BlockResult, error)
	AdvanceBlock(ctx context.Context, userID, courseID uuid.UUID) (*models.BlockResult, error)
	StartCourse(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error)
	GetProgress(ctx context.Context, userID, courseID uuid.UUID) (*models.UserPosition, error)
	ListProgress(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.UserPosition, error)
	UpdateUserData(ctx context.Context, userID, courseID uuid.UUID, data models.UserData, merge bool) (*models.UserPosition, error)
}

// ScenarioStore persists uploaded scenario documents.
type ScenarioStore interface {
	SaveScenario(ctx context.Context, courseID uuid.UUID, raw []byte) error
}

// ScenarioCache drops cached scenarios after an upload.
type ScenarioCache interface {
	Invalidate(ctx context.Context, courseID uuid.UUID)
}

// LLMStatus reports provider availability for the health endpoint.
type LLMStatus interface {
	IsAvailable() bool
	AvailableProviders() []llm.ProviderType
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	JWTSecret string
	Scenarios ScenarioStore
	Cache     ScenarioCache
	Admins    []uuid.UUID
	LLM       LLMStatus
}

// Option defines a function that configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithJWTSecret enables HS256 bearer token authentication. Without it the server trusts
// the X-User-ID header, which is only suitable behind an authenticating proxy.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) {
		o.JWTSecret = secret
	}
}

// WithScenarioStore enables scenario uploads.
func WithScenarioStore(s ScenarioStore, cache ScenarioCache) Option {
	return func(o *Opts) {
		o.Scenarios = s
		o.Cache = cache
	}
}

// WithScenarioAdmins lists the users allowed to upload scenarios. Tokens carrying
// role "admin" are allowed as well; everyone else gets 403.
func WithScenarioAdmins(ids ...uuid.UUID) Option {
	return func(o *Opts) {
		o.Admins = append(o.Admins, ids...)
	}
}

// WithLLMStatus reports provider availability on /health.
func WithLLMStatus(s LLMStatus) Option {
	return func(o *Opts) {
		o.LLM = s
	}
}

// Server holds all dependencies for the API handlers.
type Server struct {
	engine    CourseEngine
	scenarios ScenarioStore
	cache     ScenarioCache
	llm       LLMStatus
	admins    map[uuid.UUID]struct{}
	jwtSecret []byte
	addr      string
	mux       *http.ServeMux
	handler   http.Handler
}

// NewServer creates a new API server instance.
func NewServer(engine CourseEngine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		engine:    engine,
		scenarios: cfg.Scenarios,
		cache:     cfg.Cache,
		llm:       cfg.LLM,
		admins:    make(map[uuid.UUID]struct{}, len(cfg.Admins)),
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	for _, id := range cfg.Admins {
		s.admins[id] = struct{}{}
	}
	s.routes()
	s.handler = s.withRequestID(s.mux)
	slog.Debug("Server.NewServer: server created", "addr", s.addr, "jwt_enabled", s.jwtSecret != nil, "scenario_upload", s.scenarios != nil, "admins", len(s.admins))
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)

	s.mux.HandleFunc("GET /sessions/courses/{courseId}/current-block", s.authenticated(s.currentBlockHandler))
	s.mux.HandleFunc("POST /sessions/courses/{courseId}/submit-block", s.authenticated(s.submitBlockHandler))
	s.mux.HandleFunc("POST /sessions/courses/{courseId}/next-block", s.authenticated(s.nextBlockHandler))

	s.mux.HandleFunc("POST /progress/courses/{courseId}/start", s.authenticated(s.startCourseHandler))
	s.mux.HandleFunc("GET /progress/courses/{courseId}", s.authenticated(s.getProgressHandler))
	s.mux.HandleFunc("PATCH /progress/courses/{courseId}/user-data", s.authenticated(s.updateUserDataHandler))
	s.mux.HandleFunc("GET /progress", s.authenticated(s.listProgressHandler))

	s.mux.HandleFunc("PUT /courses/{courseId}/scenario", s.authenticated(s.adminOnly(s.putScenarioHandler)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Start: server failed", "error", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Start: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Start: graceful shutdown failed", "error", err)
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("Server.Start: server stopped")
	return nil
}

// Run builds a server and serves until SIGINT or SIGTERM.
func Run(engine CourseEngine, opts ...Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewServer(engine, opts...).Start(ctx)
}
