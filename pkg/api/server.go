package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pomodex/sandboxd/pkg/auth"
	"github.com/pomodex/sandboxd/pkg/config"
	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/metrics"
	"github.com/pomodex/sandboxd/pkg/types"
)

// ProjectController is the lifecycle surface the HTTP layer exposes.
type ProjectController interface {
	Create(ctx context.Context, userID uuid.UUID, name string) (*types.Project, error)
	Get(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error)
	List(ctx context.Context, userID uuid.UUID) ([]*types.Project, error)
	Stop(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error)
	Start(ctx context.Context, projectID, userID uuid.UUID) (*types.Project, error)
	Delete(ctx context.Context, projectID, userID uuid.UUID) error
}

// AuthService issues and checks credentials for the HTTP layer.
type AuthService interface {
	Register(ctx context.Context, email, password string) (*types.User, error)
	Login(ctx context.Context, email, password string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Authenticate(token string) (uuid.UUID, error)
	VerifyProjectAccess(ctx context.Context, token string, projectID uuid.UUID) (uuid.UUID, error)
}

// Server is the orchestrator's HTTP API.
type Server struct {
	controller ProjectController
	auth       AuthService
	config     *config.Config
	// internalSecret guards /internal routes; "" disables them.
	internalSecret string
	httpServer     *http.Server
}

// NewServer builds the API server and its router.
func NewServer(controller ProjectController, auth AuthService, cfg *config.Config) *Server {
	s := &Server{
		controller:     controller,
		auth:           auth,
		config:         cfg,
		internalSecret: cfg.InternalSecret(),
	}

	router := mux.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	projects := router.PathPrefix("/projects").Subrouter()
	projects.Use(s.authMiddleware)
	projects.HandleFunc("", s.handleListProjects).Methods(http.MethodGet)
	projects.HandleFunc("", s.handleCreateProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}", s.handleGetProject).Methods(http.MethodGet)
	projects.HandleFunc("/{id}", s.handleDeleteProject).Methods(http.MethodDelete)
	projects.HandleFunc("/{id}/start", s.handleStartProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}/restore", s.handleStartProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}/stop", s.handleStopProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}/snapshot", s.handleStopProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}/backup-status", s.handleBackupStatus).Methods(http.MethodGet)

	internal := router.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalMiddleware)
	internal.HandleFunc("/validate", s.handleInternalValidate).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
