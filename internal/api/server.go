// Package api is the HTTP boundary of the gate core. It serves camera
// ingestion, provider callbacks, the admin API and the live websocket feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"gate-event-core/internal/approval"
	"gate-event-core/internal/auth"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/config"
	"gate-event-core/internal/database"
	"gate-event-core/internal/ingest"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/registry"
	"gate-event-core/internal/types"
)

// Ingestor accepts camera traffic
type Ingestor interface {
	Ingest(ctx context.Context, cameraID, secret string, d types.Detection) (ingest.Result, error)
	Heartbeat(ctx context.Context, cameraID, secret, sourceIP string) error
}

// Entries serves admin overrides and entry lookups
type Entries interface {
	ManualAction(ctx context.Context, req lifecycle.ManualRequest) (lifecycle.Outcome, error)
	Get(ctx context.Context, id string) (*types.VehicleEntry, error)
	ListOpen(ctx context.Context) ([]types.VehicleEntry, error)
}

// Callbacks applies provider answers
type Callbacks interface {
	HandleCallback(ctx context.Context, token string, decision types.Decision, sourceIP string) (approval.CallbackResult, error)
}

// Approvals sends further approval rounds for held entries
type Approvals interface {
	RequestApproval(ctx context.Context, entryID string, channels []string, actorID string) ([]types.Approval, error)
}

// Directory manages cameras and registered vehicles
type Directory interface {
	Register(ctx context.Context, reg registry.Registration) (*types.Camera, string, error)
	List(ctx context.Context) ([]types.Camera, error)
	RegisterVehicle(ctx context.Context, reg registry.VehicleRegistration) (*types.Vehicle, error)
}

// Alerts lists and acknowledges alerts
type Alerts interface {
	List(ctx context.Context, filter database.AlertFilter) ([]types.Alert, error)
	Acknowledge(ctx context.Context, id, actorID, sourceIP string) (*types.Alert, error)
}

// AuditLog is the read side of the audit trail
type AuditLog interface {
	Query(ctx context.Context, filter database.AuditFilter) ([]types.AuditLogEntry, error)
}

// Pinger reports store reachability for the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP routes
type Deps struct {
	Ingest    Ingestor
	Entries   Entries
	Callbacks Callbacks
	Approvals Approvals
	Directory Directory
	Alerts    Alerts
	Audit     AuditLog
	Store     Pinger
	Hub       *Hub

	Tokens         *auth.TokenIssuer
	CallbackKey    string
	CallbackSigner *auth.PayloadSigner
}

// Server is the HTTP API server
type Server struct {
	config      config.APIConfig
	deps        Deps
	clock       clock.Clock
	logger      *logrus.Entry
	router      *mux.Router
	handler     http.Handler
	httpServer  *http.Server
	validate    *validator.Validate
	ingestSlots *semaphore.Weighted
}

// NewServer creates the API server and its routes
func NewServer(cfg config.APIConfig, deps Deps, clk clock.Clock, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 64
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		clock:       clk,
		logger:      logging.NewServiceLogger(logger, "api-server"),
		router:      mux.NewRouter(),
		validate:    validator.New(),
		ingestSlots: semaphore.NewWeighted(cfg.MaxConcurrency),
	}

	s.setupRoutes()
	s.handler = s.recoveryMiddleware(s.corsMiddleware(s.router))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.securityHeadersMiddleware)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// camera traffic
	cameras := v1.NewRoute().Subrouter()
	cameras.Use(s.ingestLimitMiddleware)
	cameras.HandleFunc("/detections", s.handleDetection).Methods(http.MethodPost)
	cameras.HandleFunc("/cameras/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	// provider callbacks
	callbacks := v1.NewRoute().Subrouter()
	callbacks.Use(s.callbackAuthMiddleware)
	callbacks.HandleFunc("/approvals/callback", s.handleApprovalCallback).Methods(http.MethodPost)

	// admin
	admin := v1.NewRoute().Subrouter()
	admin.Use(s.adminAuthMiddleware)
	admin.HandleFunc("/entries/manual", s.handleManualEntry).Methods(http.MethodPost)
	admin.HandleFunc("/entries/open", s.handleListOpenEntries).Methods(http.MethodGet)
	admin.HandleFunc("/entries/{id}", s.handleGetEntry).Methods(http.MethodGet)
	admin.HandleFunc("/entries/{id}/approvals", s.handleRequestApproval).Methods(http.MethodPost)
	admin.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	admin.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/alerts/{id}/ack", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	admin.HandleFunc("/cameras", s.handleListCameras).Methods(http.MethodGet)
	admin.HandleFunc("/cameras", s.handleRegisterCamera).Methods(http.MethodPost)
	admin.HandleFunc("/vehicles", s.handleRegisterVehicle).Methods(http.MethodPost)
	admin.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		return s.Shutdown()
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to gracefully shutdown API server")
		return err
	}

	s.logger.Info("API server stopped")
	return nil
}
