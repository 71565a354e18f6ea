// Package core assembles the gate event processing services and supervises
// them for the lifetime of the process.
package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gate-event-core/internal/alerts"
	"gate-event-core/internal/api"
	"gate-event-core/internal/approval"
	"gate-event-core/internal/approval/channels"
	"gate-event-core/internal/audit"
	"gate-event-core/internal/auth"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/config"
	"gate-event-core/internal/database"
	"gate-event-core/internal/filter"
	"gate-event-core/internal/ingest"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/monitor"
	"gate-event-core/internal/registry"
)

// signerKeyID identifies this core in signed outbound webhooks
const signerKeyID = "gate-event-core"

// Manager coordinates all gate core components and services
type Manager struct {
	mu     sync.RWMutex
	config *config.Config
	logger *logrus.Logger
	clock  clock.Clock

	// Core components
	database    *database.DB
	audit       *audit.Writer
	registry    *registry.Registry
	filter      *filter.Filter
	alerts      *alerts.Manager
	hub         *api.Hub
	coordinator *approval.Coordinator
	machine     *lifecycle.Machine
	monitor     *monitor.Monitor
	gateway     *ingest.Gateway
	tokens      *auth.TokenIssuer

	// API server
	apiServer *api.Server

	// Optional external connections
	redis *redis.Client
	nats  *nats.Conn

	// State
	isRunning bool
	startTime time.Time
	version   string

	cancel context.CancelFunc
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager)

// WithVersion sets the version for the manager
func WithVersion(version string) ManagerOption {
	return func(m *Manager) {
		m.version = version
	}
}

// WithLogger replaces the logger built from the configuration
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clk
	}
}

// NewManager creates a new gate core manager
func NewManager(cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		config:  cfg,
		clock:   clock.Real(),
		version: logging.Version,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logging.Initialize(cfg.LogLevel)
		if err := logging.SetupFileLogging(m.logger, cfg.LogFile); err != nil {
			return nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	if err := m.initializeComponents(); err != nil {
		m.closeConnections()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return m, nil
}

// initializeComponents builds the services bottom-up: store, audit,
// directory, alerting, approvals, lifecycle, monitor, ingestion, API
func (m *Manager) initializeComponents() error {
	m.logger.Info("Initializing gate core components")
	cfg := m.config

	db, err := database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	m.database = db

	m.audit = audit.NewWriter(db, m.clock, m.logger)

	var regOpts []registry.Option
	if cfg.Auth.BcryptCost > 0 {
		regOpts = append(regOpts, registry.WithBcryptCost(cfg.Auth.BcryptCost))
	}
	m.registry = registry.New(db, m.audit, m.clock, m.logger, regOpts...)

	m.filter = filter.New(filter.Config{
		MinPlateLength:      cfg.Filter.MinPlateLength,
		ConfidenceThreshold: cfg.Filter.ConfidenceThreshold,
		Cooldown:            cfg.Filter.Cooldown,
	}, nil, m.clock, m.logger)

	hubConfig := api.DefaultHubConfig()
	hubConfig.AllowedOrigins = cfg.API.AllowedOrigins
	m.hub = api.NewHub(hubConfig, m.clock, m.logger)

	alertHandler, err := m.buildAlertHandler()
	if err != nil {
		return err
	}
	m.alerts = alerts.NewManager(db, alertHandler, m.audit, m.clock, m.logger)

	if channels.NeedsRedis(cfg) {
		client, err := channels.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		m.redis = client
	}

	signer := auth.NewPayloadSigner(signerKeyID, cfg.Approval.CallbackKey)
	senders, err := channels.Build(cfg, channels.Deps{
		Redis:  m.redis,
		Hub:    m.hub,
		Signer: signer,
		Clock:  m.clock,
		Logger: m.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build approval channels: %w", err)
	}

	locks := lifecycle.NewKeyedLock()
	coordOpts := []approval.Option{
		approval.WithAlerter(m.alerts),
		approval.WithObserver(m.hub),
		approval.WithLocks(locks),
	}
	for channel, sender := range senders {
		coordOpts = append(coordOpts, approval.WithSender(channel, sender))
	}
	m.coordinator = approval.NewCoordinator(db, m.audit, m.clock, m.logger, approval.Config{
		Channels:        cfg.Approval.Channels,
		Timeout:         cfg.Approval.Timeout,
		DispatchTimeout: cfg.Approval.DispatchTimeout,
	}, coordOpts...)

	m.machine = lifecycle.NewMachine(db, m.audit,
		lifecycle.NewPolicy(lifecycle.PolicyConfig{
			RequireApprovalUnregistered: cfg.Lifecycle.RequireApprovalUnregistered,
			Capacity:                    cfg.Lifecycle.Capacity,
			MaxVisitDuration:            cfg.Lifecycle.MaxVisitDuration,
		}),
		m.clock, m.logger,
		lifecycle.WithApprovals(m.coordinator),
		lifecycle.WithAlerter(m.alerts),
		lifecycle.WithObserver(m.hub),
		lifecycle.WithLocks(locks),
	)

	m.monitor = monitor.New(db, m.alerts, m.audit, m.clock, m.logger, monitor.Config{
		Interval:         cfg.Monitor.Interval,
		OfflineThreshold: cfg.Monitor.OfflineThreshold,
	})
	m.registerHousekeeping()

	m.gateway = ingest.New(m.registry, m.monitor, m.filter, m.machine, m.audit, m.clock, m.logger)

	m.tokens = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration, m.clock.Now)

	m.apiServer = api.NewServer(cfg.API, api.Deps{
		Ingest:         m.gateway,
		Entries:        m.machine,
		Callbacks:      m.coordinator,
		Approvals:      m.coordinator,
		Directory:      m.registry,
		Alerts:         m.alerts,
		Audit:          m.audit,
		Store:          db,
		Hub:            m.hub,
		Tokens:         m.tokens,
		CallbackKey:    cfg.Approval.CallbackKey,
		CallbackSigner: signer,
	}, m.clock, m.logger)

	m.logger.WithFields(logrus.Fields{
		"driver":   cfg.Database.Driver,
		"channels": cfg.Approval.Channels,
		"redis":    m.redis != nil,
		"nats":     m.nats != nil,
	}).Info("Gate core components initialized")
	return nil
}

// buildAlertHandler fans alerts out to the log, the optional alert file, the
// optional NATS subjects and the live feed
func (m *Manager) buildAlertHandler() (alerts.Handler, error) {
	composite := alerts.NewCompositeHandler(m.logger, alerts.NewLogHandler(m.logger), m.hub)

	if m.config.AlertFile != "" {
		composite.AddHandler(alerts.NewFileHandler(m.logger, m.config.AlertFile))
	}

	if m.config.NATS.URL != "" {
		conn, err := alerts.ConnectNATS(m.config.NATS.URL, m.logger)
		if err != nil {
			return nil, err
		}
		m.nats = conn

		prefix := m.config.NATS.SubjectPrefix
		if prefix != "" && prefix[len(prefix)-1] != '.' {
			prefix += "."
		}
		composite.AddHandler(alerts.NewNATSHandler(conn, prefix))
	}

	return composite, nil
}

// registerHousekeeping attaches periodic jobs to the monitor's sweep
func (m *Manager) registerHousekeeping() {
	m.monitor.AddTask("filter_prune", func(ctx context.Context) error {
		if pruned := m.filter.Prune(m.clock.Now()); pruned > 0 {
			m.logger.WithField("pruned", pruned).Debug("Pruned filter cooldowns")
		}
		return nil
	})
	m.monitor.AddTask("approval_expiry", func(ctx context.Context) error {
		_, err := m.coordinator.ExpireOverdue(ctx)
		return err
	})
	m.monitor.AddTask("overdue_escalation", func(ctx context.Context) error {
		_, err := m.machine.EscalateOverdue(ctx)
		return err
	})
	m.monitor.AddTask("open_entries_gauge", func(ctx context.Context) error {
		count, err := m.database.CountOpenEntries(ctx)
		if err != nil {
			return err
		}
		metrics.OpenEntries.Set(float64(count))
		return nil
	})
}

// Start recovers pending approvals, starts every service and blocks until ctx
// ends or a service fails
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.isRunning = true
	m.startTime = m.clock.Now()
	m.mu.Unlock()

	m.logger.WithField("version", m.version).Info("Starting gate core")

	// approvals that lapsed while the process was down are resolved first,
	// the rest get their timers back
	if expired, err := m.coordinator.ExpireOverdue(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to expire overdue approvals")
	} else if expired > 0 {
		m.logger.WithField("expired", expired).Info("Expired approvals that lapsed during downtime")
	}
	if armed, err := m.coordinator.Rearm(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to re-arm approval timers")
	} else {
		m.logger.WithField("armed", armed).Info("Re-armed approval timers")
	}

	if err := m.monitor.Start(ctx); err != nil {
		cancel()
		m.markStopped()
		return fmt.Errorf("failed to start heartbeat monitor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.hub.Run(gctx)
	})
	g.Go(func() error {
		return m.apiServer.Start(gctx)
	})

	m.logger.Info("Gate core started")
	err := g.Wait()
	cancel()

	if shutdownErr := m.shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// Stop signals a running manager to shut down
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// shutdown stops the services in reverse dependency order
func (m *Manager) shutdown() error {
	m.logger.Info("Shutting down gate core")

	var shutdownErrors []error

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.monitor.Stop(ctx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("heartbeat monitor: %w", err))
	}

	// in-flight dispatches finish before the store closes
	m.coordinator.Close()

	if err := m.closeConnections(); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	m.markStopped()

	if len(shutdownErrors) > 0 {
		for _, err := range shutdownErrors {
			m.logger.WithError(err).Error("Shutdown error")
		}
		return fmt.Errorf("shutdown completed with %d errors", len(shutdownErrors))
	}

	m.logger.Info("Gate core shut down")
	return nil
}

// Close releases resources of a manager that was never started
func (m *Manager) Close() error {
	if m.coordinator != nil {
		m.coordinator.Close()
	}
	return m.closeConnections()
}

func (m *Manager) closeConnections() error {
	if m.nats != nil {
		if err := m.nats.Drain(); err != nil {
			m.logger.WithError(err).Warn("Failed to drain NATS connection")
		}
		m.nats = nil
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.WithError(err).Warn("Failed to close redis connection")
		}
		m.redis = nil
	}
	if m.database != nil {
		err := m.database.Close()
		m.database = nil
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func (m *Manager) markStopped() {
	m.mu.Lock()
	m.isRunning = false
	m.cancel = nil
	m.mu.Unlock()
}

// Handler returns the HTTP handler of the API server
func (m *Manager) Handler() http.Handler {
	return m.apiServer.Handler()
}

// Registry returns the camera and vehicle directory
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Tokens returns the admin token issuer
func (m *Manager) Tokens() *auth.TokenIssuer {
	return m.tokens
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// GetUptime returns how long the manager has been running
func (m *Manager) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isRunning {
		return 0
	}
	return m.clock.Now().Sub(m.startTime)
}

// GetStats returns a snapshot of component state
func (m *Manager) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"version":      m.version,
		"is_running":   m.IsRunning(),
		"uptime":       m.GetUptime().String(),
		"live_clients": m.hub.ConnectionCount(),
		"armed_timers": m.coordinator.ArmedTimers(),
		"channels":     m.coordinator.Channels(),
		"monitor":      m.monitor.GetStats(),
	}
	return stats
}
