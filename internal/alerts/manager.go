// Package alerts stores camera-offline and lifecycle alerts and hands them
// to downstream delivery handlers.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/types"
)

// Store is the alert slice of the database
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error)
	ListAlerts(ctx context.Context, filter database.AlertFilter) ([]types.Alert, error)
}

// Manager opens and resolves alerts in the store and publishes them to the
// handler once the owning transaction has committed
type Manager struct {
	store          Store
	handler        Handler
	audit          *audit.Writer
	clock          clock.Clock
	publishTimeout time.Duration
	logger         *logrus.Entry
}

// NewManager creates an alert manager. A nil handler logs alerts only.
func NewManager(store Store, handler Handler, auditWriter *audit.Writer, clk clock.Clock, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if handler == nil {
		handler = NewLogHandler(logger)
	}
	return &Manager{
		store:          store,
		handler:        handler,
		audit:          auditWriter,
		clock:          clk,
		publishTimeout: 10 * time.Second,
		logger:         logging.NewServiceLogger(logger, "alerts"),
	}
}

// RaiseTx opens an alert inside tx. It returns nil, without error, when an
// open alert of the same kind already exists for the subject.
func (m *Manager) RaiseTx(ctx context.Context, tx database.Tx, alert types.Alert) (*types.Alert, error) {
	if alert.Kind == "" || (alert.CameraID == "" && alert.EntryID == "") {
		return nil, fmt.Errorf("alert requires a kind and a subject")
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.clock.Now().UTC()
	}
	alert.IsResolved = false
	alert.ResolvedAt = nil

	opened, err := tx.OpenAlert(ctx, &alert)
	if err != nil {
		return nil, err
	}
	if !opened {
		m.logger.WithFields(logrus.Fields{
			"alert_kind": alert.Kind,
			"subject":    alert.Subject(),
		}).Debug("Alert already open")
		return nil, nil
	}
	return &alert, nil
}

// ResolveTx resolves the open alert of kind for a subject inside tx. It
// returns nil when nothing was open.
func (m *Manager) ResolveTx(ctx context.Context, tx database.Tx, kind types.AlertKind, cameraID, entryID string) (*types.Alert, error) {
	return tx.ResolveOpenAlert(ctx, kind, cameraID, entryID, m.clock.Now().UTC())
}

// Publish delivers a committed alert. Delivery failures are logged; the
// alert stays in the store either way.
func (m *Manager) Publish(ctx context.Context, alert types.Alert) {
	if !alert.IsResolved {
		metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
	defer cancel()

	if err := m.handler.HandleAlert(ctx, EventFrom(alert)); err != nil {
		logging.LogStructuredError(m.logger, logging.NewStructuredError(err, logging.ErrorContext{
			Category:    logging.ErrorCategoryNetwork,
			Severity:    logging.ErrorSeverityMedium,
			Component:   "alerts",
			Operation:   "publish",
			CameraID:    alert.CameraID,
			EntryID:     alert.EntryID,
			Recoverable: true,
		}))
	}
}

// Acknowledge resolves an alert on behalf of an admin. The resolution and
// its audit entry commit together.
func (m *Manager) Acknowledge(ctx context.Context, id, actorID, sourceIP string) (*types.Alert, error) {
	now := m.clock.Now().UTC()

	var alert *types.Alert
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		current, err := tx.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		alert = current
		if current.IsResolved {
			return fmt.Errorf("alert %s already resolved: %w", id, types.ErrConflictingState)
		}

		resolved, err := tx.ResolveAlert(ctx, id, now)
		if err != nil {
			return err
		}
		if !resolved {
			return fmt.Errorf("alert %s already resolved: %w", id, types.ErrConflictingState)
		}
		current.IsResolved = true
		current.ResolvedAt = &now

		return m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Actor:      actorID,
			Action:     types.ActionAlertAcknowledged,
			EntityType: types.EntityAlert,
			EntityID:   current.ID,
			SourceIP:   sourceIP,
			Detail: map[string]interface{}{
				"kind":    current.Kind,
				"subject": current.Subject(),
			},
		})
	})
	if err != nil {
		if errors.Is(err, types.ErrConflictingState) {
			return alert, err
		}
		return nil, err
	}

	m.Publish(ctx, *alert)
	return alert, nil
}

// List returns alerts for the admin API
func (m *Manager) List(ctx context.Context, filter database.AlertFilter) ([]types.Alert, error) {
	return m.store.ListAlerts(ctx, filter)
}
