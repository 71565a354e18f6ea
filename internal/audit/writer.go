// Package audit appends immutable facts about every state-changing action.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// Appender is anything that can persist an audit row: the store itself or
// an open transaction.
type Appender interface {
	AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error
}

// committer is implemented by transactions that can defer work until they
// commit
type committer interface {
	OnCommit(fn func())
}

// Store is the audit slice of the database
type Store interface {
	Appender
	ListAudit(ctx context.Context, filter database.AuditFilter) ([]types.AuditLogEntry, error)
}

// Writer records audit entries and mirrors them to the audit log stream
type Writer struct {
	store  Store
	clock  clock.Clock
	logger *logrus.Entry
}

// NewWriter creates a new audit writer
func NewWriter(store Store, clk clock.Clock, logger *logrus.Logger) *Writer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Writer{
		store:  store,
		clock:  clk,
		logger: logger.WithField("component", "audit"),
	}
}

// Record appends an entry on its own. A store failure is returned as a
// persistence failure; it is never swallowed.
func (w *Writer) Record(ctx context.Context, entry types.AuditLogEntry) error {
	return w.RecordTx(ctx, w.store, entry)
}

// RecordTx appends an entry through the caller's transaction so it commits
// or rolls back together with the state change it describes. The log line
// is written once the transaction commits.
func (w *Writer) RecordTx(ctx context.Context, appender Appender, entry types.AuditLogEntry) error {
	if entry.Action == "" || entry.EntityType == "" {
		return fmt.Errorf("audit entry requires action and entity type")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = w.clock.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = types.ActorSystem
	}

	if err := appender.AppendAudit(ctx, &entry); err != nil {
		logging.LogStorageError(w.logger, err, "append_audit", true)
		return types.NewPersistenceError("record audit "+entry.Action, err)
	}

	if tx, ok := appender.(committer); ok {
		tx.OnCommit(func() { w.mirror(entry) })
		return nil
	}
	w.mirror(entry)
	return nil
}

// Query lists audit entries for the admin API
func (w *Writer) Query(ctx context.Context, filter database.AuditFilter) ([]types.AuditLogEntry, error) {
	return w.store.ListAudit(ctx, filter)
}

// mirror writes the entry to the structured log at a level matching how
// suspicious the action is
func (w *Writer) mirror(entry types.AuditLogEntry) {
	fields := logrus.Fields{
		"audit_id":    entry.ID,
		"actor":       entry.Actor,
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
	}
	if entry.SourceIP != "" {
		fields["client_ip"] = entry.SourceIP
	}
	for key, value := range entry.Detail {
		fields["detail_"+key] = value
	}
	logEntry := w.logger.WithFields(fields)

	switch severityOf(entry.Action) {
	case severityHigh:
		logEntry.Warn("Audit event")
	case severityLow:
		logEntry.Debug("Audit event")
	default:
		logEntry.Info("Audit event")
	}
}

type severity int

const (
	severityLow severity = iota
	severityMedium
	severityHigh
)

func severityOf(action string) severity {
	switch action {
	case types.ActionCredentialInvalid,
		types.ActionApprovalCallbackUnknown,
		types.ActionApprovalCallbackExpired,
		types.ActionEntryExitAnomaly,
		types.ActionCameraOffline,
		types.ActionApprovalDispatchFailed:
		return severityHigh
	case types.ActionDetectionRejected,
		types.ActionDetectionDuplicateEntry,
		types.ActionApprovalCallbackDup:
		return severityLow
	default:
		return severityMedium
	}
}
