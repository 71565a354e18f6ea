package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"gate-event-core/internal/types"
)

// Queries is the statement surface shared by DB and Tx
type Queries interface {
	InsertCamera(ctx context.Context, camera *types.Camera) error
	GetCamera(ctx context.Context, id string) (*types.Camera, error)
	ListCameras(ctx context.Context) ([]types.Camera, error)
	ListStaleCameras(ctx context.Context, cutoff time.Time) ([]types.Camera, error)
	TouchCamera(ctx context.Context, id string, at time.Time) error
	SetCameraOnline(ctx context.Context, id string) (bool, error)
	SetCameraOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)

	UpsertVehicle(ctx context.Context, vehicle *types.Vehicle) error
	GetVehicleByPlate(ctx context.Context, plate string) (*types.Vehicle, error)

	InsertEntry(ctx context.Context, entry *types.VehicleEntry) error
	GetEntry(ctx context.Context, id string) (*types.VehicleEntry, error)
	GetOpenEntryByPlate(ctx context.Context, plate string) (*types.VehicleEntry, error)
	ListOpenEntries(ctx context.Context) ([]types.VehicleEntry, error)
	ListOpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]types.VehicleEntry, error)
	CountOpenEntries(ctx context.Context) (int, error)
	TransitionEntry(ctx context.Context, id string, from []types.LifecycleState, to types.LifecycleState, at time.Time) (bool, error)

	InsertApproval(ctx context.Context, approval *types.Approval) error
	GetApprovalByToken(ctx context.Context, token string) (*types.Approval, error)
	ListApprovalsByEntry(ctx context.Context, entryID string) ([]types.Approval, error)
	ListPendingApprovals(ctx context.Context) ([]types.Approval, error)
	ListEntriesWithOverdueApprovals(ctx context.Context, now time.Time) ([]string, error)
	RespondApproval(ctx context.Context, id string, status types.ApprovalStatus, at time.Time) (bool, error)
	ExpireDueApprovals(ctx context.Context, entryID string, now time.Time) (int64, error)
	NextApprovalDeadline(ctx context.Context, entryID string) (time.Time, bool, error)

	AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]types.AuditLogEntry, error)

	OpenAlert(ctx context.Context, alert *types.Alert) (bool, error)
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ResolveOpenAlert(ctx context.Context, kind types.AlertKind, cameraID, entryID string, at time.Time) (*types.Alert, error)
	ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]types.Alert, error)
}

// Tx is the query surface available inside InTx. Statements issued through
// it commit or roll back together.
type Tx interface {
	Queries
	// OnCommit runs fn after a successful commit and never after a rollback
	OnCommit(fn func())
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	Actor      string
	Since      time.Time
	Limit      int
}

// AlertFilter narrows an alert listing
type AlertFilter struct {
	OpenOnly bool
	Kind     types.AlertKind
	Limit    int
}

const defaultListLimit = 100

// queries implements Queries over either the pool or a transaction.
// Statements are written with ? placeholders and rebound per driver.
type queries struct {
	ext sqlx.ExtContext
}

func (q queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (q queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) list(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

// changed reports whether a conditional statement touched a row
func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
