package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gate-event-core/internal/types"
)

const alertColumns = `id, kind, camera_id, entry_id, message, is_resolved, created_at, resolved_at`

// OpenAlert inserts an unresolved alert. It reports false, without error,
// when an open alert of the same kind already exists for the subject.
func (q queries) OpenAlert(ctx context.Context, alert *types.Alert) (bool, error) {
	res, err := q.exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		alert.ID,
		alert.Kind,
		alert.CameraID,
		alert.EntryID,
		alert.Message,
		false,
		alert.CreatedAt.UTC(),
		nil,
	)
	if err != nil {
		return false, types.NewPersistenceError("open alert", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("open alert", err)
	}
	return ok, nil
}

// GetAlert retrieves an alert by id
func (q queries) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var alert types.Alert
	err := q.get(ctx, &alert, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get alert", err)
	}
	return &alert, nil
}

// ResolveOpenAlert resolves the open alert of a kind for a subject and
// returns it. It returns nil when there was nothing to resolve.
func (q queries) ResolveOpenAlert(ctx context.Context, kind types.AlertKind, cameraID, entryID string, at time.Time) (*types.Alert, error) {
	var alert types.Alert
	err := q.get(ctx, &alert, `
		SELECT `+alertColumns+` FROM alerts
		WHERE kind = ? AND camera_id = ? AND entry_id = ? AND is_resolved = ?`,
		kind, cameraID, entryID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewPersistenceError("find open alert", err)
	}

	ok, err := q.ResolveAlert(ctx, alert.ID, at)
	if err != nil || !ok {
		return nil, err
	}

	resolvedAt := at.UTC()
	alert.IsResolved = true
	alert.ResolvedAt = &resolvedAt
	return &alert, nil
}

// ResolveAlert marks one alert resolved. It reports false when the alert
// was already resolved or does not exist.
func (q queries) ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE alerts SET is_resolved = ?, resolved_at = ?
		WHERE id = ? AND is_resolved = ?`,
		true, at.UTC(), id, false)
	if err != nil {
		return false, types.NewPersistenceError("resolve alert", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("resolve alert", err)
	}
	return ok, nil
}

// ListAlerts returns alerts matching filter, newest first
func (q queries) ListAlerts(ctx context.Context, filter AlertFilter) ([]types.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OpenOnly {
		where = append(where, "is_resolved = ?")
		args = append(args, false)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	var alerts []types.Alert
	if err := q.list(ctx, &alerts, query, args...); err != nil {
		return nil, types.NewPersistenceError("list alerts", err)
	}
	return alerts, nil
}
