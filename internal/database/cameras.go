package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gate-event-core/internal/types"
)

const cameraColumns = `id, name, location, direction, credential_hash, last_seen_at, status, created_at`

// InsertCamera registers a new camera
func (q queries) InsertCamera(ctx context.Context, camera *types.Camera) error {
	if camera.ID == "" {
		return fmt.Errorf("camera id cannot be empty")
	}
	if camera.Status == "" {
		camera.Status = types.CameraOffline
	}

	_, err := q.exec(ctx, `
		INSERT INTO cameras (`+cameraColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		camera.ID,
		camera.Name,
		camera.Location,
		camera.Direction,
		camera.CredentialHash,
		utcPtr(camera.LastSeenAt),
		camera.Status,
		camera.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("camera %s: %w", camera.ID, ErrDuplicateKey)
		}
		return types.NewPersistenceError("insert camera", err)
	}
	return nil
}

// GetCamera retrieves a camera by id
func (q queries) GetCamera(ctx context.Context, id string) (*types.Camera, error) {
	var camera types.Camera
	err := q.get(ctx, &camera, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("camera %s: %w", id, types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get camera", err)
	}
	return &camera, nil
}

// ListCameras returns every registered camera
func (q queries) ListCameras(ctx context.Context) ([]types.Camera, error) {
	var cameras []types.Camera
	if err := q.list(ctx, &cameras, `SELECT `+cameraColumns+` FROM cameras ORDER BY id`); err != nil {
		return nil, types.NewPersistenceError("list cameras", err)
	}
	return cameras, nil
}

// ListStaleCameras returns ONLINE cameras not seen since cutoff
func (q queries) ListStaleCameras(ctx context.Context, cutoff time.Time) ([]types.Camera, error) {
	var cameras []types.Camera
	err := q.list(ctx, &cameras, `
		SELECT `+cameraColumns+` FROM cameras
		WHERE status = ? AND (last_seen_at IS NULL OR last_seen_at < ?)
		ORDER BY id`,
		types.CameraOnline, cutoff.UTC())
	if err != nil {
		return nil, types.NewPersistenceError("list stale cameras", err)
	}
	return cameras, nil
}

// TouchCamera advances last_seen_at. It never moves the timestamp backwards.
func (q queries) TouchCamera(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	_, err := q.exec(ctx, `
		UPDATE cameras SET last_seen_at = ?
		WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`,
		at, id, at)
	if err != nil {
		return types.NewPersistenceError("touch camera", err)
	}
	return nil
}

// SetCameraOnline flips OFFLINE to ONLINE. It reports false when the camera
// was already online.
func (q queries) SetCameraOnline(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx, `UPDATE cameras SET status = ? WHERE id = ? AND status = ?`,
		types.CameraOnline, id, types.CameraOffline)
	if err != nil {
		return false, types.NewPersistenceError("set camera online", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("set camera online", err)
	}
	return ok, nil
}

// SetCameraOffline flips ONLINE to OFFLINE only while the camera is still
// stale, so a heartbeat that lands between listing and update wins.
func (q queries) SetCameraOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE cameras SET status = ?
		WHERE id = ? AND status = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`,
		types.CameraOffline, id, types.CameraOnline, cutoff.UTC())
	if err != nil {
		return false, types.NewPersistenceError("set camera offline", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("set camera offline", err)
	}
	return ok, nil
}
