package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gate-event-core/internal/types"
)

const entryColumns = `id, plate, vehicle_id, camera_id, entry_time, exit_time, state, source, image_ref, approval_reason, updated_at`

// openStates is the SQL predicate for non-terminal entries
const openStates = `state NOT IN ('DENIED', 'EXITED')`

// InsertEntry opens a visit. It returns ErrDuplicateKey when the plate
// already has an open visit.
func (q queries) InsertEntry(ctx context.Context, entry *types.VehicleEntry) error {
	if entry.ID == "" || entry.Plate == "" {
		return fmt.Errorf("entry id and plate are required")
	}

	res, err := q.exec(ctx, `
		INSERT INTO vehicle_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		entry.ID,
		entry.Plate,
		entry.VehicleID,
		entry.CameraID,
		entry.EntryTime.UTC(),
		utcPtr(entry.ExitTime),
		entry.State,
		entry.Source,
		entry.ImageRef,
		entry.ApprovalReason,
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return types.NewPersistenceError("insert entry", err)
	}
	ok, err := changed(res)
	if err != nil {
		return types.NewPersistenceError("insert entry", err)
	}
	if !ok {
		return fmt.Errorf("open entry for plate %s: %w", entry.Plate, ErrDuplicateKey)
	}
	return nil
}

// GetEntry retrieves a visit by id
func (q queries) GetEntry(ctx context.Context, id string) (*types.VehicleEntry, error) {
	var entry types.VehicleEntry
	err := q.get(ctx, &entry, `SELECT `+entryColumns+` FROM vehicle_entries WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get entry", err)
	}
	return &entry, nil
}

// GetOpenEntryByPlate returns the non-terminal visit for a plate
func (q queries) GetOpenEntryByPlate(ctx context.Context, plate string) (*types.VehicleEntry, error) {
	var entry types.VehicleEntry
	err := q.get(ctx, &entry, `
		SELECT `+entryColumns+` FROM vehicle_entries
		WHERE plate = ? AND `+openStates, plate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open entry for plate %s: %w", plate, types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get open entry", err)
	}
	return &entry, nil
}

// ListOpenEntries returns every non-terminal visit, oldest first
func (q queries) ListOpenEntries(ctx context.Context) ([]types.VehicleEntry, error) {
	var entries []types.VehicleEntry
	err := q.list(ctx, &entries, `
		SELECT `+entryColumns+` FROM vehicle_entries
		WHERE `+openStates+` ORDER BY entry_time`)
	if err != nil {
		return nil, types.NewPersistenceError("list open entries", err)
	}
	return entries, nil
}

// ListOpenEntriesBefore returns non-terminal visits that started before cutoff
func (q queries) ListOpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]types.VehicleEntry, error) {
	var entries []types.VehicleEntry
	err := q.list(ctx, &entries, `
		SELECT `+entryColumns+` FROM vehicle_entries
		WHERE `+openStates+` AND entry_time < ? ORDER BY entry_time`, cutoff.UTC())
	if err != nil {
		return nil, types.NewPersistenceError("list overdue entries", err)
	}
	return entries, nil
}

// CountOpenEntries returns the number of vehicles currently on site
func (q queries) CountOpenEntries(ctx context.Context) (int, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM vehicle_entries WHERE `+openStates); err != nil {
		return 0, types.NewPersistenceError("count open entries", err)
	}
	return n, nil
}

// TransitionEntry moves an entry to state `to` only if it is currently in
// one of `from`. Moving to EXITED also stamps exit_time. It reports false
// when the entry was not in an expected state.
func (q queries) TransitionEntry(ctx context.Context, id string, from []types.LifecycleState, to types.LifecycleState, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source state")
	}

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	at = at.UTC()
	var exitTime *time.Time
	if to == types.StateExited {
		exitTime = &at
	}

	query, args, err := sqlx.In(`
		UPDATE vehicle_entries
		SET state = ?, updated_at = ?, exit_time = COALESCE(?, exit_time)
		WHERE id = ? AND state IN (?)`,
		string(to), at, exitTime, id, states)
	if err != nil {
		return false, fmt.Errorf("failed to build transition query: %w", err)
	}

	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return false, types.NewPersistenceError("transition entry", err)
	}
	ok, err := changed(res)
	if err != nil {
		return false, types.NewPersistenceError("transition entry", err)
	}
	return ok, nil
}
