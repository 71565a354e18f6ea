package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gate-event-core/internal/types"
)

// UpsertVehicle creates or updates a directory entry keyed by plate
func (q queries) UpsertVehicle(ctx context.Context, vehicle *types.Vehicle) error {
	if vehicle.Plate == "" {
		return fmt.Errorf("vehicle plate cannot be empty")
	}

	_, err := q.exec(ctx, `
		INSERT INTO vehicles (id, plate, owner_name, registered, blocked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (plate) DO UPDATE SET
			owner_name = excluded.owner_name,
			registered = excluded.registered,
			blocked = excluded.blocked`,
		vehicle.ID,
		vehicle.Plate,
		vehicle.OwnerName,
		vehicle.Registered,
		vehicle.Blocked,
		vehicle.CreatedAt.UTC(),
	)
	if err != nil {
		return types.NewPersistenceError("upsert vehicle", err)
	}
	return nil
}

// GetVehicleByPlate looks up a normalized plate in the directory
func (q queries) GetVehicleByPlate(ctx context.Context, plate string) (*types.Vehicle, error) {
	var vehicle types.Vehicle
	err := q.get(ctx, &vehicle, `
		SELECT id, plate, owner_name, registered, blocked, created_at
		FROM vehicles WHERE plate = ?`, plate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("vehicle %s: %w", plate, types.ErrNotFound)
		}
		return nil, types.NewPersistenceError("get vehicle", err)
	}
	return &vehicle, nil
}
