// Package registry holds camera identity and credentials.
package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/auth"
	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/filter"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// Store is the camera slice of the database
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	InsertCamera(ctx context.Context, camera *types.Camera) error
	GetCamera(ctx context.Context, id string) (*types.Camera, error)
	ListCameras(ctx context.Context) ([]types.Camera, error)
	UpsertVehicle(ctx context.Context, vehicle *types.Vehicle) error
	GetVehicleByPlate(ctx context.Context, plate string) (*types.Vehicle, error)
}

// Registration describes a camera to register
type Registration struct {
	ID        string
	Name      string
	Location  string
	Direction types.CameraDirection
	Secret    string // generated when empty
	ActorID   string
	SourceIP  string
}

// Registry authenticates cameras against their stored credential hashes
type Registry struct {
	store      Store
	audit      *audit.Writer
	clock      clock.Clock
	bcryptCost int
	logger     *logrus.Entry

	// verified holds a digest of the hash and the last secret that passed
	// bcrypt for each camera
	mu       sync.RWMutex
	verified map[string][sha256.Size]byte
}

// Option configures a Registry
type Option func(*Registry)

// WithBcryptCost overrides the hashing cost
func WithBcryptCost(cost int) Option {
	return func(r *Registry) {
		r.bcryptCost = cost
	}
}

// New creates a new camera registry
func New(store Store, auditWriter *audit.Writer, clk clock.Clock, logger *logrus.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	r := &Registry{
		store:    store,
		audit:    auditWriter,
		clock:    clk,
		logger:   logging.NewServiceLogger(logger, "camera-registry"),
		verified: make(map[string][sha256.Size]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a new camera and returns it with the plaintext secret.
// The secret is only available here; the store keeps its hash. The camera
// row and its audit entry commit together.
func (r *Registry) Register(ctx context.Context, reg Registration) (*types.Camera, string, error) {
	if reg.ID == "" {
		return nil, "", fmt.Errorf("camera id is required: %w", types.ErrValidationRejected)
	}
	if !types.IsValidDirection(reg.Direction) {
		return nil, "", fmt.Errorf("invalid camera direction %q: %w", reg.Direction, types.ErrValidationRejected)
	}

	secret := reg.Secret
	if secret == "" {
		var err error
		if secret, err = auth.GenerateSecret(24); err != nil {
			return nil, "", err
		}
	}

	hash, err := auth.HashSecret(secret, r.bcryptCost)
	if err != nil {
		return nil, "", err
	}

	camera := &types.Camera{
		ID:             reg.ID,
		Name:           reg.Name,
		Location:       reg.Location,
		Direction:      reg.Direction,
		CredentialHash: hash,
		Status:         types.CameraOffline,
		CreatedAt:      r.clock.Now().UTC(),
	}
	if camera.Name == "" {
		camera.Name = reg.ID
	}

	actor := reg.ActorID
	if actor == "" {
		actor = types.ActorSystem
	}
	err = r.store.InTx(ctx, func(tx database.Tx) error {
		if err := tx.InsertCamera(ctx, camera); err != nil {
			return fmt.Errorf("failed to register camera: %w", err)
		}
		return r.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Actor:      actor,
			Action:     types.ActionCameraRegistered,
			EntityType: types.EntityCamera,
			EntityID:   camera.ID,
			SourceIP:   reg.SourceIP,
			Detail: map[string]interface{}{
				"direction": camera.Direction,
				"location":  camera.Location,
			},
		})
	})
	if err != nil {
		return nil, "", err
	}

	r.logger.WithFields(logrus.Fields{
		"camera_id": camera.ID,
		"direction": camera.Direction,
	}).Info("Camera registered")

	return camera, secret, nil
}

// Authenticate checks a camera's presented secret. Unknown cameras and wrong
// secrets both yield ErrInvalidCredential and are audited.
func (r *Registry) Authenticate(ctx context.Context, cameraID, secret, sourceIP string) (*types.Camera, error) {
	camera, err := r.store.GetCamera(ctx, cameraID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, r.reject(ctx, cameraID, sourceIP, "unknown camera")
	}

	if secret == "" {
		return nil, r.reject(ctx, cameraID, sourceIP, "missing credential")
	}

	digest := sha256.Sum256([]byte(camera.CredentialHash + "\x00" + secret))
	r.mu.RLock()
	cached, ok := r.verified[cameraID]
	r.mu.RUnlock()
	if ok && cached == digest {
		return camera, nil
	}

	if err := auth.CompareSecret(camera.CredentialHash, secret); err != nil {
		if errors.Is(err, auth.ErrSecretMismatch) {
			return nil, r.reject(ctx, cameraID, sourceIP, "secret mismatch")
		}
		return nil, err
	}

	r.mu.Lock()
	r.verified[cameraID] = digest
	r.mu.Unlock()

	return camera, nil
}

// reject audits a failed authentication. If the audit itself fails the
// persistence error is returned so the caller can retry.
func (r *Registry) reject(ctx context.Context, cameraID, sourceIP, reason string) error {
	logging.LogSecurityError(r.logger, types.ErrInvalidCredential, cameraID, "authenticate")

	actor := cameraID
	if actor == "" {
		actor = "unknown"
	}
	if err := r.audit.Record(ctx, types.AuditLogEntry{
		Actor:      actor,
		Action:     types.ActionCredentialInvalid,
		EntityType: types.EntityCamera,
		EntityID:   cameraID,
		SourceIP:   sourceIP,
		Detail:     map[string]interface{}{"reason": reason},
	}); err != nil {
		return err
	}
	return types.ErrInvalidCredential
}

// Get returns one camera
func (r *Registry) Get(ctx context.Context, id string) (*types.Camera, error) {
	return r.store.GetCamera(ctx, id)
}

// List returns every registered camera
func (r *Registry) List(ctx context.Context) ([]types.Camera, error) {
	return r.store.ListCameras(ctx)
}

// VehicleRegistration describes a directory entry for a plate
type VehicleRegistration struct {
	Plate     string
	OwnerName string
	Blocked   bool
	ActorID   string
	SourceIP  string
}

// RegisterVehicle adds or updates a plate in the vehicle directory that the
// approval policy consults
func (r *Registry) RegisterVehicle(ctx context.Context, reg VehicleRegistration) (*types.Vehicle, error) {
	plate := filter.NormalizePlate(reg.Plate)
	if plate == "" {
		return nil, fmt.Errorf("plate is required: %w", types.ErrValidationRejected)
	}

	vehicle := &types.Vehicle{
		ID:         uuid.NewString(),
		Plate:      plate,
		OwnerName:  reg.OwnerName,
		Registered: true,
		Blocked:    reg.Blocked,
		CreatedAt:  r.clock.Now().UTC(),
	}

	actor := reg.ActorID
	if actor == "" {
		actor = types.ActorSystem
	}

	var stored *types.Vehicle
	err := r.store.InTx(ctx, func(tx database.Tx) error {
		if err := tx.UpsertVehicle(ctx, vehicle); err != nil {
			return fmt.Errorf("failed to register vehicle: %w", err)
		}

		var err error
		if stored, err = tx.GetVehicleByPlate(ctx, plate); err != nil {
			return err
		}

		return r.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Actor:      actor,
			Action:     types.ActionVehicleRegistered,
			EntityType: types.EntityVehicle,
			EntityID:   stored.ID,
			SourceIP:   reg.SourceIP,
			Detail: map[string]interface{}{
				"plate":   plate,
				"blocked": reg.Blocked,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}
