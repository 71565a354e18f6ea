package lifecycle

import (
	"context"
	"errors"
	"time"

	"gate-event-core/internal/types"
)

// Reasons a new visit is held for approval
const (
	ReasonUnregistered = "unregistered_vehicle"
	ReasonBlocked      = "blocked_vehicle"
	ReasonCapacity     = "capacity_reached"
)

// PolicyConfig holds the rules that hold a new visit for approval
type PolicyConfig struct {
	RequireApprovalUnregistered bool
	Capacity                    int // 0 disables the capacity rule
	MaxVisitDuration            time.Duration
}

// PolicyStore is what the policy reads inside the entry transaction
type PolicyStore interface {
	GetVehicleByPlate(ctx context.Context, plate string) (*types.Vehicle, error)
	CountOpenEntries(ctx context.Context) (int, error)
}

// Admission is the policy verdict for a new visit
type Admission struct {
	VehicleID string
	Reason    string // empty when no approval is needed
}

// RequiresApproval reports whether the visit must wait for a human
func (a Admission) RequiresApproval() bool {
	return a.Reason != ""
}

// Policy decides whether a new visit needs approval
type Policy struct {
	config PolicyConfig
}

// NewPolicy creates a policy
func NewPolicy(config PolicyConfig) *Policy {
	return &Policy{config: config}
}

// Admit evaluates the directory and capacity rules for plate. It must run
// in the same transaction that opens the entry.
func (p *Policy) Admit(ctx context.Context, store PolicyStore, plate string) (Admission, error) {
	var admission Admission

	vehicle, err := store.GetVehicleByPlate(ctx, plate)
	switch {
	case err == nil:
		admission.VehicleID = vehicle.ID
		if vehicle.Blocked {
			admission.Reason = ReasonBlocked
			return admission, nil
		}
		if !vehicle.Registered && p.config.RequireApprovalUnregistered {
			admission.Reason = ReasonUnregistered
			return admission, nil
		}
	case errors.Is(err, types.ErrNotFound):
		if p.config.RequireApprovalUnregistered {
			admission.Reason = ReasonUnregistered
			return admission, nil
		}
	default:
		return admission, err
	}

	if p.config.Capacity > 0 {
		open, err := store.CountOpenEntries(ctx)
		if err != nil {
			return admission, err
		}
		if open >= p.config.Capacity {
			admission.Reason = ReasonCapacity
		}
	}

	return admission, nil
}
