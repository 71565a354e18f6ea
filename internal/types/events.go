package types

import (
	"time"
)

// Detection represents a raw plate read handed over by a camera or ANPR device
type Detection struct {
	CameraID   string    `json:"cameraId"`
	PlateText  string    `json:"plateText"`  // as recognized, not normalized
	Confidence float64   `json:"confidence"` // 0.0 - 1.0
	CapturedAt time.Time `json:"capturedAt"`
	ImageRef   string    `json:"imageRef,omitempty"`
	SourceIP   string    `json:"-"`
}

// LifecycleState is the canonical status of one vehicle visit
type LifecycleState string

const (
	StateEntered          LifecycleState = "ENTERED"
	StateAwaitingApproval LifecycleState = "AWAITING_APPROVAL"
	StateApproved         LifecycleState = "APPROVED"
	StateDenied           LifecycleState = "DENIED"
	StateExited           LifecycleState = "EXITED"
	StateFlagged          LifecycleState = "FLAGGED"
)

// IsTerminal reports whether no further transitions are accepted from s
func (s LifecycleState) IsTerminal() bool {
	return s == StateDenied || s == StateExited
}

// IsValidLifecycleState checks if the provided state is known
func IsValidLifecycleState(s LifecycleState) bool {
	switch s {
	case StateEntered, StateAwaitingApproval, StateApproved, StateDenied, StateExited, StateFlagged:
		return true
	default:
		return false
	}
}

// EntrySource tells how a visit was opened
type EntrySource string

const (
	SourceCCTV   EntrySource = "CCTV"
	SourceManual EntrySource = "MANUAL"
)

// VehicleEntry is one physical visit of a vehicle
type VehicleEntry struct {
	ID             string         `json:"id" db:"id"`
	Plate          string         `json:"plate" db:"plate"`
	VehicleID      string         `json:"vehicleId,omitempty" db:"vehicle_id"`
	CameraID       string         `json:"cameraId,omitempty" db:"camera_id"`
	EntryTime      time.Time      `json:"entryTime" db:"entry_time"`
	ExitTime       *time.Time     `json:"exitTime,omitempty" db:"exit_time"`
	State          LifecycleState `json:"state" db:"state"`
	Source         EntrySource    `json:"source" db:"source"`
	ImageRef       string         `json:"imageRef,omitempty" db:"image_ref"`
	ApprovalReason string         `json:"approvalReason,omitempty" db:"approval_reason"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// Vehicle is an entry in the registered vehicle directory
type Vehicle struct {
	ID         string    `json:"id" db:"id"`
	Plate      string    `json:"plate" db:"plate"`
	OwnerName  string    `json:"ownerName,omitempty" db:"owner_name"`
	Registered bool      `json:"registered" db:"registered"`
	Blocked    bool      `json:"blocked" db:"blocked"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// TransitionEvent describes one committed lifecycle change for live feeds
type TransitionEvent struct {
	EntryID string         `json:"entryId"`
	Plate   string         `json:"plate"`
	From    LifecycleState `json:"from,omitempty"` // empty when the entry was created
	To      LifecycleState `json:"to"`
	Trigger string         `json:"trigger"`
	Actor   string         `json:"actor"`
	At      time.Time      `json:"at"`
}
