package types

import "time"

// CameraStatus is the reachability status of a camera
type CameraStatus string

const (
	CameraOnline  CameraStatus = "ONLINE"
	CameraOffline CameraStatus = "OFFLINE"
)

// CameraDirection tags which side of the gate a camera watches
type CameraDirection string

const (
	DirectionEntry CameraDirection = "entry"
	DirectionExit  CameraDirection = "exit"
)

// IsValidDirection checks if the provided direction is known
func IsValidDirection(d CameraDirection) bool {
	return d == DirectionEntry || d == DirectionExit
}

// Camera holds camera identity, credential and reachability
type Camera struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Location       string          `json:"location" db:"location"`
	Direction      CameraDirection `json:"direction" db:"direction"`
	CredentialHash string          `json:"-" db:"credential_hash"`
	LastSeenAt     *time.Time      `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	Status         CameraStatus    `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// AlertKind classifies alerts raised by the core
type AlertKind string

const (
	AlertCameraOffline       AlertKind = "camera_offline"
	AlertLifecycleEscalation AlertKind = "lifecycle_escalation"
	AlertExitAnomaly         AlertKind = "exit_anomaly"
	AlertOverdueVisit        AlertKind = "overdue_visit"
)

// Alert is a camera-offline or lifecycle notice for downstream delivery
type Alert struct {
	ID         string     `json:"id" db:"id"`
	Kind       AlertKind  `json:"kind" db:"kind"`
	CameraID   string     `json:"cameraId,omitempty" db:"camera_id"`
	EntryID    string     `json:"entryId,omitempty" db:"entry_id"`
	Message    string     `json:"message" db:"message"`
	IsResolved bool       `json:"isResolved" db:"is_resolved"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// Subject returns the camera or entry the alert is about
func (a Alert) Subject() string {
	if a.CameraID != "" {
		return a.CameraID
	}
	return a.EntryID
}
