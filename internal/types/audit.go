package types

import "time"

// Audit actors that are not a camera or an admin
const (
	ActorSystem = "system"
)

// Audit actions written by the core
const (
	ActionDetectionRejected        = "detection.rejected"
	ActionDetectionDuplicateEntry  = "detection.duplicate_open_entry"
	ActionDetectionExitWithoutOpen = "detection.exit_without_entry"
	ActionCredentialInvalid        = "camera.credential_invalid"
	ActionCameraRegistered         = "camera.registered"
	ActionCameraOffline            = "camera.offline"
	ActionCameraOnline             = "camera.online"
	ActionEntryCreated             = "entry.created"
	ActionEntryTransition          = "entry.transition"
	ActionEntryTransitionRejected  = "entry.transition_rejected"
	ActionEntryExitAnomaly         = "entry.exit_anomaly"
	ActionEntryOverdue             = "entry.overdue"
	ActionApprovalRequested        = "approval.requested"
	ActionApprovalDispatchFailed   = "approval.dispatch_failed"
	ActionApprovalResponded        = "approval.responded"
	ActionApprovalCallbackUnknown  = "approval.callback_unknown"
	ActionApprovalCallbackDup      = "approval.callback_duplicate"
	ActionApprovalCallbackExpired  = "approval.callback_expired"
	ActionApprovalCallbackMoot     = "approval.callback_moot"
	ActionApprovalExpired          = "approval.expired"
	ActionAlertAcknowledged        = "alert.acknowledged"
	ActionVehicleRegistered        = "vehicle.registered"
)

// Audited entity types
const (
	EntityCamera    = "camera"
	EntityEntry     = "vehicle_entry"
	EntityApproval  = "approval"
	EntityDetection = "detection"
	EntityAlert     = "alert"
	EntityVehicle   = "vehicle"
)

// AuditLogEntry is an immutable fact about a state-changing action
type AuditLogEntry struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	SourceIP   string                 `json:"sourceIp,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}
