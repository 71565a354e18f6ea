package api

import (
	"net/http"
	"time"

	"gate-event-core/internal/types"
)

// DetectionRequest is the body a camera posts for one plate read. Range
// checks on the read itself happen in the ingestion gateway so malformed
// reads are audited.
type DetectionRequest struct {
	PlateText  string    `json:"plate_text" validate:"max=64"`
	Confidence *float64  `json:"confidence" validate:"required"`
	CapturedAt time.Time `json:"captured_at"`
	ImageRef   string    `json:"image_ref,omitempty" validate:"omitempty,max=1024"`
}

// CallbackRequest is a provider's answer to an approval request
type CallbackRequest struct {
	CorrelationToken string `json:"correlation_token" validate:"required,max=128"`
	Decision         string `json:"decision" validate:"required,oneof=APPROVED DENIED"`
}

// CallbackResponse reports what a callback did
type CallbackResponse struct {
	ApprovalID string               `json:"approval_id"`
	Status     types.ApprovalStatus `json:"status"`
	EntryID    string               `json:"entry_id"`
	EntryState types.LifecycleState `json:"entry_state,omitempty"`
	Duplicate  bool                 `json:"duplicate,omitempty"`
	Moot       bool                 `json:"moot,omitempty"`
}

// ManualEntryRequest is an admin override for a plate
type ManualEntryRequest struct {
	Plate  string `json:"plate" validate:"required,max=32"`
	Action string `json:"action" validate:"required,oneof=enter exit approve deny flag"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

// ApprovalRequest asks for another round of approvals for a held entry.
// No channels means the configured defaults.
type ApprovalRequest struct {
	Channels []string `json:"channels,omitempty" validate:"omitempty,max=3,dive,oneof=web sms whatsapp"`
}

// ApprovalsResponse lists the approvals a request created
type ApprovalsResponse struct {
	EntryID   string           `json:"entry_id"`
	Approvals []types.Approval `json:"approvals"`
}

// EntryResponse carries an entry and, for overrides, whether it was created
type EntryResponse struct {
	Entry   types.VehicleEntry   `json:"entry"`
	From    types.LifecycleState `json:"from,omitempty"`
	Created bool                 `json:"created,omitempty"`
}

// CameraRequest registers a camera
type CameraRequest struct {
	ID        string `json:"id" validate:"required,max=64"`
	Name      string `json:"name" validate:"max=128"`
	Location  string `json:"location" validate:"max=256"`
	Direction string `json:"direction" validate:"required,oneof=entry exit"`
	Secret    string `json:"secret,omitempty" validate:"omitempty,min=16,max=256"`
}

// CameraRegistrationResponse returns the credential once. Only its hash is
// stored.
type CameraRegistrationResponse struct {
	Camera types.Camera `json:"camera"`
	Secret string       `json:"secret"`
}

// VehicleRequest adds or updates a plate in the vehicle directory
type VehicleRequest struct {
	Plate     string `json:"plate" validate:"required,max=32"`
	OwnerName string `json:"owner_name" validate:"max=128"`
	Blocked   bool   `json:"blocked"`
}

// ListResponse wraps collection results
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status      string    `json:"status"`
	Database    string    `json:"database"`
	LiveClients int       `json:"live_clients"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     bool              `json:"error"`
	Code      ErrorCode         `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Path      string            `json:"path,omitempty"`
	Method    string            `json:"method,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewErrorResponse builds an error reply for a request
func NewErrorResponse(code ErrorCode, message string, r *http.Request, now time.Time) *ErrorResponse {
	response := &ErrorResponse{
		Error:     true,
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodePersistenceFailure || code == ErrCodeBusy,
		Timestamp: now.UTC(),
	}
	if r != nil {
		response.Path = r.URL.Path
		response.Method = r.Method
	}
	return response
}

// AddDetail attaches a field level detail
func (er *ErrorResponse) AddDetail(key, value string) *ErrorResponse {
	if er.Details == nil {
		er.Details = make(map[string]string)
	}
	er.Details[key] = value
	return er
}
