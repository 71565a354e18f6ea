package types

import "time"

// ApprovalStatus is the state of one outbound approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Decision is a human answer carried by a provider callback
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionDenied   Decision = "DENIED"
)

// IsValidDecision checks if the provided decision is known
func IsValidDecision(d Decision) bool {
	return d == DecisionApproved || d == DecisionDenied
}

// Status returns the approval status a decision moves a pending approval to
func (d Decision) Status() ApprovalStatus {
	if d == DecisionApproved {
		return ApprovalApproved
	}
	return ApprovalDenied
}

// Approval channels
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelWeb      = "web"
)

// Approval correlates one pending lifecycle transition with one channel request
type Approval struct {
	ID          string         `json:"id" db:"id"`
	EntryID     string         `json:"entryId" db:"entry_id"`
	Channel     string         `json:"channel" db:"channel"`
	Token       string         `json:"-" db:"token"`
	Status      ApprovalStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time      `json:"expiresAt" db:"expires_at"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty" db:"responded_at"`
}

// DispatchRequest is sent to a provider adapter, one per channel per approval
type DispatchRequest struct {
	Channel          string `json:"channel"`
	CorrelationToken string `json:"correlationToken"`
	VehicleEntryID   string `json:"vehicleEntryId"`
	Message          string `json:"message"`
}

// DispatchResult is what a provider adapter reports after accepting a request
type DispatchResult struct {
	Channel    string `json:"channel"`
	ProviderID string `json:"providerId,omitempty"`
	Accepted   bool   `json:"accepted"`
}
