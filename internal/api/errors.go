package api

import (
	"errors"
	"net/http"

	"gate-event-core/internal/database"
	"gate-event-core/internal/types"
)

var (
	errHubClosed = errors.New("live feed is shutting down")
	errHubFull   = errors.New("too many live feed connections")
)

// ErrorCode is the machine readable code carried in error responses
type ErrorCode string

const (
	ErrCodeInvalidJSON        ErrorCode = "INVALID_JSON"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidCredential  ErrorCode = "INVALID_CREDENTIAL"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnknownToken       ErrorCode = "UNKNOWN_CORRELATION_TOKEN"
	ErrCodeExpiredApproval    ErrorCode = "APPROVAL_EXPIRED"
	ErrCodeConflict           ErrorCode = "CONFLICTING_STATE"
	ErrCodeDuplicate          ErrorCode = "DUPLICATE"
	ErrCodeBusy               ErrorCode = "BUSY"
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// classify maps an error from the core to its HTTP status and code
func classify(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, types.ErrInvalidCredential):
		return http.StatusUnauthorized, ErrCodeInvalidCredential
	case errors.Is(err, types.ErrValidationRejected):
		return http.StatusUnprocessableEntity, ErrCodeValidation
	case errors.Is(err, types.ErrUnknownCorrelationToken):
		return http.StatusNotFound, ErrCodeUnknownToken
	case errors.Is(err, types.ErrExpiredApproval):
		return http.StatusGone, ErrCodeExpiredApproval
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, types.ErrDuplicateSuppressed), errors.Is(err, database.ErrDuplicateKey):
		return http.StatusConflict, ErrCodeDuplicate
	case errors.Is(err, types.ErrConflictingState):
		return http.StatusConflict, ErrCodeConflict
	case types.IsRetryable(err):
		return http.StatusServiceUnavailable, ErrCodePersistenceFailure
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
