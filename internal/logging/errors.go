package logging

import (
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gate-event-core/internal/types"
)

// ErrorCategory groups failures by the subsystem that produced them
type ErrorCategory string

const (
	ErrorCategoryNetwork  ErrorCategory = "network"  // providers and brokers
	ErrorCategorySecurity ErrorCategory = "security" // camera secrets and admin tokens
	ErrorCategoryStorage  ErrorCategory = "storage"
	ErrorCategoryState    ErrorCategory = "state" // lifecycle and approval conflicts
	ErrorCategoryConfig   ErrorCategory = "config"
	ErrorCategoryService  ErrorCategory = "service"
	ErrorCategoryUnknown  ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	CameraID    string                 `json:"camera_id,omitempty"`
	EntryID     string                 `json:"entry_id,omitempty"`
	Channel     string                 `json:"channel,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

// Error implements the error interface
func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

// Unwrap returns the underlying error
func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	// Stack traces only for critical errors
	if context.Severity == ErrorSeverityCritical {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// LogStructuredError writes err with its context. Critical and high
// severities log at error level, medium and low at warning.
func LogStructuredError(logger logrus.FieldLogger, structuredErr *StructuredError) {
	if logger == nil || structuredErr == nil {
		return
	}

	ec := structuredErr.Context
	fields := logrus.Fields{
		"error_category": ec.Category,
		"error_severity": ec.Severity,
		"operation":      ec.Operation,
		"recoverable":    ec.Recoverable,
	}
	optional := map[string]string{
		"component":   ec.Component,
		"camera_id":   ec.CameraID,
		"entry_id":    ec.EntryID,
		"channel":     ec.Channel,
		"stack_trace": structuredErr.Stack,
	}
	for key, value := range optional {
		if value != "" {
			fields[key] = value
		}
	}
	for key, value := range ec.Metadata {
		fields["meta_"+key] = value
	}

	logger.WithFields(fields).Log(levelFor(ec.Severity), structuredErr.Error())
}

func levelFor(severity ErrorSeverity) logrus.Level {
	switch severity {
	case ErrorSeverityMedium, ErrorSeverityLow:
		return logrus.WarnLevel
	case ErrorSeverityInfo:
		return logrus.InfoLevel
	default:
		return logrus.ErrorLevel
	}
}

// LogStorageError logs database/storage-related errors
func LogStorageError(logger logrus.FieldLogger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if !recoverable {
		severity = ErrorSeverityCritical
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    severity,
		Component:   "database",
		Operation:   operation,
		Recoverable: recoverable,
	}))
}

// LogSecurityError logs rejected camera credentials and admin tokens
func LogSecurityError(logger logrus.FieldLogger, err error, cameraID, operation string) {
	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategorySecurity,
		Severity:    ErrorSeverityMedium,
		Component:   "auth",
		Operation:   operation,
		CameraID:    cameraID,
		Recoverable: false,
	}))
}

// LogDispatchError logs a failed hand-off to an approval provider or alert broker
func LogDispatchError(logger logrus.FieldLogger, err error, channel, entryID string) {
	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryNetwork,
		Severity:    ErrorSeverityMedium,
		Component:   "dispatch",
		Operation:   "send",
		Channel:     channel,
		EntryID:     entryID,
		Recoverable: true,
	}))
}

// LogServiceError logs a failure surfaced by a service, categorised from
// the error itself
func LogServiceError(logger logrus.FieldLogger, err error, serviceName, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if recoverable {
		severity = ErrorSeverityMedium
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ClassifyError(err),
		Severity:    severity,
		Component:   serviceName,
		Operation:   operation,
		Recoverable: recoverable,
	}))
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	return string(buf[:runtime.Stack(buf, false)])
}

// sentinelCategories maps the core's error sentinels to a category
var sentinelCategories = []struct {
	target   error
	category ErrorCategory
}{
	{types.ErrPersistenceFailure, ErrorCategoryStorage},
	{types.ErrInvalidCredential, ErrorCategorySecurity},
	{types.ErrConflictingState, ErrorCategoryState},
	{types.ErrExpiredApproval, ErrorCategoryState},
	{types.ErrUnknownCorrelationToken, ErrorCategoryState},
}

// messageCategories is consulted in order for errors without a sentinel
var messageCategories = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrorCategoryNetwork, []string{"connection refused", "connection reset", "i/o timeout", "no such host", "dial tcp", "tls handshake", "nats:", "redis:"}},
	{ErrorCategoryStorage, []string{"database", "sqlite", "sql:", "constraint", "pq:", "no space left"}},
	{ErrorCategoryConfig, []string{"config", "missing", "yaml"}},
}

// ClassifyError picks a category for err from its sentinel, falling back to
// well-known driver and network messages
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	for _, s := range sentinelCategories {
		if errors.Is(err, s.target) {
			return s.category
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range messageCategories {
		for _, keyword := range m.keywords {
			if strings.Contains(msg, keyword) {
				return m.category
			}
		}
	}
	return ErrorCategoryUnknown
}
