package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-event-core/internal/types"
)

func TestNewStructuredError(t *testing.T) {
	err := errors.New("test error")
	context := ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    ErrorSeverityCritical,
		Component:   "database",
		Operation:   "insert",
		Recoverable: false,
	}

	structuredErr := NewStructuredError(err, context)

	assert.Equal(t, err, structuredErr.Err)
	assert.Equal(t, context, structuredErr.Context)
	assert.False(t, structuredErr.Timestamp.IsZero())
	assert.NotEmpty(t, structuredErr.Stack)
	assert.Equal(t, "test error", structuredErr.Error())
	assert.Equal(t, err, errors.Unwrap(structuredErr))
}

func TestNewStructuredError_NoStackBelowCritical(t *testing.T) {
	structuredErr := NewStructuredError(errors.New("x"), ErrorContext{Severity: ErrorSeverityMedium})
	assert.Empty(t, structuredErr.Stack)
}

func TestLogStructuredError(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	LogDispatchError(logger, errors.New("connection refused"), "sms", "entry-1")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "warning", record["level"])
	assert.Equal(t, "network", record["error_category"])
	assert.Equal(t, "sms", record["channel"])
	assert.Equal(t, "entry-1", record["entry_id"])
}

func TestLogSecurityError_CarriesCameraID(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	LogSecurityError(logger.WithField("request_id", "r1"), types.ErrInvalidCredential, "cam-1", "authenticate")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "security", record["error_category"])
	assert.Equal(t, "cam-1", record["camera_id"])
	assert.Equal(t, "r1", record["request_id"])
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryUnknown},
		{"persistence", types.NewPersistenceError("insert entry", errors.New("boom")), ErrorCategoryStorage},
		{"credential", fmt.Errorf("auth: %w", types.ErrInvalidCredential), ErrorCategorySecurity},
		{"conflict", &types.ConflictError{From: types.StateExited, Trigger: "manual_flag"}, ErrorCategoryState},
		{"network", errors.New("dial tcp 127.0.0.1:6379: connection refused"), ErrorCategoryNetwork},
		{"sqlite", errors.New("sqlite: database is locked"), ErrorCategoryStorage},
		{"config", errors.New("missing jwt secret"), ErrorCategoryConfig},
		{"other", errors.New("something odd"), ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestLogServiceError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
		wantLevel   string
		wantCat     string
	}{
		{"retryable storage", types.NewPersistenceError("commit transaction", errors.New("database is locked")), true, "warning", "storage"},
		{"unrecoverable unknown", errors.New("nil map"), false, "error", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&buf)
			logger.SetFormatter(&logrus.JSONFormatter{})

			requestLogger := NewContextLogger(logger, logrus.Fields{"path": "/api/v1/detections"})
			LogServiceError(requestLogger, tt.err, "api-server", "handle_request", tt.recoverable)

			var record map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
			assert.Equal(t, tt.wantLevel, record["level"])
			assert.Equal(t, tt.wantCat, record["error_category"])
			assert.Equal(t, "api-server", record["component"])
			assert.Equal(t, "/api/v1/detections", record["path"])
		})
	}
}
