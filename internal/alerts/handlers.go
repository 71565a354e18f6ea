package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/types"
)

// Event is what downstream delivery receives for a raised or resolved alert
type Event struct {
	AlertID    string          `json:"alertId"`
	Kind       types.AlertKind `json:"kind"`
	CameraID   string          `json:"cameraId,omitempty"`
	EntryID    string          `json:"entryId,omitempty"`
	Message    string          `json:"message"`
	CreatedAt  time.Time       `json:"createdAt"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// EventFrom converts a stored alert into its delivery form
func EventFrom(alert types.Alert) Event {
	return Event{
		AlertID:    alert.ID,
		Kind:       alert.Kind,
		CameraID:   alert.CameraID,
		EntryID:    alert.EntryID,
		Message:    alert.Message,
		CreatedAt:  alert.CreatedAt,
		Resolved:   alert.IsResolved,
		ResolvedAt: alert.ResolvedAt,
	}
}

// Handler delivers alert events downstream
type Handler interface {
	HandleAlert(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) HandleAlert(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LogHandler logs alerts to the system log
type LogHandler struct {
	logger *logrus.Logger
}

// NewLogHandler creates a new log-based alert handler
func NewLogHandler(logger *logrus.Logger) *LogHandler {
	return &LogHandler{
		logger: logger,
	}
}

// HandleAlert logs the alert at a level matching its kind
func (h *LogHandler) HandleAlert(ctx context.Context, event Event) error {
	logEntry := h.logger.WithFields(logrus.Fields{
		"alert_id":   event.AlertID,
		"alert_kind": string(event.Kind),
		"camera_id":  event.CameraID,
		"entry_id":   event.EntryID,
		"created_at": event.CreatedAt,
		"resolved":   event.Resolved,
	})

	if event.Resolved {
		logEntry.Info(fmt.Sprintf("[resolved] %s: %s", event.Kind, event.Message))
		return nil
	}

	message := fmt.Sprintf("[%s] %s", event.Kind, event.Message)
	switch event.Kind {
	case types.AlertCameraOffline, types.AlertExitAnomaly:
		logEntry.Warn(message)
	default:
		logEntry.Info(message)
	}

	return nil
}

// FileHandler appends alerts as JSON lines for external monitoring systems
type FileHandler struct {
	logger   *logrus.Logger
	filePath string
	mu       sync.Mutex
}

// NewFileHandler creates a new file-based alert handler
func NewFileHandler(logger *logrus.Logger, filePath string) *FileHandler {
	return &FileHandler{
		logger:   logger,
		filePath: filePath,
	}
}

// HandleAlert writes the alert to the file as one JSON line
func (h *FileHandler) HandleAlert(ctx context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create alert directory: %w", err)
	}

	file, err := os.OpenFile(h.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open alert file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write alert to file: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"file":     h.filePath,
		"alert_id": event.AlertID,
	}).Debug("Alert written to file")
	return nil
}

// NATSHandler publishes alerts on <prefix><kind>
type NATSHandler struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSHandler creates a handler over an established connection
func NewNATSHandler(conn *nats.Conn, subjectPrefix string) *NATSHandler {
	if subjectPrefix == "" {
		subjectPrefix = "gate.alerts."
	}
	return &NATSHandler{conn: conn, prefix: subjectPrefix}
}

// ConnectNATS dials the broker with reconnects enabled
func ConnectNATS(url string, logger *logrus.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("gate-event-core"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on
func (h *NATSHandler) Subject(event Event) string {
	return h.prefix + string(event.Kind)
}

// HandleAlert publishes the event as JSON
func (h *NATSHandler) HandleAlert(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := h.conn.Publish(h.Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// CompositeHandler combines multiple alert handlers
type CompositeHandler struct {
	handlers []Handler
	logger   *logrus.Logger
}

// NewCompositeHandler creates a new composite alert handler
func NewCompositeHandler(logger *logrus.Logger, handlers ...Handler) *CompositeHandler {
	return &CompositeHandler{
		handlers: handlers,
		logger:   logger,
	}
}

// HandleAlert sends the alert to all configured handlers
func (h *CompositeHandler) HandleAlert(ctx context.Context, event Event) error {
	var lastError error
	successCount := 0

	for i, handler := range h.handlers {
		if err := handler.HandleAlert(ctx, event); err != nil {
			h.logger.WithError(err).WithField("handler_index", i).Error("Alert handler failed")
			lastError = err
		} else {
			successCount++
		}
	}

	// only fail when nobody received the alert
	if successCount == 0 && lastError != nil {
		return fmt.Errorf("all alert handlers failed, last error: %w", lastError)
	}

	return nil
}

// AddHandler adds a new handler to the composite handler
func (h *CompositeHandler) AddHandler(handler Handler) {
	h.handlers = append(h.handlers, handler)
}
