package channels

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// MessageApprovalRequest is the live feed message type for web approvals
const MessageApprovalRequest = "approval_request"

// Broadcaster pushes a message to connected dashboard clients and reports
// how many received it
type Broadcaster interface {
	Broadcast(messageType string, data interface{}) int
}

// BroadcastSender serves the web channel by pushing requests to the live
// dashboard feed. Operators answer through the callback endpoint.
type BroadcastSender struct {
	hub Broadcaster
}

// NewBroadcastSender creates a web channel sender
func NewBroadcastSender(hub Broadcaster) *BroadcastSender {
	return &BroadcastSender{hub: hub}
}

// Send broadcasts the request. It fails when no dashboard is connected.
func (s *BroadcastSender) Send(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return types.DispatchResult{}, err
	}

	delivered := s.hub.Broadcast(MessageApprovalRequest, req)
	if delivered == 0 {
		return types.DispatchResult{}, fmt.Errorf("no dashboard connected for channel %s", req.Channel)
	}

	return types.DispatchResult{
		Channel:    req.Channel,
		ProviderID: fmt.Sprintf("ws:%d", delivered),
		Accepted:   true,
	}, nil
}

// LogSender writes dispatch requests to the log. It stands in for channels
// whose provider runs outside this process and reads the log stream.
type LogSender struct {
	logger *logrus.Entry
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *logrus.Logger) *LogSender {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &LogSender{logger: logging.NewServiceLogger(logger, "approval-dispatch")}
}

// Send logs the request and accepts it
func (s *LogSender) Send(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	s.logger.WithFields(logrus.Fields{
		"channel":           req.Channel,
		"vehicle_entry_id":  req.VehicleEntryID,
		"correlation_token": req.CorrelationToken,
		"message":           req.Message,
	}).Info("Approval request dispatched")

	return types.DispatchResult{Channel: req.Channel, Accepted: true}, nil
}
