// Package ingest is the entry point for camera traffic. It authenticates the
// camera, records the heartbeat, runs the detection filter and hands
// accepted detections to the lifecycle state machine.
package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/filter"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/types"
)

// Outcomes reported for a detection
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Rejection reasons raised after the filter
const (
	ReasonDuplicateOpenEntry = "DUPLICATE_OPEN_ENTRY"
	ReasonExitWithoutEntry   = "EXIT_WITHOUT_ENTRY"
	ReasonMalformed          = "MALFORMED"
)

// Authenticator verifies a camera credential
type Authenticator interface {
	Authenticate(ctx context.Context, cameraID, secret, sourceIP string) (*types.Camera, error)
}

// HeartbeatRecorder stamps camera liveness
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, cameraID string, at time.Time) (bool, error)
}

// Lifecycle applies accepted detections
type Lifecycle interface {
	HandleDetection(ctx context.Context, camera types.Camera, d types.Detection) (lifecycle.Outcome, error)
}

// Result describes what happened to one detection
type Result struct {
	Outcome string               `json:"outcome"`
	Reason  string               `json:"reason,omitempty"`
	Plate   string               `json:"plate,omitempty"`
	EntryID string               `json:"entry_id,omitempty"`
	State   types.LifecycleState `json:"state,omitempty"`
	Created bool                 `json:"created,omitempty"`
}

// Stats contains gateway counters
type Stats struct {
	TotalReceived     int64 `json:"totalReceived"`
	TotalAccepted     int64 `json:"totalAccepted"`
	TotalRejected     int64 `json:"totalRejected"`
	TotalUnauthorized int64 `json:"totalUnauthorized"`
	TotalFailed       int64 `json:"totalFailed"`
	LastAcceptedAt    int64 `json:"lastAcceptedAt"` // Unix timestamp
}

// Gateway runs the ingestion pipeline for one detection at a time per call;
// callers bound concurrency
type Gateway struct {
	auth       Authenticator
	heartbeats HeartbeatRecorder
	filter     *filter.Filter
	machine    Lifecycle
	audit      *audit.Writer
	clock      clock.Clock
	logger     *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New creates an ingestion gateway
func New(authenticator Authenticator, heartbeats HeartbeatRecorder, f *filter.Filter, machine Lifecycle, auditWriter *audit.Writer, clk clock.Clock, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Gateway{
		auth:       authenticator,
		heartbeats: heartbeats,
		filter:     f,
		machine:    machine,
		audit:      auditWriter,
		clock:      clk,
		logger:     logging.NewServiceLogger(logger, "ingest-gateway"),
	}
}

// Ingest processes one detection posted by a camera. Filter rejections are
// reported in the result with a nil error. Duplicates of an open entry and
// exits without an entry return the result together with the matching
// error from the taxonomy.
func (g *Gateway) Ingest(ctx context.Context, cameraID, secret string, d types.Detection) (Result, error) {
	g.count(func(s *Stats) { s.TotalReceived++ })

	camera, err := g.auth.Authenticate(ctx, cameraID, secret, d.SourceIP)
	if err != nil {
		g.count(func(s *Stats) { s.TotalUnauthorized++ })
		metrics.DetectionsTotal.WithLabelValues("unauthorized").Inc()
		return Result{}, err
	}
	d.CameraID = camera.ID

	// any authenticated request proves the camera is alive, even if the
	// detection itself is rejected below
	g.recordHeartbeat(ctx, camera.ID)

	if err := filter.Validate(d); err != nil {
		res := Result{Outcome: OutcomeRejected, Reason: ReasonMalformed}
		if auditErr := g.auditRejection(ctx, *camera, d, ReasonMalformed, err.Error()); auditErr != nil {
			return res, auditErr
		}
		g.count(func(s *Stats) { s.TotalRejected++ })
		metrics.DetectionsTotal.WithLabelValues("malformed").Inc()
		return res, err
	}

	verdict := g.filter.Evaluate(d)
	if !verdict.Accepted() {
		res := Result{Outcome: OutcomeRejected, Reason: string(verdict.Decision), Plate: verdict.Plate}
		if err := g.auditRejection(ctx, *camera, d, string(verdict.Decision), verdict.Reason); err != nil {
			return res, err
		}
		g.count(func(s *Stats) { s.TotalRejected++ })
		metrics.DetectionsTotal.WithLabelValues(string(verdict.Decision)).Inc()
		return res, nil
	}

	out, err := g.machine.HandleDetection(ctx, *camera, d)
	switch {
	case err == nil:
		g.count(func(s *Stats) {
			s.TotalAccepted++
			s.LastAcceptedAt = g.clock.Now().Unix()
		})
		metrics.DetectionsTotal.WithLabelValues(OutcomeAccepted).Inc()
		return Result{
			Outcome: OutcomeAccepted,
			Plate:   verdict.Plate,
			EntryID: out.Entry.ID,
			State:   out.Entry.State,
			Created: out.Created,
		}, nil

	case errors.Is(err, types.ErrDuplicateSuppressed):
		g.count(func(s *Stats) { s.TotalRejected++ })
		metrics.DetectionsTotal.WithLabelValues(ReasonDuplicateOpenEntry).Inc()
		return Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonDuplicateOpenEntry,
			Plate:   verdict.Plate,
			EntryID: out.Entry.ID,
			State:   out.Entry.State,
		}, err

	case errors.Is(err, types.ErrConflictingState):
		g.count(func(s *Stats) { s.TotalRejected++ })
		metrics.DetectionsTotal.WithLabelValues(ReasonExitWithoutEntry).Inc()
		return Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonExitWithoutEntry,
			Plate:   verdict.Plate,
		}, err

	default:
		// nothing was committed; let the camera's retry through the cooldown
		g.filter.Release(verdict)
		g.count(func(s *Stats) { s.TotalFailed++ })
		metrics.DetectionsTotal.WithLabelValues("failed").Inc()
		logging.LogStructuredError(g.logger, logging.NewStructuredError(err, logging.ErrorContext{
			Category:    logging.ClassifyError(err),
			Severity:    logging.ErrorSeverityHigh,
			Component:   "ingest",
			Operation:   "handle_detection",
			CameraID:    camera.ID,
			Recoverable: types.IsRetryable(err),
			Metadata:    map[string]interface{}{"plate": verdict.Plate},
		}))
		return Result{}, err
	}
}

// Heartbeat authenticates a camera ping and records it
func (g *Gateway) Heartbeat(ctx context.Context, cameraID, secret, sourceIP string) error {
	camera, err := g.auth.Authenticate(ctx, cameraID, secret, sourceIP)
	if err != nil {
		return err
	}
	_, err = g.heartbeats.RecordHeartbeat(ctx, camera.ID, g.clock.Now().UTC())
	return err
}

// GetStats returns gateway counters
func (g *Gateway) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *Gateway) recordHeartbeat(ctx context.Context, cameraID string) {
	if _, err := g.heartbeats.RecordHeartbeat(ctx, cameraID, g.clock.Now().UTC()); err != nil {
		logging.LogStorageError(logging.NewCameraLogger(g.logger, cameraID), err, "record_heartbeat", true)
	}
}

func (g *Gateway) auditRejection(ctx context.Context, camera types.Camera, d types.Detection, decision, reason string) error {
	detail := map[string]interface{}{
		"camera_id":  camera.ID,
		"plate_text": d.PlateText,
		"decision":   decision,
		"reason":     reason,
	}
	if !math.IsNaN(d.Confidence) && !math.IsInf(d.Confidence, 0) {
		detail["confidence"] = d.Confidence
	}

	return g.audit.Record(ctx, types.AuditLogEntry{
		Actor:      camera.ID,
		Action:     types.ActionDetectionRejected,
		EntityType: types.EntityDetection,
		EntityID:   filter.NormalizePlate(d.PlateText),
		SourceIP:   d.SourceIP,
		Detail:     detail,
	})
}

func (g *Gateway) count(fn func(*Stats)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.stats)
}
