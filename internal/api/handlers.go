package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/database"
	"gate-event-core/internal/ingest"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/registry"
	"gate-event-core/internal/types"
)

const maxRequestBody = 1 << 20

// handleDetection ingests one plate read from a camera
func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	var req DetectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	detection := types.Detection{
		PlateText:  req.PlateText,
		Confidence: *req.Confidence,
		CapturedAt: req.CapturedAt,
		ImageRef:   req.ImageRef,
		SourceIP:   clientIP(r),
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), r.Header.Get("X-Camera-ID"), r.Header.Get("X-Camera-Key"), detection)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, result)
	case errors.Is(err, types.ErrDuplicateSuppressed):
		// the visit is already open; the camera has nothing to retry
		s.writeJSON(w, http.StatusOK, result)
	case result.Outcome == ingest.OutcomeRejected:
		status, _ := classify(err)
		s.writeJSON(w, status, result)
	default:
		s.writeCoreError(w, r, err)
	}
}

// handleHeartbeat records a camera ping
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	cameraID := mux.Vars(r)["id"]
	if header := r.Header.Get("X-Camera-ID"); header != "" && header != cameraID {
		s.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "camera id header does not match path")
		return
	}

	if err := s.deps.Ingest.Heartbeat(r.Context(), cameraID, r.Header.Get("X-Camera-Key"), clientIP(r)); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleApprovalCallback applies a provider's decision
func (s *Server) handleApprovalCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if !s.decodeWith(w, r, &req, func() { req.Decision = strings.ToUpper(strings.TrimSpace(req.Decision)) }) {
		return
	}

	result, err := s.deps.Callbacks.HandleCallback(r.Context(), req.CorrelationToken, types.Decision(req.Decision), clientIP(r))
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	response := CallbackResponse{
		ApprovalID: result.Approval.ID,
		Status:     result.Approval.Status,
		EntryID:    result.Approval.EntryID,
		Duplicate:  result.Duplicate,
		Moot:       result.Moot,
	}
	if result.Entry != nil {
		response.EntryState = result.Entry.State
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleManualEntry applies an admin override
func (s *Server) handleManualEntry(w http.ResponseWriter, r *http.Request) {
	var req ManualEntryRequest
	if !s.decodeWith(w, r, &req, func() { req.Action = strings.ToLower(strings.TrimSpace(req.Action)) }) {
		return
	}

	adminID := adminIDFrom(r.Context())
	out, err := s.deps.Entries.ManualAction(r.Context(), lifecycle.ManualRequest{
		Plate:    req.Plate,
		ActorID:  adminID,
		Action:   lifecycle.ManualAction(req.Action),
		Note:     req.Note,
		SourceIP: clientIP(r),
	})
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"admin_id": adminID,
		"action":   req.Action,
		"entry_id": out.Entry.ID,
		"state":    out.Entry.State,
	}).Info("Manual override applied")

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, EntryResponse{Entry: out.Entry, From: out.From, Created: out.Created})
}

func (s *Server) handleListOpenEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Entries.ListOpen(r.Context())
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeList(w, entries, len(entries))
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Entries.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EntryResponse{Entry: *entry})
}

// handleRequestApproval re-sends approval requests for an entry that is
// still waiting. Earlier requests keep their deadlines.
func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if r.ContentLength != 0 {
		normalize := func() {
			for i, ch := range req.Channels {
				req.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
			}
		}
		if !s.decodeWith(w, r, &req, normalize) {
			return
		}
	}

	entryID := mux.Vars(r)["id"]
	adminID := adminIDFrom(r.Context())
	approvals, err := s.deps.Approvals.RequestApproval(r.Context(), entryID, req.Channels, adminID)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"admin_id": adminID,
		"entry_id": entryID,
		"requests": len(approvals),
	}).Info("Approval requested again")

	s.writeJSON(w, http.StatusCreated, ApprovalsResponse{EntryID: entryID, Approvals: approvals})
}

// handleListAudit serves a read-only view of the audit trail
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		Actor:      q.Get("actor"),
	}

	var err error
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if since := q.Get("since"); since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			s.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "since must be an RFC3339 timestamp")
			return
		}
	}

	entries, err := s.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeList(w, entries, len(entries))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AlertFilter{
		OpenOnly: q.Get("open") == "true",
		Kind:     types.AlertKind(q.Get("kind")),
	}

	var err error
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	alerts, err := s.deps.Alerts.List(r.Context(), filter)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeList(w, alerts, len(alerts))
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], adminIDFrom(r.Context()), clientIP(r))
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := s.deps.Directory.List(r.Context())
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeList(w, cameras, len(cameras))
}

// handleRegisterCamera registers a camera and returns its credential once
func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var req CameraRequest
	if !s.decode(w, r, &req) {
		return
	}

	camera, secret, err := s.deps.Directory.Register(r.Context(), registry.Registration{
		ID:        req.ID,
		Name:      req.Name,
		Location:  req.Location,
		Direction: types.CameraDirection(req.Direction),
		Secret:    req.Secret,
		ActorID:   adminIDFrom(r.Context()),
		SourceIP:  clientIP(r),
	})
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CameraRegistrationResponse{Camera: *camera, Secret: secret})
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req VehicleRequest
	if !s.decode(w, r, &req) {
		return
	}

	vehicle, err := s.deps.Directory.RegisterVehicle(r.Context(), registry.VehicleRegistration{
		Plate:     req.Plate,
		OwnerName: req.OwnerName,
		Blocked:   req.Blocked,
		ActorID:   adminIDFrom(r.Context()),
		SourceIP:  clientIP(r),
	})
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vehicle)
}

// handleWebSocket attaches a dashboard to the live feed
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, ErrCodeInternal, "live feed is not enabled")
		return
	}
	if err := s.deps.Hub.Serve(w, r, adminIDFrom(r.Context())); err != nil {
		s.logger.WithError(err).Warn("Failed to attach live feed client")
	}
}

// handleHealth reports store reachability
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Database:  "ok",
		Timestamp: s.clock.Now().UTC(),
	}
	if s.deps.Hub != nil {
		response.LiveClients = s.deps.Hub.ConnectionCount()
	}

	status := http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			response.Status = "unhealthy"
			response.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, response)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return s.decodeWith(w, r, dst, nil)
}

// decodeWith reads a JSON body, applies normalize and runs struct validation
func (s *Server) decodeWith(w http.ResponseWriter, r *http.Request, dst interface{}, normalize func()) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrCodeInvalidJSON, "invalid JSON in request body")
		return false
	}
	if normalize != nil {
		normalize()
	}

	if err := s.validate.Struct(dst); err != nil {
		response := NewErrorResponse(ErrCodeValidation, "request validation failed", r, s.clock.Now())
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				response.AddDetail(fe.Field(), fmt.Sprintf("failed on %s", fe.Tag()))
			}
		}
		s.writeJSON(w, http.StatusBadRequest, response)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeList(w http.ResponseWriter, items interface{}, count int) {
	s.writeJSON(w, http.StatusOK, ListResponse{Items: items, Count: count})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	s.writeJSON(w, status, NewErrorResponse(code, message, r, s.clock.Now()))
}

// writeCoreError maps an error from the core onto its HTTP status
func (s *Server) writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		requestLogger := logging.NewContextLogger(s.logger, logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		logging.LogServiceError(requestLogger, err, "api-server", "handle_request", types.IsRetryable(err))
		if code == ErrCodeInternal {
			message = "internal server error"
		}
	}
	if code == ErrCodePersistenceFailure {
		w.Header().Set("Retry-After", "1")
		message = "temporarily unable to persist, retry"
	}
	s.writeError(w, r, status, code, message)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > 1000 {
		return 0, fmt.Errorf("limit must be between 0 and 1000")
	}
	return limit, nil
}
