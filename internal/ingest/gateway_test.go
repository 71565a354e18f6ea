package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gate-event-core/internal/alerts"
	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/filter"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/monitor"
	"gate-event-core/internal/registry"
	"gate-event-core/internal/types"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	db       *database.DB
	clock    *clock.Fake
	audit    *audit.Writer
	registry *registry.Registry
	monitor  *monitor.Monitor
	filter   *filter.Filter
	gateway  *Gateway

	entrySecret string
	exitSecret  string
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "ingest.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, clock: clock.NewFake(t0)}
	h.audit = audit.NewWriter(db, h.clock, nil)
	h.registry = registry.New(db, h.audit, h.clock, nil, registry.WithBcryptCost(bcrypt.MinCost))
	h.monitor = monitor.New(db, alerts.NewManager(db, nil, h.audit, h.clock, nil), h.audit, h.clock, nil, monitor.Config{})
	h.filter = filter.New(filter.DefaultConfig(), nil, h.clock, nil)

	machine := lifecycle.NewMachine(db, h.audit, lifecycle.NewPolicy(lifecycle.PolicyConfig{}), h.clock, nil)
	h.gateway = New(h.registry, h.monitor, h.filter, machine, h.audit, h.clock, nil)

	_, h.entrySecret, err = h.registry.Register(ctx, registry.Registration{ID: "cam-in", Direction: types.DirectionEntry})
	require.NoError(t, err)
	_, h.exitSecret, err = h.registry.Register(ctx, registry.Registration{ID: "cam-out", Direction: types.DirectionExit})
	require.NoError(t, err)
	return h
}

func detection(plate string, confidence float64) types.Detection {
	return types.Detection{PlateText: plate, Confidence: confidence, CapturedAt: t0, SourceIP: "10.1.0.5"}
}

func (h *harness) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := h.db.ListAudit(context.Background(), database.AuditFilter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func (h *harness) cameraStatus(t *testing.T, id string) types.CameraStatus {
	t.Helper()
	camera, err := h.db.GetCamera(context.Background(), id)
	require.NoError(t, err)
	return camera.Status
}

func TestIngest_EntryThenExit(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	in, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("ab-12 cd", 0.93))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, in.Outcome)
	assert.True(t, in.Created)
	assert.Equal(t, "AB12CD", in.Plate)
	assert.Equal(t, types.StateEntered, in.State)
	assert.Equal(t, types.CameraOnline, h.cameraStatus(t, "cam-in"))

	h.clock.Advance(20 * time.Minute)
	exitRead := detection("AB12CD", 0.91)
	exitRead.CapturedAt = h.clock.Now()

	out, err := h.gateway.Ingest(ctx, "cam-out", h.exitSecret, exitRead)
	require.NoError(t, err)
	assert.Equal(t, in.EntryID, out.EntryID)
	assert.Equal(t, types.StateExited, out.State)

	stats := h.gateway.GetStats()
	assert.Equal(t, int64(2), stats.TotalAccepted)
	assert.Equal(t, int64(2), stats.TotalReceived)
}

func TestIngest_InvalidCredential(t *testing.T) {
	h := setup(t)

	_, err := h.gateway.Ingest(context.Background(), "cam-in", "wrong", detection("AB12CD", 0.95))
	assert.ErrorIs(t, err, types.ErrInvalidCredential)

	_, err = h.gateway.Ingest(context.Background(), "cam-nowhere", "wrong", detection("AB12CD", 0.95))
	assert.ErrorIs(t, err, types.ErrInvalidCredential)

	// a failed credential is not a sign of life
	assert.Equal(t, types.CameraOffline, h.cameraStatus(t, "cam-in"))
	assert.Equal(t, 2, h.auditCount(t, types.ActionCredentialInvalid))
	assert.Equal(t, int64(2), h.gateway.GetStats().TotalUnauthorized)
}

func TestIngest_FilterRejections(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	res, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("AB12CD", 0.40))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, string(filter.RejectLowConfidence), res.Reason)

	res, err = h.gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("A-1", 0.99))
	require.NoError(t, err)
	assert.Equal(t, string(filter.RejectInvalidPlate), res.Reason)

	// rejected but authenticated traffic still counts as a heartbeat
	assert.Equal(t, types.CameraOnline, h.cameraStatus(t, "cam-in"))
	assert.Equal(t, 2, h.auditCount(t, types.ActionDetectionRejected))

	open, err := h.db.ListOpenEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestIngest_CooldownDuplicate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("AB12CD", 0.95))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)

	second := detection("AB12CD", 0.97)
	second.CapturedAt = t0.Add(5 * time.Second)
	res, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, second)
	require.NoError(t, err)
	assert.Equal(t, string(filter.RejectDuplicate), res.Reason)
}

func TestIngest_DuplicateOpenEntry(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("AB12CD", 0.95))
	require.NoError(t, err)

	// past the cooldown the filter lets it through, the state machine does not
	h.clock.Advance(5 * time.Minute)
	late := detection("AB12CD", 0.95)
	late.CapturedAt = t0.Add(5 * time.Minute)
	res, err := h.gateway.Ingest(ctx, "cam-in", h.entrySecret, late)
	assert.ErrorIs(t, err, types.ErrDuplicateSuppressed)
	assert.Equal(t, ReasonDuplicateOpenEntry, res.Reason)
	assert.Equal(t, first.EntryID, res.EntryID)
	assert.Equal(t, types.StateEntered, res.State)
}

func TestIngest_ExitWithoutEntry(t *testing.T) {
	h := setup(t)

	res, err := h.gateway.Ingest(context.Background(), "cam-out", h.exitSecret, detection("ZZ99ZZ", 0.95))
	assert.ErrorIs(t, err, types.ErrConflictingState)
	assert.Equal(t, ReasonExitWithoutEntry, res.Reason)
	assert.Equal(t, 1, h.auditCount(t, types.ActionDetectionExitWithoutOpen))
}

func TestIngest_Malformed(t *testing.T) {
	h := setup(t)

	res, err := h.gateway.Ingest(context.Background(), "cam-in", h.entrySecret, detection("AB12CD", 1.5))
	assert.ErrorIs(t, err, types.ErrValidationRejected)
	assert.Equal(t, ReasonMalformed, res.Reason)
	assert.Equal(t, 1, h.auditCount(t, types.ActionDetectionRejected))
}

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) HandleDetection(ctx context.Context, camera types.Camera, d types.Detection) (lifecycle.Outcome, error) {
	args := m.Called(ctx, camera, d)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func TestIngest_PersistenceFailureReleasesCooldown(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	machine := &mockLifecycle{}
	machine.On("HandleDetection", mock.Anything, mock.Anything, mock.Anything).
		Return(lifecycle.Outcome{}, types.NewPersistenceError("insert entry", errors.New("disk I/O error"))).Once()
	machine.On("HandleDetection", mock.Anything, mock.Anything, mock.Anything).
		Return(lifecycle.Outcome{Entry: types.VehicleEntry{ID: "entry-1", State: types.StateEntered}, Created: true}, nil).Once()

	logger, hook := logtest.NewNullLogger()
	gateway := New(h.registry, h.monitor, h.filter, machine, h.audit, h.clock, logger)

	_, err := gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("AB12CD", 0.95))
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	failure := hook.LastEntry()
	require.NotNil(t, failure)
	assert.Equal(t, logging.ErrorCategoryStorage, failure.Data["error_category"])
	assert.Equal(t, true, failure.Data["recoverable"])
	assert.Equal(t, "cam-in", failure.Data["camera_id"])

	// the camera retries the same read and is not suppressed by the cooldown
	res, err := gateway.Ingest(ctx, "cam-in", h.entrySecret, detection("AB12CD", 0.95))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, "entry-1", res.EntryID)

	machine.AssertExpectations(t)
	assert.Equal(t, int64(1), gateway.GetStats().TotalFailed)
}

func TestHeartbeat(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	require.NoError(t, h.gateway.Heartbeat(ctx, "cam-out", h.exitSecret, "10.1.0.6"))
	assert.Equal(t, types.CameraOnline, h.cameraStatus(t, "cam-out"))

	assert.ErrorIs(t, h.gateway.Heartbeat(ctx, "cam-out", "nope", "10.1.0.6"), types.ErrInvalidCredential)
}
