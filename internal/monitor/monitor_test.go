package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-event-core/internal/alerts"
	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/types"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	db      *database.DB
	clock   *clock.Fake
	audit   *audit.Writer
	alerts  *alerts.Manager
	monitor *Monitor

	mu        sync.Mutex
	published []alerts.Event
}

func setup(t *testing.T) *harness {
	t.Helper()

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "monitor.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, clock: clock.NewFake(t0)}
	h.audit = audit.NewWriter(db, h.clock, nil)
	h.alerts = alerts.NewManager(db, alerts.HandlerFunc(func(ctx context.Context, event alerts.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.published = append(h.published, event)
		return nil
	}), h.audit, h.clock, nil)
	h.monitor = h.newMonitor()

	require.NoError(t, db.InsertCamera(context.Background(), &types.Camera{
		ID:             "cam-in",
		Name:           "North gate",
		Direction:      types.DirectionEntry,
		CredentialHash: "unused",
		Status:         types.CameraOffline,
		CreatedAt:      t0,
	}))
	return h
}

func (h *harness) newMonitor() *Monitor {
	return New(h.db, h.alerts, h.audit, h.clock, nil, Config{
		Interval:         time.Minute,
		OfflineThreshold: 5 * time.Minute,
	})
}

func (h *harness) events() []alerts.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]alerts.Event, len(h.published))
	copy(out, h.published)
	return out
}

func (h *harness) cameraStatus(t *testing.T) types.CameraStatus {
	t.Helper()
	camera, err := h.db.GetCamera(context.Background(), "cam-in")
	require.NoError(t, err)
	return camera.Status
}

func (h *harness) alertCount(t *testing.T, openOnly bool) int {
	t.Helper()
	list, err := h.db.ListAlerts(context.Background(), database.AlertFilter{OpenOnly: openOnly, Kind: types.AlertCameraOffline})
	require.NoError(t, err)
	return len(list)
}

func TestRecordHeartbeat_FirstContact(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	assert.Equal(t, types.CameraOffline, h.cameraStatus(t))

	changed, err := h.monitor.RecordHeartbeat(ctx, "cam-in", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.CameraOnline, h.cameraStatus(t))

	changed, err = h.monitor.RecordHeartbeat(ctx, "cam-in", t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	// nothing was open, so nothing is resolved
	assert.Empty(t, h.events())

	entries, err := h.db.ListAudit(ctx, database.AuditFilter{Action: types.ActionCameraOnline})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	camera, err := h.db.GetCamera(ctx, "cam-in")
	require.NoError(t, err)
	require.NotNil(t, camera.LastSeenAt)
	assert.True(t, camera.LastSeenAt.Equal(t0.Add(time.Second)))
}

func TestSweep_OneAlertPerOutage(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.monitor.RecordHeartbeat(ctx, "cam-in", t0)
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	marked, err := h.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	h.clock.Advance(2 * time.Minute)
	marked, err = h.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, types.CameraOffline, h.cameraStatus(t))

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		marked, err = h.monitor.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, marked)
	}

	events := h.events()
	require.Len(t, events, 1)
	assert.Equal(t, types.AlertCameraOffline, events[0].Kind)
	assert.Equal(t, "cam-in", events[0].CameraID)
	assert.False(t, events[0].Resolved)
	assert.Equal(t, 1, h.alertCount(t, true))

	// the camera comes back and the alert is resolved
	changed, err := h.monitor.RecordHeartbeat(ctx, "cam-in", h.clock.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	events = h.events()
	require.Len(t, events, 2)
	assert.True(t, events[1].Resolved)
	assert.Equal(t, 0, h.alertCount(t, true))

	// a second outage opens a fresh alert
	h.clock.Advance(6 * time.Minute)
	marked, err = h.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 1, h.alertCount(t, true))
	assert.Equal(t, 2, h.alertCount(t, false))

	stats := h.monitor.GetStats()
	assert.Equal(t, int64(2), stats.MarkedOffline)
	assert.Equal(t, int64(2), stats.MarkedOnline)
}

func TestSweep_ConcurrentSweepersRaiseOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.monitor.RecordHeartbeat(ctx, "cam-in", t0)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	monitors := []*Monitor{h.monitor, h.newMonitor()}

	var (
		wg    sync.WaitGroup
		total int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			marked, err := m.Sweep(ctx)
			assert.NoError(t, err)
			atomic.AddInt64(&total, int64(marked))
		}(monitors[i%2])
	}
	wg.Wait()

	assert.Equal(t, int64(1), total)
	assert.Len(t, h.events(), 1)
	assert.Equal(t, 1, h.alertCount(t, false))

	entries, err := h.db.ListAudit(ctx, database.AuditFilter{Action: types.ActionCameraOffline})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweep_HeartbeatWinsOverStaleSnapshot(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.monitor.RecordHeartbeat(ctx, "cam-in", t0)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	cutoff := h.clock.Now().Add(-5 * time.Minute)
	stale, err := h.db.ListStaleCameras(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// a detection lands between listing and marking
	_, err = h.monitor.RecordHeartbeat(ctx, "cam-in", h.clock.Now())
	require.NoError(t, err)

	won, err := h.monitor.markOffline(ctx, stale[0], cutoff)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, types.CameraOnline, h.cameraStatus(t))
	assert.Empty(t, h.events())
}

func TestStartStop_RunsTasks(t *testing.T) {
	h := setup(t)

	var runs int64
	h.monitor.AddTask("count", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.monitor.Start(ctx))
	assert.Error(t, h.monitor.Start(ctx))
	assert.True(t, h.monitor.GetStats().IsRunning)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, h.monitor.GetStats().SweepCount, int64(1))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, h.monitor.Stop(stopCtx))
	assert.False(t, h.monitor.GetStats().IsRunning)
}
