// Package monitor tracks camera reachability. Cameras report in through
// heartbeats and detections; a periodic sweep marks silent cameras offline
// and raises one alert per outage.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/types"
)

// Store is the part of the database the monitor needs
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	ListStaleCameras(ctx context.Context, cutoff time.Time) ([]types.Camera, error)
}

// Alerter opens, resolves and delivers camera alerts
type Alerter interface {
	RaiseTx(ctx context.Context, tx database.Tx, alert types.Alert) (*types.Alert, error)
	ResolveTx(ctx context.Context, tx database.Tx, kind types.AlertKind, cameraID, entryID string) (*types.Alert, error)
	Publish(ctx context.Context, alert types.Alert)
}

// Config holds monitor timing
type Config struct {
	Interval         time.Duration
	OfflineThreshold time.Duration
}

// DefaultConfig returns the standard monitor timing
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		OfflineThreshold: 5 * time.Minute,
	}
}

// Task is periodic housekeeping run after each sweep
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

// Stats contains monitor counters
type Stats struct {
	IsRunning     bool          `json:"isRunning"`
	LastSweep     time.Time     `json:"lastSweep"`
	LastError     string        `json:"lastError,omitempty"`
	SweepCount    int64         `json:"sweepCount"`
	ErrorCount    int64         `json:"errorCount"`
	MarkedOffline int64         `json:"markedOffline"`
	MarkedOnline  int64         `json:"markedOnline"`
	Interval      time.Duration `json:"interval"`
}

// Monitor maintains camera ONLINE/OFFLINE status
type Monitor struct {
	store  Store
	alerts Alerter
	audit  *audit.Writer
	clock  clock.Clock
	config Config
	logger *logrus.Entry

	mu    sync.RWMutex
	tasks []namedTask
	stats Stats

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a heartbeat monitor
func New(store Store, alerter Alerter, auditWriter *audit.Writer, clk clock.Clock, logger *logrus.Logger, config Config) *Monitor {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.OfflineThreshold <= 0 {
		config.OfflineThreshold = defaults.OfflineThreshold
	}

	return &Monitor{
		store:  store,
		alerts: alerter,
		audit:  auditWriter,
		clock:  clk,
		config: config,
		logger: logging.NewServiceLogger(logger, "heartbeat-monitor"),
		stats:  Stats{Interval: config.Interval},
	}
}

// AddTask registers housekeeping to run after every sweep. Tasks must be
// added before Start.
func (m *Monitor) AddTask(name string, task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, namedTask{name: name, run: task})
}

// Start runs the sweep loop until Stop is called or ctx ends
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stats.IsRunning {
		m.mu.Unlock()
		return fmt.Errorf("heartbeat monitor is already running")
	}
	m.stats.IsRunning = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"interval":          m.config.Interval,
		"offline_threshold": m.config.OfflineThreshold,
	}).Info("Starting heartbeat monitor")

	go m.loop(ctx, m.clock.NewTicker(m.config.Interval))
	return nil
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.stats.IsRunning {
		m.mu.Unlock()
		return nil
	}
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	close(stopCh)

	var err error
	select {
	case <-stoppedCh:
		m.logger.Info("Heartbeat monitor stopped")
	case <-ctx.Done():
		m.logger.Warn("Heartbeat monitor stop timed out")
		err = ctx.Err()
	}

	m.mu.Lock()
	m.stats.IsRunning = false
	m.mu.Unlock()
	return err
}

// GetStats returns monitor counters
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(m.stoppedCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.tick(ctx)
		}
	}
}

// tick runs one sweep followed by the housekeeping tasks
func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.Sweep(ctx); err != nil {
		m.recordError(err)
		logging.LogStorageError(m.logger, err, "monitor_sweep", true)
	}

	m.mu.RLock()
	tasks := make([]namedTask, len(m.tasks))
	copy(tasks, m.tasks)
	m.mu.RUnlock()

	for _, task := range tasks {
		if err := task.run(ctx); err != nil {
			m.recordError(err)
			m.logger.WithError(err).WithField("task", task.name).Error("Housekeeping task failed")
		}
	}
}

// Sweep marks every camera silent for longer than the offline threshold as
// OFFLINE. It returns how many cameras this call moved.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	now := m.clock.Now().UTC()
	cutoff := now.Add(-m.config.OfflineThreshold)

	stale, err := m.store.ListStaleCameras(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, camera := range stale {
		ok, err := m.markOffline(ctx, camera, cutoff)
		if err != nil {
			return marked, err
		}
		if ok {
			marked++
		}
	}

	m.mu.Lock()
	m.stats.LastSweep = now
	m.stats.SweepCount++
	m.stats.MarkedOffline += int64(marked)
	m.mu.Unlock()

	return marked, nil
}

func (m *Monitor) markOffline(ctx context.Context, camera types.Camera, cutoff time.Time) (bool, error) {
	var (
		won   bool
		alert *types.Alert
	)
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		won, alert = false, nil

		ok, err := tx.SetCameraOffline(ctx, camera.ID, cutoff)
		if err != nil || !ok {
			return err
		}
		won = true

		detail := map[string]interface{}{"threshold": m.config.OfflineThreshold.String()}
		if camera.LastSeenAt != nil {
			detail["last_seen_at"] = camera.LastSeenAt.UTC()
		}
		if err := m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Action:     types.ActionCameraOffline,
			EntityType: types.EntityCamera,
			EntityID:   camera.ID,
			Detail:     detail,
		}); err != nil {
			return err
		}

		alert, err = m.alerts.RaiseTx(ctx, tx, types.Alert{
			Kind:     types.AlertCameraOffline,
			CameraID: camera.ID,
			Message:  offlineMessage(camera, m.config.OfflineThreshold),
		})
		return err
	})
	if err != nil || !won {
		return false, err
	}

	metrics.CameraStatusChanges.WithLabelValues(string(types.CameraOffline)).Inc()
	logging.NewCameraLogger(m.logger, camera.ID).Warn("Camera went offline")

	if alert != nil {
		m.alerts.Publish(ctx, *alert)
	}
	return true, nil
}

// RecordHeartbeat stamps a camera as seen at the given time and brings it
// back ONLINE if the sweep had marked it OFFLINE. It reports whether the
// camera changed status.
func (m *Monitor) RecordHeartbeat(ctx context.Context, cameraID string, at time.Time) (bool, error) {
	var (
		cameOnline bool
		resolved   *types.Alert
	)
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		cameOnline, resolved = false, nil

		if err := tx.TouchCamera(ctx, cameraID, at); err != nil {
			return err
		}

		ok, err := tx.SetCameraOnline(ctx, cameraID)
		if err != nil || !ok {
			return err
		}
		cameOnline = true

		if err := m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Action:     types.ActionCameraOnline,
			EntityType: types.EntityCamera,
			EntityID:   cameraID,
			Detail:     map[string]interface{}{"seen_at": at.UTC()},
		}); err != nil {
			return err
		}

		resolved, err = m.alerts.ResolveTx(ctx, tx, types.AlertCameraOffline, cameraID, "")
		return err
	})
	if err != nil {
		return false, err
	}
	if !cameOnline {
		return false, nil
	}

	metrics.CameraStatusChanges.WithLabelValues(string(types.CameraOnline)).Inc()
	m.mu.Lock()
	m.stats.MarkedOnline++
	m.mu.Unlock()

	logging.NewCameraLogger(m.logger, cameraID).Info("Camera is online")

	if resolved != nil {
		m.alerts.Publish(ctx, *resolved)
	}
	return true, nil
}

func (m *Monitor) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ErrorCount++
	m.stats.LastError = err.Error()
}

func offlineMessage(camera types.Camera, threshold time.Duration) string {
	if camera.LastSeenAt == nil {
		return fmt.Sprintf("camera %s has never reported", camera.ID)
	}
	return fmt.Sprintf("camera %s has not reported for more than %s (last seen %s)",
		camera.ID, threshold, camera.LastSeenAt.UTC().Format(time.RFC3339))
}
