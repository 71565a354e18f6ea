package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gate-event-core/internal/alerts"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/config"
	"gate-event-core/internal/ingest"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/registry"
	"gate-event-core/internal/types"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "core.db")
	cfg.Auth.JWTSecret = "core-test-secret"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Approval.CallbackKey = "core-callback-key"
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, clk clock.Clock) *Manager {
	t.Helper()
	m, err := NewManager(cfg, WithLogger(logging.NewNullLogger()), WithClock(clk), WithVersion("test"))
	require.NoError(t, err)
	return m
}

func runNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func post(t *testing.T, handler http.Handler, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(http.MethodPost, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestManager_DetectionFlow(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, testConfig(t), clock.NewFake(t0))
	defer m.Close()

	_, secret, err := m.Registry().Register(ctx, registry.Registration{ID: "gate-1", Direction: types.DirectionEntry})
	require.NoError(t, err)
	_, err = m.Registry().RegisterVehicle(ctx, registry.VehicleRegistration{Plate: "AB12CD", OwnerName: "Resident"})
	require.NoError(t, err)

	rec := post(t, m.Handler(), "/api/v1/detections",
		map[string]interface{}{"plate_text": "AB12CD", "confidence": 0.97},
		map[string]string{"X-Camera-ID": "gate-1", "X-Camera-Key": secret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, ingest.OutcomeAccepted, result.Outcome)
	assert.Equal(t, types.StateEntered, result.State)

	// the same read inside the cooldown is suppressed
	rec = post(t, m.Handler(), "/api/v1/detections",
		map[string]interface{}{"plate_text": "AB12CD", "confidence": 0.97},
		map[string]string{"X-Camera-ID": "gate-1", "X-Camera-Key": secret})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, ingest.OutcomeRejected, result.Outcome)

	token, err := m.Tokens().Issue("admin-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/entries/open", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	m.Handler().ServeHTTP(listRec, req)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "AB12CD")
}

func TestManager_OfflineAlertFanOut(t *testing.T) {
	ctx := context.Background()
	ns := runNATSServer(t)

	cfg := testConfig(t)
	cfg.NATS.URL = ns.ClientURL()
	cfg.AlertFile = filepath.Join(t.TempDir(), "alerts.jsonl")

	subscriber, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer subscriber.Close()
	sub, err := subscriber.SubscribeSync("gate.alerts.>")
	require.NoError(t, err)
	require.NoError(t, subscriber.Flush())

	clk := clock.NewFake(t0)
	m := newTestManager(t, cfg, clk)
	defer m.Close()

	_, secret, err := m.Registry().Register(ctx, registry.Registration{ID: "gate-1", Direction: types.DirectionEntry})
	require.NoError(t, err)

	rec := post(t, m.Handler(), "/api/v1/cameras/gate-1/heartbeat", nil, map[string]string{"X-Camera-Key": secret})
	require.Equal(t, http.StatusNoContent, rec.Code)

	clk.Advance(cfg.Monitor.OfflineThreshold + time.Minute)
	marked, err := m.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gate.alerts."+string(types.AlertCameraOffline), msg.Subject)

	var event alerts.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, types.AlertCameraOffline, event.Kind)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.AlertFile)
		return err == nil && strings.Contains(string(data), string(types.AlertCameraOffline))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_StartAndStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	cfg := testConfig(t)
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = port

	m := newTestManager(t, cfg, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	assert.True(t, m.IsRunning())
	stats := m.GetStats()
	assert.Equal(t, "test", stats["version"])
	assert.Equal(t, []string{"web"}, stats["channels"])
	assert.Error(t, m.Start(ctx), "second start must be refused")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.False(t, m.IsRunning())
	assert.Zero(t, m.GetUptime())
}

func TestNewManager_UnreachableNATS(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.URL = "nats://127.0.0.1:1"

	_, err := NewManager(cfg, WithLogger(logging.NewNullLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NATS")
}

func TestNewManager_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Channels = []string{"sms"}
	cfg.Approval.Providers = map[string]config.ProviderConfig{"sms": {Type: "carrier-pigeon"}}

	_, err := NewManager(cfg, WithLogger(logging.NewNullLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}
