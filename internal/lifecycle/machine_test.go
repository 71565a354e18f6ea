package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/types"
)

var (
	t0        = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	entryCam  = types.Camera{ID: "cam-in", Direction: types.DirectionEntry}
	exitCam   = types.Camera{ID: "cam-out", Direction: types.DirectionExit}
	errNoDisk = errors.New("disk I/O error")
)

// fakeApprovals records what the machine asks of the coordinator
type fakeApprovals struct {
	mu        sync.Mutex
	prepared  []string
	launched  []string
	cancelled []string
}

func (f *fakeApprovals) Prepare(ctx context.Context, tx database.Tx, entry *types.VehicleEntry, channels []string) ([]types.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, entry.ID)
	return []types.Approval{{ID: uuid.NewString(), EntryID: entry.ID, Channel: types.ChannelWeb, Status: types.ApprovalPending}}, nil
}

func (f *fakeApprovals) Launch(entry types.VehicleEntry, approvals []types.Approval) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, entry.ID)
}

func (f *fakeApprovals) Cancel(entryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, entryID)
}

// storeAlerter opens alerts through the transaction and keeps what was published
type storeAlerter struct {
	clock     clock.Clock
	mu        sync.Mutex
	published []types.Alert
}

func (a *storeAlerter) RaiseTx(ctx context.Context, tx database.Tx, alert types.Alert) (*types.Alert, error) {
	alert.ID = uuid.NewString()
	alert.CreatedAt = a.clock.Now()
	ok, err := tx.OpenAlert(ctx, &alert)
	if err != nil || !ok {
		return nil, err
	}
	return &alert, nil
}

func (a *storeAlerter) Publish(ctx context.Context, alert types.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.published = append(a.published, alert)
}

// failingAuditStore runs transactions whose audit writes always fail
type failingAuditStore struct {
	*database.DB
}

type failingAuditTx struct {
	database.Tx
}

func (failingAuditTx) AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error {
	return errNoDisk
}

func (s failingAuditStore) InTx(ctx context.Context, fn func(database.Tx) error) error {
	return s.DB.InTx(ctx, func(tx database.Tx) error {
		return fn(failingAuditTx{tx})
	})
}

// staleReadStore hides open entries from the first transaction, the way a
// concurrent writer on another node can open a visit between read and insert
type staleReadStore struct {
	*database.DB
	stale *int32
}

type staleReadTx struct {
	database.Tx
}

func (staleReadTx) GetOpenEntryByPlate(ctx context.Context, plate string) (*types.VehicleEntry, error) {
	return nil, types.ErrNotFound
}

func (s staleReadStore) InTx(ctx context.Context, fn func(database.Tx) error) error {
	return s.DB.InTx(ctx, func(tx database.Tx) error {
		if atomic.AddInt32(s.stale, -1) >= 0 {
			return fn(staleReadTx{tx})
		}
		return fn(tx)
	})
}

type harness struct {
	db        *database.DB
	clock     *clock.Fake
	audit     *audit.Writer
	approvals *fakeApprovals
	alerts    *storeAlerter
	machine   *Machine
}

func setupMachine(t *testing.T, policy PolicyConfig) *harness {
	t.Helper()

	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "lifecycle.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(t0)
	h := &harness{
		db:        db,
		clock:     clk,
		audit:     audit.NewWriter(db, clk, nil),
		approvals: &fakeApprovals{},
		alerts:    &storeAlerter{clock: clk},
	}
	h.machine = NewMachine(db, h.audit, NewPolicy(policy), clk, nil,
		WithApprovals(h.approvals),
		WithAlerter(h.alerts),
	)
	return h
}

func (h *harness) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := h.db.ListAudit(context.Background(), database.AuditFilter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func read(plate string) types.Detection {
	return types.Detection{PlateText: plate, Confidence: 0.95}
}

func TestHandleDetection_EntryThenExit(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	in, err := h.machine.HandleDetection(ctx, entryCam, read("ab 12 cd"))
	require.NoError(t, err)
	assert.True(t, in.Created)
	assert.Equal(t, types.StateEntered, in.Entry.State)
	assert.Equal(t, "AB12CD", in.Entry.Plate)
	assert.Equal(t, types.SourceCCTV, in.Entry.Source)

	h.clock.Advance(30 * time.Minute)

	out, err := h.machine.HandleDetection(ctx, exitCam, read("AB12CD"))
	require.NoError(t, err)
	assert.Equal(t, in.Entry.ID, out.Entry.ID)
	assert.Equal(t, types.StateEntered, out.From)
	assert.Equal(t, types.StateExited, out.Entry.State)
	require.NotNil(t, out.Entry.ExitTime)
	assert.True(t, out.Entry.ExitTime.Equal(t0.Add(30*time.Minute)))

	stored, err := h.machine.Get(ctx, in.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExited, stored.State)

	// a terminal entry never blocks a new visit
	again, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, in.Entry.ID, again.Entry.ID)

	assert.Equal(t, 2, h.auditCount(t, types.ActionEntryCreated))
	assert.Equal(t, 1, h.auditCount(t, types.ActionEntryTransition))
	assert.Equal(t, 0, h.auditCount(t, types.ActionEntryExitAnomaly))
}

func TestHandleDetection_DuplicateOpenEntry(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	first, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)

	dup, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	assert.ErrorIs(t, err, types.ErrDuplicateSuppressed)
	assert.False(t, dup.Created)
	assert.Equal(t, first.Entry.ID, dup.Entry.ID)
	assert.Equal(t, types.StateEntered, dup.Entry.State)

	assert.Equal(t, 1, h.auditCount(t, types.ActionDetectionDuplicateEntry))
}

func TestHandleDetection_LostOpenRaceIsAudited(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	first, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)

	stale := int32(1)
	racing := NewMachine(staleReadStore{DB: h.db, stale: &stale}, h.audit, NewPolicy(PolicyConfig{}), h.clock, nil)

	dup, err := racing.HandleDetection(ctx, entryCam, read("AB12CD"))
	assert.ErrorIs(t, err, types.ErrDuplicateSuppressed)
	assert.False(t, dup.Created)
	assert.Equal(t, first.Entry.ID, dup.Entry.ID)

	entries, err := h.db.ListAudit(ctx, database.AuditFilter{Action: types.ActionDetectionDuplicateEntry})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Entry.ID, entries[0].EntityID)
	assert.Equal(t, entryCam.ID, entries[0].Actor)

	n, err := h.db.CountOpenEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleDetection_ExitWithoutEntry(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	_, err := h.machine.HandleDetection(ctx, exitCam, read("AB12CD"))
	assert.ErrorIs(t, err, types.ErrConflictingState)

	open, err := h.machine.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 1, h.auditCount(t, types.ActionDetectionExitWithoutOpen))
}

func TestHandleDetection_UnregisteredRequiresApproval(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	out, err := h.machine.HandleDetection(ctx, entryCam, read("ZZ99ZZ"))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, TriggerRequireApproval, out.Trigger)
	assert.Equal(t, types.StateAwaitingApproval, out.Entry.State)
	assert.Equal(t, ReasonUnregistered, out.Entry.ApprovalReason)
	assert.Len(t, out.Approvals, 1)

	assert.Equal(t, []string{out.Entry.ID}, h.approvals.prepared)
	assert.Equal(t, []string{out.Entry.ID}, h.approvals.launched)

	stored, err := h.db.GetEntry(ctx, out.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingApproval, stored.State)
}

func TestHandleDetection_RegisteredVehicleSkipsApproval(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	require.NoError(t, h.db.UpsertVehicle(ctx, &types.Vehicle{
		ID: "veh-1", Plate: "AB12CD", Registered: true, CreatedAt: t0,
	}))

	out, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)
	assert.Equal(t, types.StateEntered, out.Entry.State)
	assert.Equal(t, "veh-1", out.Entry.VehicleID)
	assert.Empty(t, h.approvals.prepared)
}

func TestHandleDetection_ExitAnomaly(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	in, err := h.machine.HandleDetection(ctx, entryCam, read("ZZ99ZZ"))
	require.NoError(t, err)
	require.Equal(t, types.StateAwaitingApproval, in.Entry.State)

	out, err := h.machine.HandleDetection(ctx, exitCam, read("ZZ99ZZ"))
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingApproval, out.From)
	assert.Equal(t, types.StateExited, out.Entry.State)

	assert.Equal(t, 1, h.auditCount(t, types.ActionEntryExitAnomaly))
	assert.Equal(t, []string{in.Entry.ID}, h.approvals.cancelled)

	require.Len(t, h.alerts.published, 1)
	assert.Equal(t, types.AlertExitAnomaly, h.alerts.published[0].Kind)
	assert.Equal(t, in.Entry.ID, h.alerts.published[0].EntryID)

	open, err := h.db.ListAlerts(ctx, database.AlertFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestHandleDetection_ConcurrentSamePlateOpensOneEntry(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	// a second machine shares the store but not the in-process lock, so the
	// store constraint is exercised as well
	other := NewMachine(h.db, h.audit, NewPolicy(PolicyConfig{}), h.clock, nil)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
		others  []error
	)
	for i := 0; i < workers; i++ {
		m := h.machine
		if i%2 == 1 {
			m = other
		}
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			out, err := m.HandleDetection(ctx, entryCam, read("AB12CD"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out.Created:
				created++
			case errors.Is(err, types.ErrDuplicateSuppressed):
				dups++
			default:
				others = append(others, err)
			}
		}(m)
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, dups)

	n, err := h.db.CountOpenEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleDetection_AuditFailureRollsBack(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	broken := NewMachine(failingAuditStore{h.db}, h.audit, NewPolicy(PolicyConfig{}), h.clock, nil)

	_, err := broken.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistenceFailure)
	assert.True(t, types.IsRetryable(err))

	n, err := h.db.CountOpenEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the retry through a healthy store succeeds
	out, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)
	assert.True(t, out.Created)
}

func TestManualAction(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	req := func(action ManualAction) ManualRequest {
		return ManualRequest{Plate: "ab12cd", ActorID: "admin-7", Action: action, SourceIP: "10.0.0.5"}
	}

	in, err := h.machine.ManualAction(ctx, req(ManualEnter))
	require.NoError(t, err)
	assert.Equal(t, types.SourceManual, in.Entry.Source)
	assert.Equal(t, types.StateEntered, in.Entry.State, "manual entries bypass the admission policy")
	assert.Empty(t, h.approvals.prepared)

	_, err = h.machine.ManualAction(ctx, req(ManualEnter))
	assert.ErrorIs(t, err, types.ErrConflictingState)

	_, err = h.machine.ManualAction(ctx, req(ManualApprove))
	assert.ErrorIs(t, err, types.ErrConflictingState)
	assert.Equal(t, 2, h.auditCount(t, types.ActionEntryTransitionRejected))

	flagged, err := h.machine.ManualAction(ctx, req(ManualFlag))
	require.NoError(t, err)
	assert.Equal(t, types.StateFlagged, flagged.Entry.State)

	approved, err := h.machine.ManualAction(ctx, req(ManualApprove))
	require.NoError(t, err)
	assert.Equal(t, types.StateFlagged, approved.From)
	assert.Equal(t, types.StateApproved, approved.Entry.State)

	exited, err := h.machine.ManualAction(ctx, req(ManualExit))
	require.NoError(t, err)
	assert.Equal(t, types.StateExited, exited.Entry.State)

	_, err = h.machine.ManualAction(ctx, req(ManualExit))
	assert.ErrorIs(t, err, types.ErrConflictingState)

	transitions, err := h.db.ListAudit(ctx, database.AuditFilter{Action: types.ActionEntryTransition})
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	for _, e := range transitions {
		assert.Equal(t, "admin-7", e.Actor)
		assert.Equal(t, "10.0.0.5", e.SourceIP)
	}
}

func TestManualAction_CancelsPendingApproval(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	in, err := h.machine.HandleDetection(ctx, entryCam, read("ZZ99ZZ"))
	require.NoError(t, err)

	denied, err := h.machine.ManualAction(ctx, ManualRequest{Plate: "ZZ99ZZ", ActorID: "admin-1", Action: ManualDeny})
	require.NoError(t, err)
	assert.Equal(t, types.StateDenied, denied.Entry.State)
	assert.Equal(t, []string{in.Entry.ID}, h.approvals.cancelled)
}

func TestManualAction_Validation(t *testing.T) {
	h := setupMachine(t, PolicyConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  ManualRequest
	}{
		{"empty plate", ManualRequest{Plate: " - ", ActorID: "admin-1", Action: ManualEnter}},
		{"missing actor", ManualRequest{Plate: "AB12CD", Action: ManualEnter}},
		{"unknown action", ManualRequest{Plate: "AB12CD", ActorID: "admin-1", Action: "teleport"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.machine.ManualAction(ctx, tt.req)
			assert.ErrorIs(t, err, types.ErrValidationRejected)
		})
	}
}

func TestEscalateOverdue(t *testing.T) {
	h := setupMachine(t, PolicyConfig{MaxVisitDuration: time.Hour})
	ctx := context.Background()

	stale, err := h.machine.HandleDetection(ctx, entryCam, read("AB12CD"))
	require.NoError(t, err)

	h.clock.Advance(90 * time.Minute)
	_, err = h.machine.HandleDetection(ctx, entryCam, read("XY34ZZ"))
	require.NoError(t, err)

	raised, err := h.machine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)

	raised, err = h.machine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, raised, "an open overdue alert is not raised twice")

	require.Len(t, h.alerts.published, 1)
	assert.Equal(t, types.AlertOverdueVisit, h.alerts.published[0].Kind)
	assert.Equal(t, stale.Entry.ID, h.alerts.published[0].EntryID)
	assert.Equal(t, 1, h.auditCount(t, types.ActionEntryOverdue))
}

func TestObserverSeesCommittedTransitions(t *testing.T) {
	h := setupMachine(t, PolicyConfig{RequireApprovalUnregistered: true})
	ctx := context.Background()

	var events []types.TransitionEvent
	m := NewMachine(h.db, h.audit, NewPolicy(PolicyConfig{RequireApprovalUnregistered: true}), h.clock, nil,
		WithObserver(ObserverFunc(func(e types.TransitionEvent) { events = append(events, e) })),
	)

	_, err := m.HandleDetection(ctx, entryCam, read("ZZ99ZZ"))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, types.LifecycleState(""), events[0].From)
	assert.Equal(t, types.StateEntered, events[0].To)
	assert.Equal(t, "cam-in", events[0].Actor)
	assert.Equal(t, types.StateEntered, events[1].From)
	assert.Equal(t, types.StateAwaitingApproval, events[1].To)
	assert.Equal(t, types.ActorSystem, events[1].Actor)
}
