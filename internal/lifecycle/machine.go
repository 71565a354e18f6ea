package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/filter"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// Store is the part of the database the machine needs
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	GetEntry(ctx context.Context, id string) (*types.VehicleEntry, error)
	ListOpenEntries(ctx context.Context) ([]types.VehicleEntry, error)
	ListOpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]types.VehicleEntry, error)
}

// Approvals creates approval requests for entries moving to AWAITING_APPROVAL
type Approvals interface {
	// Prepare stores approvals inside the transaction that moves the entry
	Prepare(ctx context.Context, tx database.Tx, entry *types.VehicleEntry, channels []string) ([]types.Approval, error)
	// Launch dispatches prepared approvals and arms the expiry timer once
	// the transaction has committed
	Launch(entry types.VehicleEntry, approvals []types.Approval)
	// Cancel disarms the expiry timer of an entry that left AWAITING_APPROVAL
	Cancel(entryID string)
}

// Alerter opens alerts inside a transaction and publishes them after commit
type Alerter interface {
	// RaiseTx returns nil when an open alert of the same kind already
	// exists for the subject
	RaiseTx(ctx context.Context, tx database.Tx, alert types.Alert) (*types.Alert, error)
	Publish(ctx context.Context, alert types.Alert)
}

// Observer is notified of committed transitions
type Observer interface {
	OnTransition(event types.TransitionEvent)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(types.TransitionEvent)

func (f ObserverFunc) OnTransition(event types.TransitionEvent) { f(event) }

// Observers fans an event out to several observers
type Observers []Observer

func (o Observers) OnTransition(event types.TransitionEvent) {
	for _, observer := range o {
		observer.OnTransition(event)
	}
}

// Outcome is the result of a detection or manual action
type Outcome struct {
	Entry     types.VehicleEntry
	Created   bool
	From      types.LifecycleState
	Trigger   Trigger
	Approvals []types.Approval
}

// ManualAction is an admin override
type ManualAction string

const (
	ManualEnter   ManualAction = "enter"
	ManualExit    ManualAction = "exit"
	ManualApprove ManualAction = "approve"
	ManualDeny    ManualAction = "deny"
	ManualFlag    ManualAction = "flag"
)

var manualTriggers = map[ManualAction]Trigger{
	ManualExit:    TriggerManualExit,
	ManualApprove: TriggerManualApprove,
	ManualDeny:    TriggerManualDeny,
	ManualFlag:    TriggerManualFlag,
}

// IsValidManualAction checks if the provided action is known
func IsValidManualAction(a ManualAction) bool {
	_, ok := manualTriggers[a]
	return ok || a == ManualEnter
}

// ManualRequest is an admin override for the open visit of a plate
type ManualRequest struct {
	Plate    string
	ActorID  string
	Action   ManualAction
	Note     string
	SourceIP string
}

// Machine applies detections and admin actions to vehicle entries
type Machine struct {
	store     Store
	audit     *audit.Writer
	policy    *Policy
	clock     clock.Clock
	locks     *KeyedLock
	approvals Approvals
	alerts    Alerter
	observer  Observer
	logger    *logrus.Entry
}

// Option configures a Machine
type Option func(*Machine)

// WithApprovals sets the approval coordinator
func WithApprovals(approvals Approvals) Option {
	return func(m *Machine) {
		m.approvals = approvals
	}
}

// WithAlerter sets where anomaly and overdue alerts go
func WithAlerter(alerter Alerter) Option {
	return func(m *Machine) {
		m.alerts = alerter
	}
}

// WithObserver sets the transition observer
func WithObserver(observer Observer) Option {
	return func(m *Machine) {
		m.observer = observer
	}
}

// WithLocks shares the per-plate lock with other components
func WithLocks(locks *KeyedLock) Option {
	return func(m *Machine) {
		m.locks = locks
	}
}

// NewMachine creates a lifecycle state machine
func NewMachine(store Store, auditWriter *audit.Writer, policy *Policy, clk clock.Clock, logger *logrus.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if policy == nil {
		policy = NewPolicy(PolicyConfig{})
	}
	m := &Machine{
		store:  store,
		audit:  auditWriter,
		policy: policy,
		clock:  clk,
		locks:  NewKeyedLock(),
		logger: logging.NewServiceLogger(logger, "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// effects are applied after the transaction commits
type effects struct {
	events  []types.TransitionEvent
	alerts  []types.Alert
	launch  *types.VehicleEntry
	pending []types.Approval
	cancel  []string
}

// HandleDetection applies an accepted detection from camera. A detection
// for a plate that is already inside returns ErrDuplicateSuppressed with
// the open entry; an exit detection with nothing open returns
// ErrConflictingState. Both are audited.
func (m *Machine) HandleDetection(ctx context.Context, camera types.Camera, d types.Detection) (Outcome, error) {
	plate := filter.NormalizePlate(d.PlateText)
	if plate == "" {
		return Outcome{}, fmt.Errorf("plate is empty: %w", types.ErrValidationRejected)
	}

	unlock := m.locks.Lock(plate)
	defer unlock()

	now := m.clock.Now().UTC()
	seenAt := d.CapturedAt
	if seenAt.IsZero() {
		seenAt = now
	}

	var (
		out    Outcome
		fx     effects
		result error
	)
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		out, fx, result = Outcome{}, effects{}, nil

		open, err := openEntry(ctx, tx, plate)
		if err != nil {
			return err
		}

		switch {
		case open == nil && camera.Direction == types.DirectionExit:
			result = fmt.Errorf("no open entry for plate %s: %w", plate, types.ErrConflictingState)
			return m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
				Actor:      camera.ID,
				Action:     types.ActionDetectionExitWithoutOpen,
				EntityType: types.EntityDetection,
				EntityID:   plate,
				SourceIP:   d.SourceIP,
				Detail: map[string]interface{}{
					"plate":     plate,
					"camera_id": camera.ID,
				},
			})

		case open == nil:
			out, err = m.openVisit(ctx, tx, visit{
				plate:    plate,
				cameraID: camera.ID,
				source:   types.SourceCCTV,
				trigger:  TriggerEntryDetection,
				at:       seenAt,
				imageRef: d.ImageRef,
				actor:    camera.ID,
				sourceIP: d.SourceIP,
			}, now, &fx)
			return err

		case camera.Direction == types.DirectionExit:
			out, err = m.closeVisit(ctx, tx, open, camera, d.SourceIP, now, &fx)
			return err

		default:
			out = Outcome{Entry: *open}
			result = fmt.Errorf("plate %s already inside in state %s: %w", plate, open.State, types.ErrDuplicateSuppressed)
			return m.recordDuplicate(ctx, tx, camera.ID, plate, open, d.SourceIP)
		}
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			return m.lostOpenRace(ctx, camera.ID, plate, d.SourceIP)
		}
		return Outcome{}, err
	}

	m.apply(ctx, fx)
	return out, result
}

// lostOpenRace handles an entry insert refused by the open-entry index
// because another writer opened a visit for the plate first
func (m *Machine) lostOpenRace(ctx context.Context, cameraID, plate, sourceIP string) (Outcome, error) {
	var out Outcome
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		open, err := openEntry(ctx, tx, plate)
		if err != nil {
			return err
		}
		if open != nil {
			out = Outcome{Entry: *open}
		}
		return m.recordDuplicate(ctx, tx, cameraID, plate, open, sourceIP)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, fmt.Errorf("plate %s already has an open entry: %w", plate, types.ErrDuplicateSuppressed)
}

// recordDuplicate audits a detection for a plate that is already inside.
// open may be nil when the competing visit closed before it could be read.
func (m *Machine) recordDuplicate(ctx context.Context, tx database.Tx, cameraID, plate string, open *types.VehicleEntry, sourceIP string) error {
	entry := types.AuditLogEntry{
		Actor:      cameraID,
		Action:     types.ActionDetectionDuplicateEntry,
		EntityType: types.EntityDetection,
		EntityID:   plate,
		SourceIP:   sourceIP,
		Detail:     map[string]interface{}{"plate": plate},
	}
	if open != nil {
		entry.EntityType = types.EntityEntry
		entry.EntityID = open.ID
		entry.Detail["state"] = open.State
	}
	return m.audit.RecordTx(ctx, tx, entry)
}

// ManualAction applies an admin override. It bypasses the detection filter
// and the admission policy; every transition is audited with the admin id.
func (m *Machine) ManualAction(ctx context.Context, req ManualRequest) (Outcome, error) {
	plate := filter.NormalizePlate(req.Plate)
	if plate == "" {
		return Outcome{}, fmt.Errorf("plate is empty: %w", types.ErrValidationRejected)
	}
	if req.ActorID == "" {
		return Outcome{}, fmt.Errorf("actor id is required: %w", types.ErrValidationRejected)
	}
	if !IsValidManualAction(req.Action) {
		return Outcome{}, fmt.Errorf("unknown action %q: %w", req.Action, types.ErrValidationRejected)
	}

	unlock := m.locks.Lock(plate)
	defer unlock()

	now := m.clock.Now().UTC()

	var (
		out Outcome
		fx  effects
	)
	err := m.store.InTx(ctx, func(tx database.Tx) error {
		out, fx = Outcome{}, effects{}

		open, err := openEntry(ctx, tx, plate)
		if err != nil {
			return err
		}

		if req.Action == ManualEnter {
			if open != nil {
				return &types.ConflictError{From: open.State, Trigger: string(TriggerManualEnter)}
			}
			out, err = m.openVisit(ctx, tx, visit{
				plate:    plate,
				source:   types.SourceManual,
				trigger:  TriggerManualEnter,
				at:       now,
				actor:    req.ActorID,
				sourceIP: req.SourceIP,
				note:     req.Note,
				manual:   true,
			}, now, &fx)
			return err
		}

		trigger := manualTriggers[req.Action]
		if open == nil {
			return fmt.Errorf("no open entry for plate %s: %w", plate, types.ErrConflictingState)
		}

		from := open.State
		detail := map[string]interface{}{"manual": true}
		if req.Note != "" {
			detail["note"] = req.Note
		}
		if err := m.transition(ctx, tx, open, trigger, req.ActorID, req.SourceIP, now, detail, &fx); err != nil {
			return err
		}
		if from == types.StateAwaitingApproval {
			fx.cancel = append(fx.cancel, open.ID)
		}
		out = Outcome{Entry: *open, From: from, Trigger: trigger}
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			err = fmt.Errorf("plate %s already has an open entry: %w", plate, types.ErrConflictingState)
		}
		if errors.Is(err, types.ErrConflictingState) {
			if auditErr := m.audit.Record(ctx, types.AuditLogEntry{
				Actor:      req.ActorID,
				Action:     types.ActionEntryTransitionRejected,
				EntityType: types.EntityEntry,
				EntityID:   plate,
				SourceIP:   req.SourceIP,
				Detail: map[string]interface{}{
					"action": req.Action,
					"reason": err.Error(),
				},
			}); auditErr != nil {
				return Outcome{}, auditErr
			}
		}
		return Outcome{}, err
	}

	m.apply(ctx, fx)
	return out, nil
}

// EscalateOverdue raises one overdue_visit alert for every open entry that
// has been on site longer than the configured maximum. It returns how many
// new alerts were raised.
func (m *Machine) EscalateOverdue(ctx context.Context) (int, error) {
	maxVisit := m.policy.config.MaxVisitDuration
	if maxVisit <= 0 || m.alerts == nil {
		return 0, nil
	}

	now := m.clock.Now().UTC()
	entries, err := m.store.ListOpenEntriesBefore(ctx, now.Add(-maxVisit))
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, entry := range entries {
		entry := entry
		var alert *types.Alert
		err := m.store.InTx(ctx, func(tx database.Tx) error {
			var err error
			alert, err = m.alerts.RaiseTx(ctx, tx, types.Alert{
				Kind:    types.AlertOverdueVisit,
				EntryID: entry.ID,
				Message: fmt.Sprintf("plate %s on site since %s", entry.Plate, entry.EntryTime.Format(time.RFC3339)),
			})
			if err != nil || alert == nil {
				return err
			}
			return m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
				Action:     types.ActionEntryOverdue,
				EntityType: types.EntityEntry,
				EntityID:   entry.ID,
				Detail: map[string]interface{}{
					"plate":      entry.Plate,
					"state":      entry.State,
					"entry_time": entry.EntryTime,
				},
			})
		})
		if err != nil {
			return raised, err
		}
		if alert != nil {
			raised++
			m.alerts.Publish(ctx, *alert)
		}
	}

	if raised > 0 {
		m.logger.WithField("count", raised).Warn("Raised overdue visit alerts")
	}
	return raised, nil
}

// Get returns one entry
func (m *Machine) Get(ctx context.Context, id string) (*types.VehicleEntry, error) {
	return m.store.GetEntry(ctx, id)
}

// ListOpen returns every vehicle currently on site
func (m *Machine) ListOpen(ctx context.Context) ([]types.VehicleEntry, error) {
	return m.store.ListOpenEntries(ctx)
}

type visit struct {
	plate    string
	cameraID string
	source   types.EntrySource
	trigger  Trigger
	at       time.Time
	imageRef string
	actor    string
	sourceIP string
	note     string
	manual   bool
}

// openVisit creates an entry and, when policy says so, moves it straight to
// AWAITING_APPROVAL with its approvals prepared in the same transaction
func (m *Machine) openVisit(ctx context.Context, tx database.Tx, v visit, now time.Time, fx *effects) (Outcome, error) {
	admission, err := m.policy.Admit(ctx, tx, v.plate)
	if err != nil {
		return Outcome{}, err
	}
	if v.manual {
		admission.Reason = ""
	}

	entry := &types.VehicleEntry{
		ID:             uuid.NewString(),
		Plate:          v.plate,
		VehicleID:      admission.VehicleID,
		CameraID:       v.cameraID,
		EntryTime:      v.at.UTC(),
		State:          types.StateEntered,
		Source:         v.source,
		ImageRef:       v.imageRef,
		ApprovalReason: admission.Reason,
		UpdatedAt:      now,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return Outcome{}, err
	}

	detail := map[string]interface{}{
		"plate":  entry.Plate,
		"source": entry.Source,
	}
	if entry.CameraID != "" {
		detail["camera_id"] = entry.CameraID
	}
	if v.note != "" {
		detail["note"] = v.note
	}
	if err := m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
		Actor:      v.actor,
		Action:     types.ActionEntryCreated,
		EntityType: types.EntityEntry,
		EntityID:   entry.ID,
		SourceIP:   v.sourceIP,
		Detail:     detail,
	}); err != nil {
		return Outcome{}, err
	}
	fx.events = append(fx.events, types.TransitionEvent{
		EntryID: entry.ID,
		Plate:   entry.Plate,
		To:      entry.State,
		Trigger: string(v.trigger),
		Actor:   v.actor,
		At:      now,
	})

	out := Outcome{Created: true, Trigger: v.trigger}

	if admission.RequiresApproval() {
		if err := m.transition(ctx, tx, entry, TriggerRequireApproval, types.ActorSystem, v.sourceIP, now,
			map[string]interface{}{"reason": admission.Reason}, fx); err != nil {
			return Outcome{}, err
		}
		out.Trigger = TriggerRequireApproval

		if m.approvals != nil {
			approvals, err := m.approvals.Prepare(ctx, tx, entry, nil)
			if err != nil {
				return Outcome{}, err
			}
			out.Approvals = approvals
			launched := *entry
			fx.launch = &launched
			fx.pending = approvals
		}
	}

	out.Entry = *entry
	return out, nil
}

// closeVisit applies an exit detection to the open entry
func (m *Machine) closeVisit(ctx context.Context, tx database.Tx, open *types.VehicleEntry, camera types.Camera, sourceIP string, now time.Time, fx *effects) (Outcome, error) {
	from := open.State
	if err := m.transition(ctx, tx, open, TriggerExitDetection, camera.ID, sourceIP, now,
		map[string]interface{}{"camera_id": camera.ID}, fx); err != nil {
		return Outcome{}, err
	}

	if IsAnomalousExit(from) {
		if err := m.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Actor:      camera.ID,
			Action:     types.ActionEntryExitAnomaly,
			EntityType: types.EntityEntry,
			EntityID:   open.ID,
			SourceIP:   sourceIP,
			Detail: map[string]interface{}{
				"plate": open.Plate,
				"from":  from,
			},
		}); err != nil {
			return Outcome{}, err
		}

		if m.alerts != nil {
			alert, err := m.alerts.RaiseTx(ctx, tx, types.Alert{
				Kind:    types.AlertExitAnomaly,
				EntryID: open.ID,
				Message: fmt.Sprintf("plate %s exited at %s while %s", open.Plate, camera.ID, from),
			})
			if err != nil {
				return Outcome{}, err
			}
			if alert != nil {
				fx.alerts = append(fx.alerts, *alert)
			}
		}
	}

	if from == types.StateAwaitingApproval {
		fx.cancel = append(fx.cancel, open.ID)
	}

	return Outcome{Entry: *open, From: from, Trigger: TriggerExitDetection}, nil
}

// transition applies trigger to entry as a compare-and-set and audits it in
// the same transaction. entry is updated in place on success.
func (m *Machine) transition(ctx context.Context, tx database.Tx, entry *types.VehicleEntry, trigger Trigger, actor, sourceIP string, now time.Time, detail map[string]interface{}, fx *effects) error {
	event, err := Apply(ctx, tx, m.audit, entry, trigger, actor, sourceIP, now, detail)
	if err != nil {
		return err
	}
	fx.events = append(fx.events, event)
	return nil
}

// Apply moves entry by trigger inside tx and records the audit row for it.
// A lost compare-and-set is reported as a conflict.
func Apply(ctx context.Context, tx database.Tx, auditWriter *audit.Writer, entry *types.VehicleEntry, trigger Trigger, actor, sourceIP string, now time.Time, detail map[string]interface{}) (types.TransitionEvent, error) {
	from := entry.State
	to, err := Next(from, trigger)
	if err != nil {
		return types.TransitionEvent{}, err
	}

	ok, err := tx.TransitionEntry(ctx, entry.ID, Sources(trigger), to, now)
	if err != nil {
		return types.TransitionEvent{}, err
	}
	if !ok {
		return types.TransitionEvent{}, &types.ConflictError{From: from, Trigger: string(trigger)}
	}

	if detail == nil {
		detail = make(map[string]interface{}, 3)
	}
	detail["from"] = from
	detail["to"] = to
	detail["trigger"] = trigger

	if err := auditWriter.RecordTx(ctx, tx, types.AuditLogEntry{
		Actor:      actor,
		Action:     types.ActionEntryTransition,
		EntityType: types.EntityEntry,
		EntityID:   entry.ID,
		SourceIP:   sourceIP,
		Detail:     detail,
	}); err != nil {
		return types.TransitionEvent{}, err
	}

	entry.State = to
	entry.UpdatedAt = now
	if to == types.StateExited {
		exitTime := now
		entry.ExitTime = &exitTime
	}

	if actor == "" {
		actor = types.ActorSystem
	}
	return types.TransitionEvent{
		EntryID: entry.ID,
		Plate:   entry.Plate,
		From:    from,
		To:      to,
		Trigger: string(trigger),
		Actor:   actor,
		At:      now,
	}, nil
}

// apply runs the side effects of a committed transaction
func (m *Machine) apply(ctx context.Context, fx effects) {
	ctx = context.WithoutCancel(ctx)

	if m.approvals != nil {
		for _, entryID := range fx.cancel {
			m.approvals.Cancel(entryID)
		}
		if fx.launch != nil {
			m.approvals.Launch(*fx.launch, fx.pending)
		}
	}

	if m.alerts != nil {
		for _, alert := range fx.alerts {
			m.alerts.Publish(ctx, alert)
		}
	}

	for _, event := range fx.events {
		m.logger.WithFields(logrus.Fields{
			"entry_id": event.EntryID,
			"plate":    event.Plate,
			"from":     event.From,
			"to":       event.To,
			"trigger":  event.Trigger,
		}).Info("Entry transitioned")

		if m.observer != nil {
			m.observer.OnTransition(event)
		}
	}
}

// openEntry returns the non-terminal entry for plate or nil
func openEntry(ctx context.Context, q database.Tx, plate string) (*types.VehicleEntry, error) {
	entry, err := q.GetOpenEntryByPlate(ctx, plate)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}
