// Package approval sends approval requests for held vehicle entries and
// correlates provider callbacks back to them.
//
// Every approval carries a single-use correlation token. The first answer
// for a token wins through a compare-and-set on its PENDING status, and the
// first answer for an entry wins through a compare-and-set on the entry's
// AWAITING_APPROVAL state. Entries nobody answers for are flagged by a
// per-entry expiry timer.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/database"
	"gate-event-core/internal/lifecycle"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/metrics"
	"gate-event-core/internal/types"
)

// Sender hands a dispatch request to one channel's provider. It must not
// wait for the human answer.
type Sender interface {
	Send(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error)
}

// Store is the part of the database the coordinator needs
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	GetEntry(ctx context.Context, id string) (*types.VehicleEntry, error)
	GetApprovalByToken(ctx context.Context, token string) (*types.Approval, error)
	ListPendingApprovals(ctx context.Context) ([]types.Approval, error)
	ListEntriesWithOverdueApprovals(ctx context.Context, now time.Time) ([]string, error)
}

// Config holds coordinator settings
type Config struct {
	Channels        []string
	Timeout         time.Duration
	DispatchTimeout time.Duration
}

// DefaultConfig returns the standard approval settings
func DefaultConfig() Config {
	return Config{
		Channels:        []string{types.ChannelWeb},
		Timeout:         10 * time.Minute,
		DispatchTimeout: 15 * time.Second,
	}
}

// CallbackResult describes what a provider callback did
type CallbackResult struct {
	Approval  types.Approval
	Entry     *types.VehicleEntry
	Duplicate bool // the token was already answered
	Moot      bool // the token was answered but its entry had already moved on
}

// Coordinator manages outbound approval requests and their callbacks
type Coordinator struct {
	store    Store
	audit    *audit.Writer
	clock    clock.Clock
	config   Config
	senders  map[string]Sender
	alerts   lifecycle.Alerter
	observer lifecycle.Observer
	locks    *lifecycle.KeyedLock
	logger   *logrus.Entry

	mu     sync.Mutex
	timers map[string]*expiryTimer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type expiryTimer struct {
	timer    clock.Timer
	deadline time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithSender registers the sender for a channel
func WithSender(channel string, sender Sender) Option {
	return func(c *Coordinator) {
		c.senders[channel] = sender
	}
}

// WithAlerter sets where escalation alerts go
func WithAlerter(alerter lifecycle.Alerter) Option {
	return func(c *Coordinator) {
		c.alerts = alerter
	}
}

// WithObserver sets the transition observer
func WithObserver(observer lifecycle.Observer) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

// WithLocks shares the per-plate lock with the state machine
func WithLocks(locks *lifecycle.KeyedLock) Option {
	return func(c *Coordinator) {
		c.locks = locks
	}
}

// NewCoordinator creates an approval coordinator
func NewCoordinator(store Store, auditWriter *audit.Writer, clk clock.Clock, logger *logrus.Logger, config Config, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	defaults := DefaultConfig()
	if len(config.Channels) == 0 {
		config.Channels = defaults.Channels
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   store,
		audit:   auditWriter,
		clock:   clk,
		config:  config,
		senders: make(map[string]Sender),
		locks:   lifecycle.NewKeyedLock(),
		logger:  logging.NewServiceLogger(logger, "approval-coordinator"),
		timers:  make(map[string]*expiryTimer),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare stores one PENDING approval per channel for entry inside tx.
// Nil channels means the configured defaults.
func (c *Coordinator) Prepare(ctx context.Context, tx database.Tx, entry *types.VehicleEntry, channels []string) ([]types.Approval, error) {
	return c.prepare(ctx, tx, entry, channels, types.ActorSystem)
}

func (c *Coordinator) prepare(ctx context.Context, tx database.Tx, entry *types.VehicleEntry, channels []string, actor string) ([]types.Approval, error) {
	if len(channels) == 0 {
		channels = c.config.Channels
	}

	now := c.clock.Now().UTC()
	seen := make(map[string]bool, len(channels))
	approvals := make([]types.Approval, 0, len(channels))

	for _, channel := range channels {
		if channel == "" || seen[channel] {
			continue
		}
		seen[channel] = true

		approval := types.Approval{
			ID:        uuid.NewString(),
			EntryID:   entry.ID,
			Channel:   channel,
			Token:     uuid.NewString(),
			Status:    types.ApprovalPending,
			CreatedAt: now,
			ExpiresAt: now.Add(c.config.Timeout),
		}
		if err := tx.InsertApproval(ctx, &approval); err != nil {
			return nil, err
		}

		if err := c.audit.RecordTx(ctx, tx, types.AuditLogEntry{
			Actor:      actor,
			Action:     types.ActionApprovalRequested,
			EntityType: types.EntityApproval,
			EntityID:   approval.ID,
			Detail: map[string]interface{}{
				"entry_id":   entry.ID,
				"plate":      entry.Plate,
				"channel":    channel,
				"expires_at": approval.ExpiresAt,
			},
		}); err != nil {
			return nil, err
		}

		approvals = append(approvals, approval)
	}

	if len(approvals) == 0 {
		return nil, fmt.Errorf("no approval channels for entry %s", entry.ID)
	}
	return approvals, nil
}

// Launch arms the expiry timer for entry and dispatches every approval in
// the background. It never blocks on a provider.
func (c *Coordinator) Launch(entry types.VehicleEntry, approvals []types.Approval) {
	if len(approvals) == 0 {
		return
	}

	c.arm(entry.ID, earliestExpiry(approvals))
	for _, approval := range approvals {
		c.dispatch(entry, approval)
	}
}

// RequestApproval sends another round of approvals for an entry that is
// already AWAITING_APPROVAL, on behalf of actorID. Approvals from earlier
// rounds keep their own deadlines.
func (c *Coordinator) RequestApproval(ctx context.Context, entryID string, channels []string, actorID string) ([]types.Approval, error) {
	if actorID == "" {
		actorID = types.ActorSystem
	}

	entry, err := c.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(entry.Plate)
	defer unlock()

	var approvals []types.Approval
	err = c.store.InTx(ctx, func(tx database.Tx) error {
		current, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if current.State != types.StateAwaitingApproval {
			return &types.ConflictError{From: current.State, Trigger: "request_approval"}
		}
		entry = current
		approvals, err = c.prepare(ctx, tx, current, channels, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.Launch(*entry, approvals)
	return approvals, nil
}

// HandleCallback applies a provider's answer for a correlation token
func (c *Coordinator) HandleCallback(ctx context.Context, token string, decision types.Decision, sourceIP string) (CallbackResult, error) {
	if !types.IsValidDecision(decision) {
		return CallbackResult{}, fmt.Errorf("invalid decision %q: %w", decision, types.ErrValidationRejected)
	}

	approval, err := c.store.GetApprovalByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return CallbackResult{}, err
		}
		return CallbackResult{}, c.rejectUnknown(ctx, token, decision, sourceIP)
	}

	entry, err := c.store.GetEntry(ctx, approval.EntryID)
	if err != nil {
		return CallbackResult{}, err
	}

	unlock := c.locks.Lock(entry.Plate)
	defer unlock()

	now := c.clock.Now().UTC()
	if approval.Status == types.ApprovalPending && !now.Before(approval.ExpiresAt) {
		if _, err := c.expireLocked(ctx, approval.EntryID); err != nil {
			return CallbackResult{}, err
		}
	}

	var (
		result  CallbackResult
		cbErr   error
		event   *types.TransitionEvent
		outcome string
		decided bool
		actor   = "provider:" + approval.Channel
	)
	err = c.store.InTx(ctx, func(tx database.Tx) error {
		result, cbErr, event, decided = CallbackResult{}, nil, nil, false

		current, err := tx.GetApprovalByToken(ctx, token)
		if err != nil {
			return err
		}
		result.Approval = *current

		detail := map[string]interface{}{
			"entry_id": current.EntryID,
			"channel":  current.Channel,
			"decision": decision,
		}
		record := func(action string) error {
			return c.audit.RecordTx(ctx, tx, types.AuditLogEntry{
				Actor:      actor,
				Action:     action,
				EntityType: types.EntityApproval,
				EntityID:   current.ID,
				SourceIP:   sourceIP,
				Detail:     detail,
			})
		}

		switch current.Status {
		case types.ApprovalApproved, types.ApprovalDenied:
			result.Duplicate = true
			outcome = "duplicate"
			detail["status"] = current.Status
			return record(types.ActionApprovalCallbackDup)
		case types.ApprovalExpired:
			outcome = "expired"
			cbErr = fmt.Errorf("approval for entry %s: %w", current.EntryID, types.ErrExpiredApproval)
			return record(types.ActionApprovalCallbackExpired)
		}

		responded, err := tx.RespondApproval(ctx, current.ID, decision.Status(), now)
		if err != nil {
			return err
		}
		if !responded {
			return fmt.Errorf("approval %s answered concurrently: %w", current.ID, types.ErrConflictingState)
		}
		current.Status = decision.Status()
		current.RespondedAt = &now
		result.Approval = *current

		if err := record(types.ActionApprovalResponded); err != nil {
			return err
		}

		owner, err := tx.GetEntry(ctx, current.EntryID)
		if err != nil {
			return err
		}
		result.Entry = owner

		trigger := lifecycle.TriggerApprovalGranted
		if decision == types.DecisionDenied {
			trigger = lifecycle.TriggerApprovalDenied
		}

		if _, err := lifecycle.Next(owner.State, trigger); err != nil {
			result.Moot = true
			outcome = "moot"
			detail["state"] = owner.State
			return record(types.ActionApprovalCallbackMoot)
		}

		ev, err := lifecycle.Apply(ctx, tx, c.audit, owner, trigger, actor, sourceIP, now, map[string]interface{}{
			"approval_id": current.ID,
			"channel":     current.Channel,
		})
		if err != nil {
			return err
		}
		event = &ev
		decided = true
		outcome = "applied"
		return nil
	})
	if err != nil {
		return CallbackResult{}, err
	}

	metrics.ApprovalCallbacksTotal.WithLabelValues(outcome).Inc()

	if decided {
		c.Cancel(approval.EntryID)
		c.notify(*event)
	}

	c.logger.WithFields(logrus.Fields{
		"entry_id": approval.EntryID,
		"channel":  approval.Channel,
		"decision": decision,
		"outcome":  outcome,
	}).Info("Approval callback handled")

	return result, cbErr
}

// ExpireEntry expires the approvals of an entry that are past their
// deadline. A waiting entry is flagged once none of its approvals is still
// pending; otherwise the timer is re-armed for the next deadline. It reports
// whether the entry was flagged and calling it again is a no-op.
func (c *Coordinator) ExpireEntry(ctx context.Context, entryID string) (bool, error) {
	entry, err := c.store.GetEntry(ctx, entryID)
	if err != nil {
		return false, err
	}

	unlock := c.locks.Lock(entry.Plate)
	defer unlock()

	return c.expireLocked(ctx, entryID)
}

// ExpireOverdue expires every entry that owns a pending approval past its
// deadline. It returns how many entries were flagged.
func (c *Coordinator) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := c.store.ListEntriesWithOverdueApprovals(ctx, c.clock.Now().UTC())
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, id := range ids {
		ok, err := c.ExpireEntry(ctx, id)
		if err != nil {
			return flagged, err
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// Rearm arms expiry timers for every entry with pending approvals. It is
// used after a restart and returns how many entries were armed.
func (c *Coordinator) Rearm(ctx context.Context) (int, error) {
	pending, err := c.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, err
	}

	byEntry := make(map[string][]types.Approval)
	for _, approval := range pending {
		byEntry[approval.EntryID] = append(byEntry[approval.EntryID], approval)
	}

	for entryID, approvals := range byEntry {
		c.arm(entryID, earliestExpiry(approvals))
	}

	if len(byEntry) > 0 {
		c.logger.WithField("entries", len(byEntry)).Info("Re-armed approval expiry timers")
	}
	return len(byEntry), nil
}

// Cancel disarms the expiry timer of an entry. A timer that is already
// firing finds itself disarmed and does nothing.
func (c *Coordinator) Cancel(entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[entryID]; ok {
		t.timer.Stop()
		delete(c.timers, entryID)
	}
}

// ArmedTimers returns the number of entries with an armed expiry timer
func (c *Coordinator) ArmedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Channels returns the default channels
func (c *Coordinator) Channels() []string {
	out := make([]string, len(c.config.Channels))
	copy(out, c.config.Channels)
	return out
}

// Wait blocks until in-flight dispatches have finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops every timer, aborts in-flight dispatches and waits for them
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// arm schedules the expiry timer of an entry for deadline unless an earlier
// deadline is already armed
func (c *Coordinator) arm(entryID string, deadline time.Time) {
	c.schedule(entryID, deadline, false)
}

// rearm replaces the expiry timer of an entry with one for deadline
func (c *Coordinator) rearm(entryID string, deadline time.Time) {
	c.schedule(entryID, deadline, true)
}

func (c *Coordinator) schedule(entryID string, deadline time.Time, replace bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if t, ok := c.timers[entryID]; ok {
		if !replace && !deadline.Before(t.deadline) {
			return
		}
		t.timer.Stop()
	}

	d := deadline.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}

	t := &expiryTimer{deadline: deadline}
	t.timer = c.clock.AfterFunc(d, func() { c.fire(entryID, t) })
	c.timers[entryID] = t
}

// fire runs when an expiry timer elapses. It only acts if t is still the
// armed timer for the entry.
func (c *Coordinator) fire(entryID string, t *expiryTimer) {
	c.mu.Lock()
	current, ok := c.timers[entryID]
	if !ok || current != t {
		c.mu.Unlock()
		return
	}
	delete(c.timers, entryID)
	c.mu.Unlock()

	if _, err := c.ExpireEntry(c.ctx, entryID); err != nil {
		logging.LogStorageError(c.logger.WithField("entry_id", entryID), err, "expire_approvals", true)
	}
}

func (c *Coordinator) expireLocked(ctx context.Context, entryID string) (bool, error) {
	now := c.clock.Now().UTC()

	var (
		flagged  bool
		waiting  bool
		deadline time.Time
		event    types.TransitionEvent
		alert    *types.Alert
	)
	err := c.store.InTx(ctx, func(tx database.Tx) error {
		flagged, waiting, alert = false, false, nil

		expired, err := tx.ExpireDueApprovals(ctx, entryID, now)
		if err != nil {
			return err
		}
		if expired > 0 {
			if err := c.audit.RecordTx(ctx, tx, types.AuditLogEntry{
				Action:     types.ActionApprovalExpired,
				EntityType: types.EntityEntry,
				EntityID:   entryID,
				Detail:     map[string]interface{}{"expired": expired},
			}); err != nil {
				return err
			}
		}

		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.State != types.StateAwaitingApproval {
			return nil
		}

		// a channel still inside its window can answer for the entry
		deadline, waiting, err = tx.NextApprovalDeadline(ctx, entryID)
		if err != nil || waiting {
			return err
		}

		event, err = lifecycle.Apply(ctx, tx, c.audit, entry, lifecycle.TriggerApprovalExpired, types.ActorSystem, "", now,
			map[string]interface{}{"expired_approvals": expired})
		if err != nil {
			if errors.Is(err, types.ErrConflictingState) {
				return nil
			}
			return err
		}
		flagged = true

		if c.alerts != nil {
			alert, err = c.alerts.RaiseTx(ctx, tx, types.Alert{
				Kind:    types.AlertLifecycleEscalation,
				EntryID: entryID,
				Message: fmt.Sprintf("no approval received for plate %s; entry flagged for review", entry.Plate),
			})
		}
		return err
	})
	if err != nil {
		return false, err
	}

	if waiting {
		c.rearm(entryID, deadline)
		return false, nil
	}
	if !flagged {
		return false, nil
	}

	c.Cancel(entryID)
	metrics.ApprovalsExpired.Inc()
	c.logger.WithFields(logrus.Fields{
		"entry_id": entryID,
		"plate":    event.Plate,
	}).Warn("Approval timed out; entry flagged")

	if alert != nil {
		c.alerts.Publish(context.WithoutCancel(ctx), *alert)
	}
	c.notify(event)
	return true, nil
}

func (c *Coordinator) dispatch(entry types.VehicleEntry, approval types.Approval) {
	req := types.DispatchRequest{
		Channel:          approval.Channel,
		CorrelationToken: approval.Token,
		VehicleEntryID:   entry.ID,
		Message:          dispatchMessage(entry),
	}
	sender, ok := c.senders[approval.Channel]

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.config.DispatchTimeout)
		defer cancel()

		var err error
		if !ok {
			err = fmt.Errorf("no sender registered for channel %s", approval.Channel)
		} else {
			var result types.DispatchResult
			result, err = sender.Send(ctx, req)
			if err == nil && !result.Accepted {
				err = fmt.Errorf("provider for channel %s did not accept the request", approval.Channel)
			}
		}

		if err == nil {
			metrics.ApprovalDispatchTotal.WithLabelValues(approval.Channel, "sent").Inc()
			c.logger.WithFields(logrus.Fields{
				"entry_id": entry.ID,
				"channel":  approval.Channel,
			}).Debug("Approval request dispatched")
			return
		}

		metrics.ApprovalDispatchTotal.WithLabelValues(approval.Channel, "failed").Inc()
		logging.LogDispatchError(c.logger, err, approval.Channel, entry.ID)
		if auditErr := c.audit.Record(context.Background(), types.AuditLogEntry{
			Action:     types.ActionApprovalDispatchFailed,
			EntityType: types.EntityApproval,
			EntityID:   approval.ID,
			Detail: map[string]interface{}{
				"entry_id": entry.ID,
				"channel":  approval.Channel,
				"error":    err.Error(),
			},
		}); auditErr != nil {
			c.logger.WithError(auditErr).Error("Failed to audit dispatch failure")
		}
	}()
}

func (c *Coordinator) rejectUnknown(ctx context.Context, token string, decision types.Decision, sourceIP string) error {
	metrics.ApprovalCallbacksTotal.WithLabelValues("unknown").Inc()
	logging.LogSecurityError(c.logger.WithField("client_ip", sourceIP), types.ErrUnknownCorrelationToken, "", "approval_callback")

	if err := c.audit.Record(ctx, types.AuditLogEntry{
		Actor:      "provider",
		Action:     types.ActionApprovalCallbackUnknown,
		EntityType: types.EntityApproval,
		SourceIP:   sourceIP,
		Detail: map[string]interface{}{
			"token_prefix": tokenPrefix(token),
			"decision":     decision,
		},
	}); err != nil {
		return err
	}
	return types.ErrUnknownCorrelationToken
}

func (c *Coordinator) notify(event types.TransitionEvent) {
	if c.observer != nil {
		c.observer.OnTransition(event)
	}
}

func dispatchMessage(entry types.VehicleEntry) string {
	reason := entry.ApprovalReason
	if reason == "" {
		reason = "review required"
	}
	return fmt.Sprintf("Vehicle %s is waiting at the gate (%s). Reply APPROVE or DENY.", entry.Plate, reason)
}

func earliestExpiry(approvals []types.Approval) time.Time {
	earliest := approvals[0].ExpiresAt
	for _, approval := range approvals[1:] {
		if approval.ExpiresAt.Before(earliest) {
			earliest = approval.ExpiresAt
		}
	}
	return earliest
}

// tokenPrefix keeps enough of a token to correlate logs without storing it
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
