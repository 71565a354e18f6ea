// Package lifecycle owns the canonical state of each vehicle visit.
//
// Transitions are computed by the pure table in Next and applied to the
// store as compare-and-set updates keyed on the allowed source states, so
// a transition that lost a race becomes a no-op instead of a corruption.
package lifecycle

import (
	"gate-event-core/internal/types"
)

// Trigger names an event that may move an entry between states
type Trigger string

const (
	TriggerEntryDetection  Trigger = "entry_detection"
	TriggerManualEnter     Trigger = "manual_enter"
	TriggerRequireApproval Trigger = "require_approval"
	TriggerExitDetection   Trigger = "exit_detection"
	TriggerManualExit      Trigger = "manual_exit"
	TriggerManualApprove   Trigger = "manual_approve"
	TriggerManualDeny      Trigger = "manual_deny"
	TriggerManualFlag      Trigger = "manual_flag"
	TriggerApprovalGranted Trigger = "approval_granted"
	TriggerApprovalDenied  Trigger = "approval_denied"
	TriggerApprovalExpired Trigger = "approval_expired"
)

type rule struct {
	from []types.LifecycleState
	to   types.LifecycleState
}

var (
	openStates = []types.LifecycleState{
		types.StateEntered,
		types.StateAwaitingApproval,
		types.StateApproved,
		types.StateFlagged,
	}
	pendingReview = []types.LifecycleState{
		types.StateAwaitingApproval,
		types.StateFlagged,
	}
	awaiting = []types.LifecycleState{
		types.StateAwaitingApproval,
	}
)

var table = map[Trigger]rule{
	TriggerRequireApproval: {from: []types.LifecycleState{types.StateEntered}, to: types.StateAwaitingApproval},
	TriggerExitDetection:   {from: openStates, to: types.StateExited},
	TriggerManualExit:      {from: openStates, to: types.StateExited},
	TriggerManualApprove:   {from: pendingReview, to: types.StateApproved},
	TriggerManualDeny:      {from: pendingReview, to: types.StateDenied},
	TriggerManualFlag: {from: []types.LifecycleState{
		types.StateEntered,
		types.StateAwaitingApproval,
		types.StateApproved,
	}, to: types.StateFlagged},
	TriggerApprovalGranted: {from: awaiting, to: types.StateApproved},
	TriggerApprovalDenied:  {from: awaiting, to: types.StateDenied},
	TriggerApprovalExpired: {from: awaiting, to: types.StateFlagged},
}

// Next returns the state an entry in from moves to on trigger. Disallowed
// moves return a *types.ConflictError.
func Next(from types.LifecycleState, trigger Trigger) (types.LifecycleState, error) {
	r, ok := table[trigger]
	if !ok || !contains(r.from, from) {
		return from, &types.ConflictError{From: from, Trigger: string(trigger)}
	}
	return r.to, nil
}

// Sources returns the states trigger may be applied from, for use as the
// compare-and-set predicate of a store update
func Sources(trigger Trigger) []types.LifecycleState {
	r, ok := table[trigger]
	if !ok {
		return nil
	}
	out := make([]types.LifecycleState, len(r.from))
	copy(out, r.from)
	return out
}

// IsAnomalousExit reports whether closing an entry in state s by a camera
// must be recorded as an anomaly
func IsAnomalousExit(s types.LifecycleState) bool {
	return contains(pendingReview, s)
}

func contains(states []types.LifecycleState, s types.LifecycleState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
