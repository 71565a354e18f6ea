package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-event-core/internal/types"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from    types.LifecycleState
		trigger Trigger
		want    types.LifecycleState
		wantErr bool
	}{
		{types.StateEntered, TriggerRequireApproval, types.StateAwaitingApproval, false},
		{types.StateApproved, TriggerRequireApproval, "", true},
		{types.StateEntered, TriggerExitDetection, types.StateExited, false},
		{types.StateAwaitingApproval, TriggerExitDetection, types.StateExited, false},
		{types.StateFlagged, TriggerExitDetection, types.StateExited, false},
		{types.StateApproved, TriggerManualExit, types.StateExited, false},
		{types.StateAwaitingApproval, TriggerManualApprove, types.StateApproved, false},
		{types.StateFlagged, TriggerManualDeny, types.StateDenied, false},
		{types.StateEntered, TriggerManualApprove, "", true},
		{types.StateEntered, TriggerManualFlag, types.StateFlagged, false},
		{types.StateFlagged, TriggerManualFlag, "", true},
		{types.StateAwaitingApproval, TriggerApprovalGranted, types.StateApproved, false},
		{types.StateAwaitingApproval, TriggerApprovalDenied, types.StateDenied, false},
		{types.StateFlagged, TriggerApprovalGranted, "", true},
		{types.StateAwaitingApproval, TriggerApprovalExpired, types.StateFlagged, false},
		{types.StateApproved, TriggerApprovalExpired, "", true},
		{types.StateEntered, TriggerEntryDetection, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := Next(tt.from, tt.trigger)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, types.ErrConflictingState)
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_TerminalStatesAcceptNothing(t *testing.T) {
	triggers := []Trigger{
		TriggerRequireApproval, TriggerExitDetection, TriggerManualExit,
		TriggerManualApprove, TriggerManualDeny, TriggerManualFlag,
		TriggerApprovalGranted, TriggerApprovalDenied, TriggerApprovalExpired,
	}

	for _, state := range []types.LifecycleState{types.StateDenied, types.StateExited} {
		for _, trigger := range triggers {
			_, err := Next(state, trigger)
			assert.ErrorIs(t, err, types.ErrConflictingState, "%s from %s", trigger, state)
		}
	}
}

func TestSources_ReturnsCopy(t *testing.T) {
	src := Sources(TriggerApprovalGranted)
	require.Equal(t, []types.LifecycleState{types.StateAwaitingApproval}, src)

	src[0] = types.StateExited
	assert.Equal(t, []types.LifecycleState{types.StateAwaitingApproval}, Sources(TriggerApprovalGranted))
	assert.Nil(t, Sources("bogus"))
}

func TestIsAnomalousExit(t *testing.T) {
	assert.True(t, IsAnomalousExit(types.StateAwaitingApproval))
	assert.True(t, IsAnomalousExit(types.StateFlagged))
	assert.False(t, IsAnomalousExit(types.StateEntered))
	assert.False(t, IsAnomalousExit(types.StateApproved))
}

func TestKeyedLock(t *testing.T) {
	locks := NewKeyedLock()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("AB12CD")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, locks.Len())
}
