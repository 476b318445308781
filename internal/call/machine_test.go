package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStartToEnd(t *testing.T) {
	record := &CallRecord{CallID: "call-1"}

	transition, err := Apply(record, TriggerCallStarted, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, transition.State)
	assert.False(t, transition.Absorbed)

	record.State = StateStarted

	transition, err = Apply(record, TriggerCallEnded, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, transition.State)
}

func TestApplyDoubleStartConflicts(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateStarted}

	_, err := Apply(record, TriggerCallStarted, "", "")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyScreenRequest(t *testing.T) {
	for _, from := range []string{"", StateStarted, StateScreening} {
		record := &CallRecord{CallID: "call-1", State: from}

		transition, err := Apply(record, TriggerScreenRequested, "", "")
		require.NoError(t, err, "from state %q", from)
		assert.Equal(t, StateScreening, transition.State)
	}

	record := &CallRecord{CallID: "call-1", State: StateTransferring}

	_, err := Apply(record, TriggerScreenRequested, "", "")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyScamVerdictOwesBlock(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateScreening, Verdict: VerdictUnknown}

	transition, err := Apply(record, TriggerVerdictRecorded, VerdictScam, "tax scam")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, transition.State)
	require.Len(t, transition.Intents, 1)
	assert.Equal(t, ActionBlock, transition.Intents[0].Kind)
	assert.Equal(t, "tax scam", transition.Intents[0].Summary)
}

func TestApplySafeVerdictOwesTransfer(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateScreening, Verdict: VerdictUnknown}

	transition, err := Apply(record, TriggerVerdictRecorded, VerdictSafe, "dentist office")
	require.NoError(t, err)
	assert.Equal(t, StateTransferring, transition.State)
	require.Len(t, transition.Intents, 1)
	assert.Equal(t, ActionTransfer, transition.Intents[0].Kind)
}

func TestApplyVerdictIsSetOnce(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateScreening, Verdict: VerdictScam}

	transition, err := Apply(record, TriggerVerdictRecorded, VerdictSafe, "")
	require.NoError(t, err)
	assert.True(t, transition.Absorbed)
	assert.Empty(t, transition.Intents)
}

func TestApplyRejectsVerdictOutsideScreening(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateStarted, Verdict: VerdictUnknown}

	_, err := Apply(record, TriggerVerdictRecorded, VerdictScam, "")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyRejectsUnknownVerdict(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateScreening, Verdict: VerdictUnknown}

	_, err := Apply(record, TriggerVerdictRecorded, "MAYBE", "")
	require.ErrorIs(t, err, ErrInvalidVerdict)
}

func TestApplyTerminalStatesAbsorbEverything(t *testing.T) {
	triggers := []Trigger{
		TriggerCallStarted,
		TriggerScreenRequested,
		TriggerVerdictRecorded,
		TriggerCallEnded,
		TriggerCallTransferred,
	}

	for _, state := range []string{StateBlocked, StateEnded} {
		for _, trigger := range triggers {
			record := &CallRecord{CallID: "call-1", State: state, Verdict: VerdictScam}

			transition, err := Apply(record, trigger, VerdictScam, "")
			require.NoError(t, err, "state %s trigger %s", state, trigger)
			assert.True(t, transition.Absorbed)
			assert.Equal(t, state, transition.State)
			assert.Empty(t, transition.Intents)
		}
	}
}

func TestApplyTransferredOnlyFromTransferring(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateTransferring, Verdict: VerdictSafe}

	transition, err := Apply(record, TriggerCallTransferred, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, transition.State)

	record = &CallRecord{CallID: "call-1", State: StateScreening}

	_, err = Apply(record, TriggerCallTransferred, "", "")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyUnknownTrigger(t *testing.T) {
	record := &CallRecord{CallID: "call-1", State: StateStarted}

	_, err := Apply(record, Trigger("call_parked"), "", "")
	require.ErrorIs(t, err, ErrUnknownTrigger)
}
