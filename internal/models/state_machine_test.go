package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_FullCycle(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, PhaseFlat, sm.Current())
	assert.False(t, sm.HoldsPosition())

	steps := []struct {
		to        Phase
		condition string
	}{
		{PhaseEvaluatingEntry, ConditionEntrySignal},
		{PhaseOpen, ConditionOrderPlaced},
		{PhaseEvaluatingExit, ConditionExitSignal},
		{PhaseOpen, ConditionExitAbandoned},
		{PhaseEvaluatingExit, ConditionExitSignal},
		{PhaseFlat, ConditionPositionClosed},
	}
	for _, s := range steps {
		require.NoError(t, sm.Transition(s.to, s.condition), "%s via %s", s.to, s.condition)
	}
	assert.Equal(t, PhaseFlat, sm.Current())
	assert.Equal(t, PhaseEvaluatingExit, sm.Previous())
	assert.Equal(t, 2, sm.TransitionCount(PhaseEvaluatingExit))
	assert.Equal(t, ConditionPositionClosed, sm.LastCondition())
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		setup     []Phase
		to        Phase
		condition string
	}{
		{"flat cannot exit", nil, PhaseEvaluatingExit, ConditionExitSignal},
		{"flat cannot close", nil, PhaseFlat, ConditionPositionClosed},
		{"open cannot signal entry", []Phase{PhaseOpen}, PhaseEvaluatingEntry, ConditionEntrySignal},
		{"wrong condition", nil, PhaseOpen, ConditionExitSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, p := range tt.setup {
				require.NoError(t, sm.Transition(p, ConditionRestored))
			}
			before := sm.Current()
			err := sm.Transition(tt.to, tt.condition)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid transition")
			assert.Equal(t, before, sm.Current())
		})
	}
}

func TestStateMachine_RestoredPosition(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(PhaseOpen, ConditionRestored))
	assert.True(t, sm.HoldsPosition())
	require.NoError(t, sm.Transition(PhaseFlat, ConditionPositionClosed))
}

func TestStateMachine_EntryAbandoned(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(PhaseEvaluatingEntry, ConditionEntrySignal))
	assert.Error(t, sm.Transition(PhaseEvaluatingEntry, ConditionEntrySignal), "one entry claim at a time")
	require.NoError(t, sm.Transition(PhaseFlat, ConditionEntryAbandoned))
	assert.Equal(t, "No position, scanning for entry signals", sm.Description())
}

func TestStateMachine_StatusAndReset(t *testing.T) {
	at := time.Date(2026, 2, 10, 9, 20, 0, 0, DefaultLocation)
	sm := NewStateMachine()
	sm.SetClock(func() time.Time { return at })
	require.NoError(t, sm.Transition(PhaseOpen, ConditionRestored))

	st := sm.Status()
	assert.Equal(t, PhaseOpen, st.Phase)
	assert.Equal(t, PhaseFlat, st.Previous)
	assert.Equal(t, ConditionRestored, st.Condition)
	assert.True(t, at.Equal(st.Since))
	assert.Equal(t, "Position open, monitoring exits", st.Description)
	assert.True(t, st.HoldsPosition)
	assert.Equal(t, 1, st.Opened)

	sm.Reset()
	st = sm.Status()
	assert.Equal(t, PhaseFlat, st.Phase)
	assert.Empty(t, st.Condition)
	assert.Equal(t, 0, st.Opened)
	assert.False(t, st.HoldsPosition)
}
