package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionRecipeLoop(t *testing.T) {
	s := StateWaitingForStart

	next, err := Transition(s, EventStart)
	require.NoError(t, err)
	require.Equal(t, StateRunning, next)

	next, err = Transition(next, EventFinish)
	require.NoError(t, err)
	require.Equal(t, StateWaitingForStart, next)

	next, err = Transition(next, EventStart)
	require.NoError(t, err)
	require.Equal(t, StateRunning, next)

	next, err = Transition(next, EventAbort)
	require.NoError(t, err)
	require.Equal(t, StateWaitingForStart, next)
}

func TestTransitionFailFromLiveStatesCloses(t *testing.T) {
	for _, state := range []State{StateWaitingForStart, StateRunning} {
		next, err := Transition(state, EventFail)
		require.NoError(t, err)
		require.Equal(t, StateClosed, next)
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
	}{
		{name: "waiting finish invalid", state: StateWaitingForStart, event: EventFinish},
		{name: "waiting abort invalid", state: StateWaitingForStart, event: EventAbort},
		{name: "running start invalid", state: StateRunning, event: EventStart},
		{name: "closed start invalid", state: StateClosed, event: EventStart},
		{name: "closed fail invalid", state: StateClosed, event: EventFail},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.state, next)
			require.Error(t, err)
			require.Contains(t, err.Error(), "invalid transition")
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(State("bogus"), EventStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
}
