package rews

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	all := []State{StateDisconnected, StateConnecting, StateConnected, StateClosing, StateClosed, StateTerminated}

	allowed := map[State][]State{
		StateDisconnected: {StateConnecting, StateClosing, StateTerminated},
		StateConnecting:   {StateConnected, StateDisconnected, StateClosing},
		StateConnected:    {StateDisconnected, StateClosing},
		StateClosing:      {StateClosed},
	}

	for _, from := range all {
		for _, to := range all {
			next, err := from.TransitionTo(to)
			if slices.Contains(allowed[from], to) {
				assert.NoError(t, err, "%v -> %v", from, to)
				assert.Equal(t, to, next)
			} else {
				assert.Error(t, err, "%v -> %v", from, to)
				assert.Equal(t, from, next)
			}
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateTerminated.Terminal())
	assert.False(t, StateDisconnected.Terminal())
	assert.False(t, StateClosing.Terminal())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "State(42)", State(42).String())
}
