package workflow

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCanTransitionAllowedPairs(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func genStatus() gopter.Gen {
	return gen.OneConstOf(StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled)
}

// TestTerminalStatesAcceptNoTransitionProperty verifies that a terminal
// status never permits a transition to any other status, for any pair drawn
// from the full status space.
func TestTerminalStatesAcceptNoTransitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal statuses reject every transition", prop.ForAll(
		func(from, to TaskStatus) bool {
			if !from.Terminal() {
				return true
			}
			return !from.CanTransition(to)
		},
		genStatus(), genStatus(),
	))

	properties.TestingRun(t)
}

// TestNoSelfTransitionProperty verifies self-transitions are never legal,
// matching the documented state machine.
func TestNoSelfTransitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a status never transitions to itself", prop.ForAll(
		func(s TaskStatus) bool {
			return !s.CanTransition(s)
		},
		genStatus(),
	))

	properties.TestingRun(t)
}
