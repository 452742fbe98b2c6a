package review

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ledgersync/internal/model"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(model.ReviewPending, model.ReviewProcessed))
	assert.True(t, IsValidTransition(model.ReviewPending, model.ReviewFailed))
	assert.True(t, IsValidTransition(model.ReviewPending, model.ReviewSkipped))
	assert.True(t, IsValidTransition(model.ReviewFailed, model.ReviewPending))
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	assert.False(t, IsValidTransition(model.ReviewFailed, model.ReviewProcessed))
	assert.False(t, IsValidTransition(model.ReviewPending, model.ReviewPending))
	assert.False(t, IsValidTransition(model.ReviewProcessed, model.ReviewPending))
	assert.False(t, IsValidTransition(model.ReviewSkipped, model.ReviewPending))
}

func TestStateMachine_TerminalStates(t *testing.T) {
	for _, st := range []model.ReviewState{model.ReviewProcessed, model.ReviewSkipped} {
		assert.Empty(t, AllowedFrom(st), st)
		assert.True(t, st.Terminal())
	}
}

// Walk every path from pending and from failed and check closure.
func TestStateMachine_Closure(t *testing.T) {
	reachable := func(start model.ReviewState) map[model.ReviewState]bool {
		seen := map[model.ReviewState]bool{}
		queue := []model.ReviewState{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range AllowedFrom(cur) {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		return seen
	}

	for _, terminal := range []model.ReviewState{model.ReviewProcessed, model.ReviewSkipped} {
		assert.Empty(t, reachable(terminal))
	}
	assert.Equal(t, []model.ReviewState{model.ReviewPending}, AllowedFrom(model.ReviewFailed))

	fromPending := AllowedFrom(model.ReviewPending)
	assert.ElementsMatch(t, []model.ReviewState{model.ReviewProcessed, model.ReviewFailed, model.ReviewSkipped}, fromPending)
}

func TestInvalidStateTransitionError(t *testing.T) {
	err := checkTransition("tx-1", model.ReviewProcessed, model.ReviewSkipped)
	var target *InvalidStateTransitionError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, "tx-1", target.TransactionID)
	assert.Contains(t, err.Error(), "processed to skipped")

	assert.NoError(t, checkTransition("tx-1", model.ReviewPending, model.ReviewSkipped))
	assert.NotEqual(t, "Unknown state", StateDescription(model.ReviewFailed))
}
