package review

import (
	"errors"
	"fmt"

	"github.com/example/ledgersync/internal/model"
)

// ErrNotPending is returned for edits that are only allowed while a
// transaction awaits review.
var ErrNotPending = errors.New("transaction is not pending review")

// InvalidStateTransitionError represents a transition the review state
// machine does not allow.
type InvalidStateTransitionError struct {
	From          model.ReviewState
	To            model.ReviewState
	TransactionID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid review transition from %s to %s for transaction %s", e.From, e.To, e.TransactionID)
}

// AllowedTransitions defines valid review state transitions.
func AllowedTransitions() map[model.ReviewState][]model.ReviewState {
	return map[model.ReviewState][]model.ReviewState{
		model.ReviewPending:   {model.ReviewProcessed, model.ReviewFailed, model.ReviewSkipped},
		model.ReviewFailed:    {model.ReviewPending},
		model.ReviewProcessed: {},
		model.ReviewSkipped:   {},
	}
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to model.ReviewState) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the states reachable in one step from state.
func AllowedFrom(state model.ReviewState) []model.ReviewState {
	return AllowedTransitions()[state]
}

func checkTransition(id string, from, to model.ReviewState) error {
	if !IsValidTransition(from, to) {
		return &InvalidStateTransitionError{From: from, To: to, TransactionID: id}
	}
	return nil
}

// StateDescription provides human-readable descriptions of states.
func StateDescription(state model.ReviewState) string {
	switch state {
	case model.ReviewPending:
		return "Awaiting an approve or reject decision"
	case model.ReviewProcessed:
		return "Approved and materialized into the ledger"
	case model.ReviewFailed:
		return "Approval failed; retry moves it back to pending"
	case model.ReviewSkipped:
		return "Rejected; no ledger effect"
	default:
		return "Unknown state"
	}
}
