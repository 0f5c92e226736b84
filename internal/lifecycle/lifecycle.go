// Package lifecycle holds the fixed tables of the issue lifecycle: which
// step runs in which state, where a successful step leads, and how a
// verdict maps to a control action.
package lifecycle

import "lawline/internal/domain"

var verdictActions = [...]domain.Action{
	domain.VerdictGreen: domain.ActionAdvance,
	domain.VerdictRed:   domain.ActionAbort,
	domain.VerdictHold:  domain.ActionFreeze,
	domain.VerdictRetry: domain.ActionRetry,
}

// MapVerdict returns the action for a verdict. Verdicts are validated when
// they enter the system, so v is always one of the four known values.
func MapVerdict(v domain.Verdict) domain.Action {
	return verdictActions[v]
}

var stepFor = map[domain.State]domain.StepID{
	domain.StateCreated:          domain.StepSpec,
	domain.StateSpecReady:        domain.StepImplPrep,
	domain.StateImplementingPrep: domain.StepImplementation,
	domain.StateReviewReady:      domain.StepReviewMerge,
	domain.StateVerified:         domain.StepReviewMerge,
}

// DesignatedStep returns the step that may run for an issue in state. In
// HOLD it is the step of the state the issue was frozen from. Terminal
// states have none.
func DesignatedStep(state, heldFrom domain.State) (domain.StepID, bool) {
	if state == domain.StateHold {
		state = heldFrom
	}
	s, ok := stepFor[state]
	return s, ok
}

// Next returns the state a GREEN verdict on the designated step leads to.
// REVIEW_READY passes through VERIFIED before DONE; the caller commits the
// two halves around the external effect.
func Next(state domain.State) (domain.State, bool) {
	switch state {
	case domain.StateCreated:
		return domain.StateSpecReady, true
	case domain.StateSpecReady:
		return domain.StateImplementingPrep, true
	case domain.StateImplementingPrep:
		return domain.StateReviewReady, true
	case domain.StateReviewReady:
		return domain.StateVerified, true
	case domain.StateVerified:
		return domain.StateDone, true
	}
	return "", false
}

// Resumes reports whether leaving HOLD for to is valid when the issue was
// frozen from heldFrom: back to heldFrom itself or on to its successor.
func Resumes(heldFrom, to domain.State) bool {
	if to == heldFrom {
		return heldFrom != "" && !heldFrom.Terminal() && heldFrom != domain.StateHold
	}
	next, ok := Next(heldFrom)
	return ok && next == to
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to domain.State) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() {
		return false
	}
	switch to {
	case domain.StateKilled:
		return true
	case domain.StateHold:
		return true
	}
	if from == domain.StateHold {
		// Resuming is validated against the held-from state by the caller.
		return to != domain.StateCreated
	}
	next, ok := Next(from)
	return ok && next == to
}

// ValidWalk reports whether states is a valid sequence of lifecycle states
// starting at CREATED. held tracks the state HOLD was entered from so that a
// resume must continue from there.
func ValidWalk(states []domain.State) bool {
	if len(states) == 0 || states[0] != domain.StateCreated {
		return false
	}
	var heldFrom domain.State
	for i := 1; i < len(states); i++ {
		from, to := states[i-1], states[i]
		if from == to {
			// Self loops are retries, blocked attempts or repeated freezes.
			if from.Terminal() {
				return false
			}
			continue
		}
		if !CanTransition(from, to) {
			return false
		}
		switch {
		case to == domain.StateHold:
			heldFrom = from
		case from == domain.StateHold && to != domain.StateKilled:
			if !Resumes(heldFrom, to) {
				return false
			}
		}
	}
	return true
}
