package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrLedgerWrite            = errors.New("ledger write failure")
	ErrPolicyMisconfigured    = errors.New("policy misconfigured")
	ErrInvalidVerdict         = errors.New("invalid verdict")
	ErrEffectFailed           = errors.New("effect failed")
	ErrStepFailed             = errors.New("step execution failed")
)

// TransitionError reports a step requested in a state that does not run it.
type TransitionError struct {
	IssueID  string
	State    State
	Step     StepID
	Expected StepID
}

func (e *TransitionError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("invalid transition: issue %s is %s, no step can run", e.IssueID, e.State)
	}
	return fmt.Sprintf("invalid transition: issue %s is %s, step %s requested, %s expected", e.IssueID, e.State, e.Step, e.Expected)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
