package domain

import "fmt"

type State string

const (
	StateCreated          State = "CREATED"
	StateSpecReady        State = "SPEC_READY"
	StateImplementingPrep State = "IMPLEMENTING_PREP"
	StateReviewReady      State = "REVIEW_READY"
	StateVerified         State = "VERIFIED"
	StateDone             State = "DONE"
	StateHold             State = "HOLD"
	StateKilled           State = "KILLED"
)

// States lists every lifecycle state in progression order.
var States = []State{
	StateCreated, StateSpecReady, StateImplementingPrep, StateReviewReady,
	StateVerified, StateDone, StateHold, StateKilled,
}

func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateKilled
}

type StepID string

const (
	StepIntake         StepID = "S1"
	StepSpec           StepID = "S2"
	StepImplPrep       StepID = "S3"
	StepImplementation StepID = "S4"
	StepReviewMerge    StepID = "S5"
)

var Steps = []StepID{StepIntake, StepSpec, StepImplPrep, StepImplementation, StepReviewMerge}

func (s StepID) Valid() bool {
	for _, v := range Steps {
		if v == s {
			return true
		}
	}
	return false
}

// Verdict is the result a step reports. The zero value is not a verdict.
type Verdict uint8

const (
	VerdictGreen Verdict = iota + 1
	VerdictRed
	VerdictHold
	VerdictRetry
)

var verdictNames = [...]string{
	VerdictGreen: "GREEN",
	VerdictRed:   "RED",
	VerdictHold:  "HOLD",
	VerdictRetry: "RETRY",
}

func (v Verdict) Valid() bool {
	return v >= VerdictGreen && v <= VerdictRetry
}

func (v Verdict) String() string {
	if !v.Valid() {
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
	return verdictNames[v]
}

// ParseVerdict accepts the canonical names only.
func ParseVerdict(s string) (Verdict, error) {
	for v := VerdictGreen; v <= VerdictRetry; v++ {
		if verdictNames[v] == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidVerdict, s)
}

func (v Verdict) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return []byte(""), nil
	}
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*v = 0
		return nil
	}
	parsed, err := ParseVerdict(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Action is the lifecycle control action derived from a verdict.
type Action string

const (
	ActionAdvance Action = "ADVANCE"
	ActionAbort   Action = "ABORT"
	ActionFreeze  Action = "FREEZE"
	ActionRetry   Action = "RETRY_OPERATION"
)

// ActionType names an automation action checked by the policy evaluator,
// such as merge_pr or rerun_checks.
type ActionType string

const (
	ActionMergePR     ActionType = "merge_pr"
	ActionRerunChecks ActionType = "rerun_checks"
)

type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

type ReasonCode string

const (
	ReasonAllowed          ReasonCode = "allowed"
	ReasonNoActivePolicy   ReasonCode = "no_active_policy"
	ReasonNoRule           ReasonCode = "no_rule"
	ReasonEnvironment      ReasonCode = "environment_not_allowed"
	ReasonMissingField     ReasonCode = "missing_context_field"
	ReasonMisconfigured    ReasonCode = "policy_misconfigured"
	ReasonApprovalRequired ReasonCode = "approval_required"
	ReasonCooldown         ReasonCode = "cooldown_active"
	ReasonRateLimited      ReasonCode = "rate_limited"
	ReasonEvaluationError  ReasonCode = "evaluation_error"
)
