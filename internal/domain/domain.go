package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical and chronological order identical in SQLite.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime. RFC3339 is accepted for
// values supplied by callers.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Issue struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	State       State         `json:"state" enum:"CREATED,SPEC_READY,IMPLEMENTING_PREP,REVIEW_READY,VERIFIED,DONE,HOLD,KILLED"`
	HeldFrom    State         `json:"held_from,omitempty"`
	LastVerdict Verdict       `json:"last_verdict,omitempty"`
	ExternalRef string        `json:"external_ref,omitempty"`
	Version     int64         `json:"version"`
	History     []StepOutcome `json:"history,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

// StepOutcome is the immutable record of one step attempt.
type StepOutcome struct {
	ID           string   `json:"id"`
	IssueID      string   `json:"issue_id"`
	Step         StepID   `json:"step"`
	Verdict      Verdict  `json:"verdict"`
	Action       Action   `json:"action"`
	FromState    State    `json:"from_state"`
	ToState      State    `json:"to_state"`
	Blocked      bool     `json:"blocked"`
	Reason       string   `json:"reason,omitempty"`
	DecisionID   string   `json:"decision_id,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	RunID        string   `json:"run_id"`
	RequestID    string   `json:"request_id,omitempty"`
	ActorID      string   `json:"actor_id"`
	Attempt      int      `json:"attempt"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Decision is a persisted policy evaluation result.
type Decision struct {
	ID             string            `json:"id"`
	Effect         Effect            `json:"effect" enum:"ALLOW,DENY"`
	Reason         string            `json:"reason"`
	ReasonCode     ReasonCode        `json:"reason_code"`
	LawbookVersion string            `json:"lawbook_version,omitempty"`
	ActionType     ActionType        `json:"action_type"`
	Environment    string            `json:"environment"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	IssueID        string            `json:"issue_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	ActorID        string            `json:"actor_id"`
	NextAllowedAt  string            `json:"next_allowed_at,omitempty" format:"date-time"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
}

func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Approval is an external human approval for a specific action fingerprint.
type Approval struct {
	ID          string     `json:"id"`
	ActionType  ActionType `json:"action_type"`
	Fingerprint string     `json:"fingerprint"`
	ApproverID  string     `json:"approver_id"`
	Note        string     `json:"note,omitempty"`
	ExpiresAt   string     `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

// LawbookVersion describes a published, immutable lawbook.
type LawbookVersion struct {
	ID          string `json:"id"`
	Source      string `json:"source,omitempty"`
	PublishedBy string `json:"published_by"`
	Active      bool   `json:"active"`
	RuleCount   int    `json:"rule_count"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
