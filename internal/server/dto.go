package server

import (
	"encoding/json"

	"lawline/internal/domain"
	"lawline/internal/engine"
	"lawline/internal/lawbook"
	"lawline/internal/policy"
)

// Request payloads

type CreateIssueRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	ExternalRef string   `json:"external_ref,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

type AdvanceIssueRequest struct {
	Step        string            `json:"step" enum:"S2,S3,S4,S5"`
	Environment string            `json:"environment,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	// Verdict reports the result of a step run elsewhere. Without it the
	// server runs the configured step command.
	Verdict  string   `json:"verdict,omitempty" enum:"GREEN,RED,HOLD,RETRY"`
	Evidence []string `json:"evidence,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

type EvaluatePolicyRequest struct {
	ActionType  string            `json:"action_type"`
	Environment string            `json:"environment,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	IssueID     string            `json:"issue_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

type PublishLawbookRequest struct {
	Content  string `json:"content"`
	Format   string `json:"format,omitempty" enum:"yaml,toml,json"`
	Source   string `json:"source,omitempty"`
	Activate bool   `json:"activate,omitempty"`
}

type GrantApprovalRequest struct {
	ActionType  string            `json:"action_type"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Note        string            `json:"note,omitempty"`
	TTLSeconds  int64             `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Responses

type AdvanceResponse struct {
	Issue    domain.Issue       `json:"issue"`
	Outcome  domain.StepOutcome `json:"outcome"`
	Decision *domain.Decision   `json:"decision,omitempty"`
	Verdict  string             `json:"verdict"`
	Action   domain.Action      `json:"action"`
	Blocked  bool               `json:"blocked"`
	Reason   string             `json:"reason,omitempty"`
}

type PublishLawbookResponse struct {
	Version domain.LawbookVersion `json:"version"`
	Created bool                  `json:"created"`
}

type LawbookResponse struct {
	Version domain.LawbookVersion              `json:"version"`
	Rules   map[domain.ActionType]lawbook.Rule `json:"rules"`
}

type ActivateResponse struct {
	VersionID string `json:"version_id"`
	Changed   bool   `json:"changed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type paginatedIssues struct {
	Items      []domain.Issue `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedOutcomes struct {
	Items      []domain.StepOutcome `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedDecisions struct {
	Items      []domain.Decision `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func advanceResponse(res engine.AdvanceResult) AdvanceResponse {
	return AdvanceResponse{
		Issue:    res.Issue,
		Outcome:  res.Outcome,
		Decision: res.Decision,
		Verdict:  res.Verdict.String(),
		Action:   res.Action,
		Blocked:  res.Blocked,
		Reason:   res.Reason,
	}
}

func lawbookResponse(v *policy.Version) LawbookResponse {
	res := LawbookResponse{Version: v.Meta, Rules: v.Lawbook.Rules}
	if res.Rules == nil {
		res.Rules = map[domain.ActionType]lawbook.Rule{}
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
