package lawlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal lawline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// StepOutcome is one recorded attempt at a lifecycle step.
type StepOutcome struct {
	ID           string   `json:"id"`
	IssueID      string   `json:"issue_id"`
	Step         string   `json:"step"`
	Verdict      string   `json:"verdict"`
	Action       string   `json:"action"`
	FromState    string   `json:"from_state"`
	ToState      string   `json:"to_state"`
	Blocked      bool     `json:"blocked"`
	Reason       string   `json:"reason,omitempty"`
	DecisionID   string   `json:"decision_id,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	RunID        string   `json:"run_id"`
	ActorID      string   `json:"actor_id"`
	Attempt      int      `json:"attempt"`
	CreatedAt    string   `json:"created_at"`
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	State       string        `json:"state"`
	HeldFrom    string        `json:"held_from,omitempty"`
	LastVerdict string        `json:"last_verdict,omitempty"`
	ExternalRef string        `json:"external_ref,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
	History     []StepOutcome `json:"history,omitempty"`
}

// Decision is a persisted policy evaluation.
type Decision struct {
	ID             string            `json:"id"`
	ActionType     string            `json:"action_type"`
	Effect         string            `json:"effect"`
	ReasonCode     string            `json:"reason_code"`
	Reason         string            `json:"reason"`
	LawbookVersion string            `json:"lawbook_version,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Environment    string            `json:"environment"`
	Context        map[string]string `json:"context,omitempty"`
	IssueID        string            `json:"issue_id,omitempty"`
	ActorID        string            `json:"actor_id"`
	NextAllowedAt  string            `json:"next_allowed_at,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// Allowed reports an ALLOW effect.
func (d Decision) Allowed() bool { return d.Effect == "ALLOW" }

// AdvanceResult is the response of an advance call. Blocked is set when a
// policy gate denied the step; that is not an error.
type AdvanceResult struct {
	Issue    Issue       `json:"issue"`
	Outcome  StepOutcome `json:"outcome"`
	Decision *Decision   `json:"decision,omitempty"`
	Verdict  string      `json:"verdict"`
	Action   string      `json:"action"`
	Blocked  bool        `json:"blocked"`
	Reason   string      `json:"reason,omitempty"`
}

// AdvanceInput reports a step verdict. An empty Verdict asks the server to
// run its configured step command.
type AdvanceInput struct {
	Step        string            `json:"step"`
	Verdict     string            `json:"verdict,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Evidence    []string          `json:"evidence,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

// EvaluateInput describes an action to authorize.
type EvaluateInput struct {
	ActionType  string            `json:"action_type"`
	Environment string            `json:"environment,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	IssueID     string            `json:"issue_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

// ApprovalInput grants an approval. Without a Fingerprint the server derives
// it from ActionType, Context and Environment.
type ApprovalInput struct {
	ActionType  string            `json:"action_type"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Note        string            `json:"note,omitempty"`
	TTLSeconds  int64             `json:"ttl_seconds,omitempty"`
}

// Approval is a recorded approval.
type Approval struct {
	ID          string `json:"id"`
	ActionType  string `json:"action_type"`
	Fingerprint string `json:"fingerprint"`
	ApproverID  string `json:"approver_id"`
	Note        string `json:"note,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// LawbookVersion is the metadata of a published lawbook.
type LawbookVersion struct {
	ID          string `json:"id"`
	Source      string `json:"source,omitempty"`
	PublishedBy string `json:"published_by"`
	RuleCount   int    `json:"rule_count"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

// Lawbook is a version with its rules.
type Lawbook struct {
	Version LawbookVersion            `json:"version"`
	Rules   map[string]map[string]any `json:"rules"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Page wraps list responses with cursors.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue opens an issue at intake.
func (c *Client) CreateIssue(ctx context.Context, title, externalRef string) (Issue, error) {
	body := map[string]any{"title": title}
	if externalRef != "" {
		body["external_ref"] = externalRef
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue with its step history.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Issues lists issues, newest first.
func (c *Client) Issues(ctx context.Context, state string, limit int, cursor string) (Page[Issue], error) {
	var resp Page[Issue]
	err := c.do(ctx, http.MethodGet, withQuery("issues", map[string]string{
		"state":  state,
		"limit":  limitParam(limit),
		"cursor": cursor,
	}), nil, &resp)
	return resp, err
}

// Advance runs or reports a lifecycle step.
func (c *Client) Advance(ctx context.Context, issueID string, in AdvanceInput) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("issues/%s/advance", url.PathEscape(issueID)), in, &resp)
	return resp, err
}

// Evaluate asks the policy evaluator for a decision.
func (c *Client) Evaluate(ctx context.Context, in EvaluateInput) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "policy/evaluate", in, &resp)
	return resp, err
}

// PublishLawbook publishes lawbook content in the given format (yaml, toml
// or json). Created is false when the same content was already published.
func (c *Client) PublishLawbook(ctx context.Context, content, format string, activate bool) (version LawbookVersion, created bool, err error) {
	var resp struct {
		Version LawbookVersion `json:"version"`
		Created bool           `json:"created"`
	}
	body := map[string]any{"content": content, "activate": activate}
	if format != "" {
		body["format"] = format
	}
	err = c.do(ctx, http.MethodPost, "policy/versions", body, &resp)
	return resp.Version, resp.Created, err
}

// ActivateLawbook makes a published version active.
func (c *Client) ActivateLawbook(ctx context.Context, versionID string) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("policy/versions/%s/activate", url.PathEscape(versionID)), nil, &resp)
	return resp.Changed, err
}

// ActiveLawbook returns the active lawbook.
func (c *Client) ActiveLawbook(ctx context.Context) (Lawbook, error) {
	var resp Lawbook
	err := c.do(ctx, http.MethodGet, "policy/active", nil, &resp)
	return resp, err
}

// LawbookVersions lists published versions.
func (c *Client) LawbookVersions(ctx context.Context) ([]LawbookVersion, error) {
	var resp []LawbookVersion
	err := c.do(ctx, http.MethodGet, "policy/versions", nil, &resp)
	return resp, err
}

// Approve records an approval.
func (c *Client) Approve(ctx context.Context, in ApprovalInput) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", in, &resp)
	return resp, err
}

// Decisions lists decisions for an issue, oldest first. An empty issueID
// lists all of them.
func (c *Client) Decisions(ctx context.Context, issueID string, limit int, cursor string) (Page[Decision], error) {
	var resp Page[Decision]
	err := c.do(ctx, http.MethodGet, withQuery("ledger/decisions", map[string]string{
		"issue_id": issueID,
		"limit":    limitParam(limit),
		"cursor":   cursor,
	}), nil, &resp)
	return resp, err
}

// Outcomes lists step outcomes, oldest first.
func (c *Client) Outcomes(ctx context.Context, issueID string, limit int, cursor string) (Page[StepOutcome], error) {
	var resp Page[StepOutcome]
	err := c.do(ctx, http.MethodGet, withQuery("ledger/outcomes", map[string]string{
		"issue_id": issueID,
		"limit":    limitParam(limit),
		"cursor":   cursor,
	}), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (Page[Event], error) {
	var resp Page[Event]
	err := c.do(ctx, http.MethodGet, withQuery("ledger/events", map[string]string{
		"limit":  limitParam(limit),
		"cursor": cursor,
	}), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func limitParam(limit int) string {
	if limit <= 0 {
		return ""
	}
	return strconv.Itoa(limit)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
