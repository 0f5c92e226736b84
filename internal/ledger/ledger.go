// Package ledger is the append-only audit trail: step outcomes, policy
// decisions and lifecycle events. Entries are written on the caller's
// transaction so that a state change and its audit record commit together.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lawline/internal/domain"
)

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func writeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrLedgerWrite, what, err)
}

// AppendEvent records a lifecycle event.
func (l Ledger) AppendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return writeErr("marshal event payload", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(l.now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return writeErr("insert event", err)
	}
	return nil
}

// AppendOutcome records a step outcome. CreatedAt must already be set.
func (l Ledger) AppendOutcome(ctx context.Context, tx *sql.Tx, o domain.StepOutcome) error {
	if o.ID == "" || o.CreatedAt == "" {
		return writeErr("insert step outcome", fmt.Errorf("id and created_at are required"))
	}
	var evidence any
	if len(o.EvidenceRefs) > 0 {
		b, err := json.Marshal(o.EvidenceRefs)
		if err != nil {
			return writeErr("marshal evidence", err)
		}
		evidence = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO step_outcomes(id,issue_id,step,verdict,action,from_state,to_state,blocked,reason,decision_id,evidence_json,run_id,request_id,actor_id,attempt,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.IssueID, string(o.Step), o.Verdict.String(), string(o.Action), string(o.FromState), string(o.ToState),
		boolInt(o.Blocked), nullable(o.Reason), nullable(o.DecisionID), evidence, o.RunID, nullable(o.RequestID), o.ActorID, o.Attempt, o.CreatedAt)
	if err != nil {
		return writeErr("insert step outcome", err)
	}
	return nil
}

// AppendDecision records a policy decision.
func (l Ledger) AppendDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	if d.ID == "" || d.CreatedAt == "" {
		return writeErr("insert decision", fmt.Errorf("id and created_at are required"))
	}
	var ctxJSON any
	if len(d.Context) > 0 {
		b, err := json.Marshal(d.Context)
		if err != nil {
			return writeErr("marshal decision context", err)
		}
		ctxJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO policy_decisions(id,effect,reason,reason_code,lawbook_version,action_type,environment,idempotency_key,key_hash,context_json,issue_id,request_id,actor_id,next_allowed_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Effect), d.Reason, string(d.ReasonCode), nullable(d.LawbookVersion), string(d.ActionType), d.Environment,
		nullable(d.IdempotencyKey), nullable(d.Fingerprint), ctxJSON, nullable(d.IssueID), nullable(d.RequestID), d.ActorID, nullable(d.NextAllowedAt), d.CreatedAt)
	if err != nil {
		return writeErr("insert decision", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Cursor marks the last entry of a page. Pages continue strictly after it.
type Cursor struct {
	TS string
	ID string
}

func (c Cursor) IsZero() bool { return c.TS == "" && c.ID == "" }

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return c.TS + "|" + c.ID
}

// ParseCursor parses the "ts|id" form. An empty string is the first page.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, id, ok := strings.Cut(s, "|")
	if !ok || ts == "" || id == "" {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	return Cursor{TS: ts, ID: id}, nil
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

type Page[T any] struct {
	Items      []T
	NextCursor string
}

type query struct {
	clauses []string
	args    []any
}

func (q *query) eq(column, value string) {
	if value == "" {
		return
	}
	q.clauses = append(q.clauses, column+"=?")
	q.args = append(q.args, value)
}

func (q *query) after(tsColumn string, c Cursor) {
	if c.IsZero() {
		return
	}
	q.clauses = append(q.clauses, "("+tsColumn+" > ? OR ("+tsColumn+" = ? AND id > ?))")
	q.args = append(q.args, c.TS, c.TS, c.ID)
}

func (q *query) where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}
