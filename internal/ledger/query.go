package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"lawline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type OutcomeFilter struct {
	IssueID string
	Step    domain.StepID
	Cursor  Cursor
	Limit   int
}

type DecisionFilter struct {
	IssueID     string
	ActionType  domain.ActionType
	Fingerprint string
	Effect      domain.Effect
	Version     string
	Cursor      Cursor
	Limit       int
}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	// AfterID continues strictly after an event id.
	AfterID int64
	Limit   int
}

const outcomeColumns = `id,issue_id,step,verdict,action,from_state,to_state,blocked,reason,decision_id,evidence_json,run_id,request_id,actor_id,attempt,created_at`

const decisionColumns = `id,effect,reason,reason_code,lawbook_version,action_type,environment,idempotency_key,key_hash,context_json,issue_id,request_id,actor_id,next_allowed_at,created_at`

// ListOutcomes returns outcomes oldest first, ordered by timestamp then id.
func (l Ledger) ListOutcomes(ctx context.Context, f OutcomeFilter) (Page[domain.StepOutcome], error) {
	limit := pageSize(f.Limit)
	var q query
	q.eq("issue_id", f.IssueID)
	q.eq("step", string(f.Step))
	q.after("created_at", f.Cursor)
	rows, err := l.DB.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM step_outcomes`+q.where()+` ORDER BY created_at ASC, id ASC LIMIT ?`, append(q.args, limit+1)...)
	if err != nil {
		return Page[domain.StepOutcome]{}, err
	}
	items, err := scanOutcomes(rows)
	if err != nil {
		return Page[domain.StepOutcome]{}, err
	}
	var page Page[domain.StepOutcome]
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		page.NextCursor = Cursor{TS: last.CreatedAt, ID: last.ID}.String()
	}
	page.Items = items
	return page, nil
}

// IssueHistory returns every outcome for an issue, oldest first.
func (l Ledger) IssueHistory(ctx context.Context, issueID string) ([]domain.StepOutcome, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM step_outcomes WHERE issue_id=? ORDER BY created_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]domain.StepOutcome, error) {
	defer rows.Close()
	var res []domain.StepOutcome
	for rows.Next() {
		var o domain.StepOutcome
		var step, verdict, action, from, to string
		var blocked int
		var reason, decisionID, evidence, requestID sql.NullString
		if err := rows.Scan(&o.ID, &o.IssueID, &step, &verdict, &action, &from, &to, &blocked, &reason, &decisionID, &evidence, &o.RunID, &requestID, &o.ActorID, &o.Attempt, &o.CreatedAt); err != nil {
			return nil, err
		}
		v, err := domain.ParseVerdict(verdict)
		if err != nil {
			return nil, fmt.Errorf("outcome %s: %w", o.ID, err)
		}
		o.Step = domain.StepID(step)
		o.Verdict = v
		o.Action = domain.Action(action)
		o.FromState = domain.State(from)
		o.ToState = domain.State(to)
		o.Blocked = blocked != 0
		o.Reason = reason.String
		o.DecisionID = decisionID.String
		o.RequestID = requestID.String
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &o.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("outcome %s evidence: %w", o.ID, err)
			}
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListDecisions returns decisions oldest first, ordered by timestamp then id.
func (l Ledger) ListDecisions(ctx context.Context, f DecisionFilter) (Page[domain.Decision], error) {
	limit := pageSize(f.Limit)
	var q query
	q.eq("issue_id", f.IssueID)
	q.eq("action_type", string(f.ActionType))
	q.eq("key_hash", f.Fingerprint)
	q.eq("effect", string(f.Effect))
	q.eq("lawbook_version", f.Version)
	q.after("created_at", f.Cursor)
	rows, err := l.DB.QueryContext(ctx, `SELECT `+decisionColumns+` FROM policy_decisions`+q.where()+` ORDER BY created_at ASC, id ASC LIMIT ?`, append(q.args, limit+1)...)
	if err != nil {
		return Page[domain.Decision]{}, err
	}
	items, err := scanDecisions(rows)
	if err != nil {
		return Page[domain.Decision]{}, err
	}
	var page Page[domain.Decision]
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		page.NextCursor = Cursor{TS: last.CreatedAt, ID: last.ID}.String()
	}
	page.Items = items
	return page, nil
}

// GetDecision loads one decision by id.
func (l Ledger) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+decisionColumns+` FROM policy_decisions WHERE id=?`, id)
	if err != nil {
		return domain.Decision{}, err
	}
	items, err := scanDecisions(rows)
	if err != nil {
		return domain.Decision{}, err
	}
	if len(items) == 0 {
		return domain.Decision{}, ErrNotFound
	}
	return items[0], nil
}

func scanDecisions(rows *sql.Rows) ([]domain.Decision, error) {
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var effect, code, actionType string
		var version, key, keyHash, ctxJSON, issueID, requestID, nextAllowed sql.NullString
		if err := rows.Scan(&d.ID, &effect, &d.Reason, &code, &version, &actionType, &d.Environment, &key, &keyHash, &ctxJSON, &issueID, &requestID, &d.ActorID, &nextAllowed, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Effect = domain.Effect(effect)
		d.ReasonCode = domain.ReasonCode(code)
		d.ActionType = domain.ActionType(actionType)
		d.LawbookVersion = version.String
		d.IdempotencyKey = key.String
		d.Fingerprint = keyHash.String
		d.IssueID = issueID.String
		d.RequestID = requestID.String
		d.NextAllowedAt = nextAllowed.String
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &d.Context); err != nil {
				return nil, fmt.Errorf("decision %s context: %w", d.ID, err)
			}
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LastAllowed returns the timestamp of the most recent ALLOW for the key,
// or "" when there is none.
func (l Ledger) LastAllowed(ctx context.Context, q Queryer, actionType domain.ActionType, keyHash string) (string, error) {
	var ts sql.NullString
	err := q.QueryRowContext(ctx, `SELECT MAX(created_at) FROM policy_decisions WHERE action_type=? AND key_hash=? AND effect='ALLOW'`,
		string(actionType), keyHash).Scan(&ts)
	if err != nil {
		return "", err
	}
	return ts.String, nil
}

// AllowedSince counts ALLOW decisions for the key strictly after since and
// returns the oldest of them.
func (l Ledger) AllowedSince(ctx context.Context, q Queryer, actionType domain.ActionType, keyHash, since string) (int, string, error) {
	var count int
	var oldest sql.NullString
	err := q.QueryRowContext(ctx, `SELECT COUNT(*), MIN(created_at) FROM policy_decisions WHERE action_type=? AND key_hash=? AND effect='ALLOW' AND created_at > ?`,
		string(actionType), keyHash, since).Scan(&count, &oldest)
	if err != nil {
		return 0, "", err
	}
	return count, oldest.String, nil
}

// ListEvents returns events in id order.
func (l Ledger) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	limit := pageSize(f.Limit)
	var q query
	q.eq("type", f.Type)
	q.eq("entity_kind", f.EntityKind)
	q.eq("entity_id", f.EntityID)
	if f.AfterID > 0 {
		q.clauses = append(q.clauses, "id>?")
		q.args = append(q.args, f.AfterID)
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`+q.where()+` ORDER BY id ASC LIMIT ?`, append(q.args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the newest event id, 0 when empty.
func (l Ledger) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
