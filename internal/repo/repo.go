package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"lawline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const issueColumns = `id,title,state,held_from,last_verdict,external_ref,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var is domain.Issue
	var state string
	var heldFrom, verdict, ref sql.NullString
	err := row.Scan(&is.ID, &is.Title, &state, &heldFrom, &verdict, &ref, &is.Version, &is.CreatedAt, &is.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	is.State = domain.State(state)
	is.HeldFrom = domain.State(heldFrom.String)
	is.ExternalRef = ref.String
	if verdict.Valid && verdict.String != "" {
		v, err := domain.ParseVerdict(verdict.String)
		if err != nil {
			return is, err
		}
		is.LastVerdict = v
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,title,state,held_from,last_verdict,external_ref,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		is.ID, is.Title, string(is.State), nullable(string(is.HeldFrom)), verdictValue(is.LastVerdict), nullable(is.ExternalRef), is.Version, is.CreatedAt, is.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return r.GetIssueTx(ctx, r.DB, id)
}

func (r Repo) GetIssueTx(ctx context.Context, q Queryer, id string) (domain.Issue, error) {
	return scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// UpdateIssue writes state fields and bumps the version, provided the stored
// version still equals is.Version. A stale version yields
// domain.ErrConcurrentModification.
func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) (domain.Issue, error) {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET state=?,held_from=?,last_verdict=?,external_ref=?,version=version+1,updated_at=? WHERE id=? AND version=?`,
		string(is.State), nullable(string(is.HeldFrom)), verdictValue(is.LastVerdict), nullable(is.ExternalRef), is.UpdatedAt, is.ID, is.Version)
	if err != nil {
		return is, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return is, err
	}
	if affected == 0 {
		if _, err := r.GetIssueTx(ctx, tx, is.ID); errors.Is(err, ErrNotFound) {
			return is, ErrNotFound
		}
		return is, domain.ErrConcurrentModification
	}
	is.Version++
	return is, nil
}

type IssueFilters struct {
	State           domain.State
	CursorCreatedAt string
	CursorID        string
	Limit           int
}

// ListIssues returns issues newest first.
func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// RetryCount returns the retry counter for a step, 0 if never retried.
func (r Repo) RetryCount(ctx context.Context, q Queryer, issueID string, step domain.StepID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count FROM step_retries WHERE issue_id=? AND step=?`, issueID, string(step)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// IncrementRetry bumps the counter and returns its new value.
func (r Repo) IncrementRetry(ctx context.Context, tx *sql.Tx, issueID string, step domain.StepID, now string) (int, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO step_retries(issue_id,step,count,updated_at) VALUES (?,?,1,?)
ON CONFLICT(issue_id,step) DO UPDATE SET count=count+1, updated_at=excluded.updated_at`, issueID, string(step), now); err != nil {
		return 0, err
	}
	return r.RetryCount(ctx, tx, issueID, step)
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,action_type,fingerprint,approver_id,note,expires_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, string(a.ActionType), a.Fingerprint, a.ApproverID, nullable(a.Note), nullable(a.ExpiresAt), a.CreatedAt)
	return err
}

// ActiveApproval returns the newest approval for the fingerprint that has not
// expired at now.
func (r Repo) ActiveApproval(ctx context.Context, q Queryer, actionType domain.ActionType, fingerprint, now string) (domain.Approval, error) {
	var a domain.Approval
	var at string
	var note, expires sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,action_type,fingerprint,approver_id,note,expires_at,created_at FROM approvals
WHERE action_type=? AND fingerprint=? AND (expires_at IS NULL OR expires_at > ?)
ORDER BY created_at DESC, id DESC LIMIT 1`, string(actionType), fingerprint, now).Scan(&a.ID, &at, &a.Fingerprint, &a.ApproverID, &note, &expires, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ActionType = domain.ActionType(at)
	a.Note = note.String
	a.ExpiresAt = expires.String
	return a, nil
}

func (r Repo) ListApprovals(ctx context.Context, fingerprint string) ([]domain.Approval, error) {
	query := `SELECT id,action_type,fingerprint,approver_id,note,expires_at,created_at FROM approvals`
	var args []any
	if fingerprint != "" {
		query += ` WHERE fingerprint=?`
		args = append(args, fingerprint)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var at string
		var note, expires sql.NullString
		if err := rows.Scan(&a.ID, &at, &a.Fingerprint, &a.ApproverID, &note, &expires, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ActionType = domain.ActionType(at)
		a.Note = note.String
		a.ExpiresAt = expires.String
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func verdictValue(v domain.Verdict) any {
	if !v.Valid() {
		return nil
	}
	return v.String()
}
