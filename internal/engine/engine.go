package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lawline/internal/config"
	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/executor"
	"lawline/internal/keylock"
	"lawline/internal/lawbook"
	"lawline/internal/ledger"
	"lawline/internal/policy"
	"lawline/internal/repo"
	"lawline/internal/telemetry"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Ledger      ledger.Ledger
	Policies    *policy.Store
	Evaluator   *policy.Evaluator
	Config      *config.Config
	Steps       executor.StepExecutor
	Effects     executor.Effector
	Now         func() time.Time
	Logger      *slog.Logger
	Instruments *telemetry.Instruments

	issueLocks *keylock.Set
}

// New wires an engine over an opened, migrated database. Step and effect
// commands come from cfg. A nil now uses time.Now.
func New(conn *sql.DB, cfg *config.Config, now func() time.Time) Engine {
	if now == nil {
		now = time.Now
	}
	if cfg == nil {
		cfg = config.Default()
	}
	l := ledger.Ledger{DB: conn, Now: now}
	store := policy.NewStore(conn, l, now)
	cmd := executor.Command{Steps: cfg.StepCommands(), Effects: cfg.EffectCommands()}
	return Engine{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Ledger:     l,
		Policies:   store,
		Evaluator:  policy.NewEvaluator(conn, store, l, now),
		Config:     cfg,
		Steps:      cmd,
		Effects:    cmd,
		Now:        now,
		Logger:     slog.Default(),
		issueLocks: &keylock.Set{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) environment(override string) string {
	if override != "" {
		return override
	}
	if e.Config != nil {
		return e.Config.Environment
	}
	return ""
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ID          string
	Title       string
	ExternalRef string
	Evidence    []string
	ActorID     string
	RequestID   string
}

// CreateIssue stores a new issue in CREATED together with its intake (S1)
// outcome.
func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if opts.ActorID == "" {
		return domain.Issue{}, errors.New("actor is required")
	}
	id := opts.ID
	if id == "" {
		id = "iss-" + newID()
	}
	now := domain.FormatTime(e.now())
	is := domain.Issue{
		ID:          id,
		Title:       opts.Title,
		State:       domain.StateCreated,
		LastVerdict: domain.VerdictGreen,
		ExternalRef: opts.ExternalRef,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	intake := domain.StepOutcome{
		ID:           newID(),
		IssueID:      id,
		Step:         domain.StepIntake,
		Verdict:      domain.VerdictGreen,
		Action:       domain.ActionAdvance,
		ToState:      domain.StateCreated,
		EvidenceRefs: opts.Evidence,
		RunID:        newID(),
		RequestID:    opts.RequestID,
		ActorID:      opts.ActorID,
		CreatedAt:    now,
	}
	err := db.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.Repo.InsertIssue(ctx, tx, is); err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		if err := e.Ledger.AppendOutcome(ctx, tx, intake); err != nil {
			return err
		}
		return e.Ledger.AppendEvent(ctx, tx, "issue.created", "issue", id, opts.ActorID, ledger.EventPayload{
			"title":      is.Title,
			"state":      is.State,
			"outcome_id": intake.ID,
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	is.History = []domain.StepOutcome{intake}
	return is, nil
}

// GetIssue loads an issue with its step history.
func (e Engine) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	is, err := e.Repo.GetIssue(ctx, id)
	if err != nil {
		return is, err
	}
	is.History, err = e.Ledger.IssueHistory(ctx, id)
	return is, err
}

func (e Engine) ListIssues(ctx context.Context, f repo.IssueFilters) ([]domain.Issue, error) {
	return e.Repo.ListIssues(ctx, f)
}

// EvaluatePolicy is the standalone policy check for automation surfaces
// that are not lifecycle steps.
func (e Engine) EvaluatePolicy(ctx context.Context, req policy.Request) (domain.Decision, error) {
	req.Environment = e.environment(req.Environment)
	return e.Evaluator.Evaluate(ctx, req)
}

// PublishLawbook stores lb as an immutable version and optionally activates
// it. created is false when identical content was already published.
func (e Engine) PublishLawbook(ctx context.Context, lb *lawbook.Lawbook, actorID, source string, activate bool) (domain.LawbookVersion, bool, error) {
	meta, created, err := e.Policies.Publish(ctx, lb, actorID, source)
	if err != nil || !activate {
		return meta, created, err
	}
	if _, err := e.Policies.Activate(ctx, meta.ID, actorID); err != nil {
		return meta, created, err
	}
	meta.Active = true
	return meta, created, nil
}

// ActivatePolicyVersion swaps the active lawbook. It reports false when the
// version was already active.
func (e Engine) ActivatePolicyVersion(ctx context.Context, versionID, actorID string) (bool, error) {
	return e.Policies.Activate(ctx, versionID, actorID)
}

// ApprovalOptions identify the action being approved either directly by
// fingerprint or by the context it will be requested with.
type ApprovalOptions struct {
	ActionType  domain.ActionType
	Fingerprint string
	Context     map[string]string
	Environment string
	ApproverID  string
	Note        string
	TTL         time.Duration
}

// GrantApproval records a human approval for one action fingerprint.
func (e Engine) GrantApproval(ctx context.Context, opts ApprovalOptions) (domain.Approval, error) {
	if opts.ActionType == "" {
		return domain.Approval{}, errors.New("action type is required")
	}
	if opts.ApproverID == "" {
		return domain.Approval{}, errors.New("approver is required")
	}
	fp := opts.Fingerprint
	if fp == "" {
		key, err := policy.Key(e.Policies.Active(), policy.Request{
			ActionType:  opts.ActionType,
			Context:     opts.Context,
			Environment: e.environment(opts.Environment),
		})
		if err != nil {
			return domain.Approval{}, fmt.Errorf("compute fingerprint: %w", err)
		}
		fp = key.Hash.String()
	}
	now := e.now()
	a := domain.Approval{
		ID:          newID(),
		ActionType:  opts.ActionType,
		Fingerprint: fp,
		ApproverID:  opts.ApproverID,
		Note:        opts.Note,
		CreatedAt:   domain.FormatTime(now),
	}
	if opts.TTL > 0 {
		a.ExpiresAt = domain.FormatTime(now.Add(opts.TTL))
	}
	err := db.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return e.Ledger.AppendEvent(ctx, tx, "approval.granted", "approval", a.ID, a.ApproverID, ledger.EventPayload{
			"action_type": a.ActionType,
			"fingerprint": a.Fingerprint,
			"expires_at":  a.ExpiresAt,
		})
	})
	if err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}
