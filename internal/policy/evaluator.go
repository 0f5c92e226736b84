package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/fingerprint"
	"lawline/internal/keylock"
	"lawline/internal/ledger"
	"lawline/internal/repo"
	"lawline/internal/telemetry"
)

// EnvironmentField is the context field that always carries the target
// environment, so key templates can include it.
const EnvironmentField = "environment"

const (
	reasonAllowed          = "allowed"
	reasonNoActivePolicy   = "no active policy"
	reasonNoRule           = "no rule for action type"
	reasonEnvironment      = "environment not allowed"
	reasonApprovalRequired = "approval required"
	reasonCooldown         = "cooldown active"
	reasonRateLimited      = "rate limit exceeded"
	reasonEvaluationError  = "evaluation error"
)

type Request struct {
	ActionType  domain.ActionType
	Context     map[string]string
	Environment string
	IssueID     string
	ActorID     string
	RequestID   string
}

// Evaluator decides ALLOW or DENY for an action request. Every decision,
// including denials, is persisted before it is returned.
type Evaluator struct {
	DB          *sql.DB
	Store       *Store
	Repo        repo.Repo
	Ledger      ledger.Ledger
	Now         func() time.Time
	Logger      *slog.Logger
	Instruments *telemetry.Instruments

	locks keylock.Set
}

func NewEvaluator(conn *sql.DB, store *Store, l ledger.Ledger, now func() time.Time) *Evaluator {
	return &Evaluator{
		DB:     conn,
		Store:  store,
		Repo:   repo.Repo{DB: conn},
		Ledger: l,
		Now:    now,
		Logger: slog.Default(),
	}
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Evaluate never returns ALLOW together with an error. When the decision
// cannot be persisted the returned error wraps domain.ErrLedgerWrite and the
// decision is a DENY.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (domain.Decision, error) {
	started := time.Now()
	ctx, span := e.Instruments.Start(ctx, "policy.evaluate",
		attribute.String("action_type", string(req.ActionType)),
		attribute.String("environment", req.Environment),
	)

	unlock := e.locks.Lock(e.lockKey(req))
	defer unlock()

	var d domain.Decision
	err := db.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		d = e.decide(ctx, tx, req)
		return e.Ledger.AppendDecision(ctx, tx, d)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrLedgerWrite) {
			err = fmt.Errorf("%w: persist decision: %w", domain.ErrLedgerWrite, err)
		}
		if d.Effect == domain.EffectAllow {
			d = deny(d, domain.ReasonEvaluationError, reasonEvaluationError)
		}
	}
	e.Instruments.RecordDecision(ctx, string(req.ActionType), string(d.Effect), string(d.ReasonCode), started)
	e.Instruments.Finish(ctx, span, err)
	return d, err
}

// lockKey serializes evaluations of one idempotency key inside this process.
// The immediate transaction does the same across processes.
func (e *Evaluator) lockKey(req Request) string {
	key, err := Key(e.Store.Active(), req)
	if err != nil {
		return string(req.ActionType)
	}
	return string(req.ActionType) + "|" + key.Hash.String()
}

// Key computes the idempotency key req gets under v. The approval
// fingerprint for req is its Hash.
func Key(v *Version, req Request) (fingerprint.Key, error) {
	if v == nil {
		return fingerprint.Key{}, errors.New("no active policy")
	}
	rule, ok := v.Lawbook.Rule(req.ActionType)
	if !ok {
		return fingerprint.Key{}, fmt.Errorf("no rule for action type %s", req.ActionType)
	}
	return fingerprint.IdempotencyKey(string(req.ActionType), rule.IdempotencyKey, withEnvironment(req.Context, req.Environment))
}

func withEnvironment(in map[string]string, env string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out[EnvironmentField] = env
	return out
}

func deny(d domain.Decision, code domain.ReasonCode, reason string) domain.Decision {
	d.Effect = domain.EffectDeny
	d.ReasonCode = code
	d.Reason = reason
	return d
}

// decide runs the checks in order and stops at the first denial.
func (e *Evaluator) decide(ctx context.Context, tx *sql.Tx, req Request) domain.Decision {
	now := e.now()
	d := domain.Decision{
		ID:          newID(),
		ActionType:  req.ActionType,
		Environment: req.Environment,
		Context:     withEnvironment(req.Context, req.Environment),
		IssueID:     req.IssueID,
		RequestID:   req.RequestID,
		ActorID:     req.ActorID,
		CreatedAt:   domain.FormatTime(now),
	}

	// 1. active lawbook
	v, err := e.Store.activeIn(ctx, tx)
	if err != nil {
		return e.evalError(d, err)
	}
	if v == nil {
		return deny(d, domain.ReasonNoActivePolicy, reasonNoActivePolicy)
	}
	d.LawbookVersion = v.ID

	// 2. rule
	rule, ok := v.Lawbook.Rule(req.ActionType)
	if !ok {
		e.logger().Warn("policy misconfigured: no rule", "action_type", req.ActionType, "lawbook", v.ID)
		return deny(d, domain.ReasonNoRule, reasonNoRule)
	}
	if err := rule.Check(); err != nil {
		return e.misconfigured(d, v, err)
	}

	// 3. environment
	if !rule.AllowsEnvironment(req.Environment) {
		return deny(d, domain.ReasonEnvironment, reasonEnvironment)
	}

	// The key doubles as the approval fingerprint.
	key, err := fingerprint.IdempotencyKey(string(req.ActionType), rule.IdempotencyKey, d.Context)
	if err != nil {
		var missing *fingerprint.MissingFieldError
		if errors.As(err, &missing) {
			return deny(d, domain.ReasonMissingField, fmt.Sprintf("missing context field %q", missing.Field))
		}
		return e.misconfigured(d, v, err)
	}
	d.IdempotencyKey = key.Text
	d.Fingerprint = key.Hash.String()

	// 4. approval
	if rule.RequireApproval {
		_, err := e.Repo.ActiveApproval(ctx, tx, req.ActionType, d.Fingerprint, d.CreatedAt)
		if errors.Is(err, repo.ErrNotFound) {
			return deny(d, domain.ReasonApprovalRequired, reasonApprovalRequired)
		}
		if err != nil {
			return e.evalError(d, err)
		}
	}

	// 5. cooldown, then sliding-window rate limit
	if rule.CooldownSeconds > 0 {
		last, err := e.Ledger.LastAllowed(ctx, tx, req.ActionType, d.Fingerprint)
		if err != nil {
			return e.evalError(d, err)
		}
		if last != "" {
			lastAt, err := domain.ParseTime(last)
			if err != nil {
				return e.evalError(d, err)
			}
			until := lastAt.Add(time.Duration(rule.CooldownSeconds) * time.Second)
			if now.Before(until) {
				d.NextAllowedAt = domain.FormatTime(until)
				return deny(d, domain.ReasonCooldown, reasonCooldown)
			}
		}
	}
	if rule.MaxRunsPerWindow > 0 {
		window := time.Duration(rule.WindowSeconds) * time.Second
		count, oldest, err := e.Ledger.AllowedSince(ctx, tx, req.ActionType, d.Fingerprint, domain.FormatTime(now.Add(-window)))
		if err != nil {
			return e.evalError(d, err)
		}
		if int64(count) >= rule.MaxRunsPerWindow {
			if oldestAt, err := domain.ParseTime(oldest); err == nil {
				d.NextAllowedAt = domain.FormatTime(oldestAt.Add(window))
			}
			return deny(d, domain.ReasonRateLimited, reasonRateLimited)
		}
	}

	// 6. allow
	d.Effect = domain.EffectAllow
	d.ReasonCode = domain.ReasonAllowed
	d.Reason = reasonAllowed
	return d
}

func (e *Evaluator) misconfigured(d domain.Decision, v *Version, err error) domain.Decision {
	err = fmt.Errorf("%w: rule %s: %w", domain.ErrPolicyMisconfigured, d.ActionType, err)
	e.logger().Warn("policy misconfigured", "action_type", d.ActionType, "lawbook", v.ID, "error", err)
	return deny(d, domain.ReasonMisconfigured, err.Error())
}

func (e *Evaluator) evalError(d domain.Decision, err error) domain.Decision {
	e.logger().Error("policy evaluation failed", "action_type", d.ActionType, "error", err)
	return deny(d, domain.ReasonEvaluationError, reasonEvaluationError)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
