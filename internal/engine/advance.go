package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/executor"
	"lawline/internal/ledger"
	"lawline/internal/lifecycle"
	"lawline/internal/policy"
)

type AdvanceRequest struct {
	IssueID     string
	Step        domain.StepID
	ActorID     string
	RequestID   string
	Environment string
	// Context is passed to the step and, merged with the step's own
	// context, to the policy gate.
	Context map[string]string
	// Executor overrides Engine.Steps for this call.
	Executor executor.StepExecutor
}

// AdvanceResult reports one attempt. Issue is the stored issue after the
// attempt, including when an error is returned after a partial commit.
type AdvanceResult struct {
	Issue    domain.Issue       `json:"issue"`
	Outcome  domain.StepOutcome `json:"outcome"`
	Decision *domain.Decision   `json:"decision,omitempty"`
	Verdict  domain.Verdict     `json:"verdict"`
	Action   domain.Action      `json:"action"`
	Blocked  bool               `json:"blocked"`
	Reason   string             `json:"reason,omitempty"`
}

// attempt carries one Advance call through its phases.
type attempt struct {
	issue   domain.Issue
	req     AdvanceRequest
	result  executor.StepResult
	action  domain.Action
	env     string
	context map[string]string
	runID   string
	number  int
}

// change is what a commit writes for an attempt.
type change struct {
	to       domain.State
	heldFrom domain.State
	blocked  bool
	reason   string
	decision *domain.Decision
	retry    bool
}

// Advance runs the designated step for an issue and applies the resulting
// verdict. Each call writes exactly one step outcome once the step has
// produced a verdict. A policy denial is reported through
// AdvanceResult.Blocked, not as an error.
func (e Engine) Advance(ctx context.Context, req AdvanceRequest) (res AdvanceResult, err error) {
	ctx, span := e.Instruments.Start(ctx, "lifecycle.advance",
		attribute.String("issue_id", req.IssueID),
		attribute.String("step", string(req.Step)),
	)
	defer func() { e.Instruments.Finish(ctx, span, err) }()

	if req.ActorID == "" {
		return res, errors.New("actor is required")
	}
	if !req.Step.Valid() {
		return res, fmt.Errorf("unknown step %q", req.Step)
	}
	unlock, ok := e.issueLocks.TryLock(req.IssueID)
	if !ok {
		return res, fmt.Errorf("%w: issue %s has an advance in progress", domain.ErrConcurrentModification, req.IssueID)
	}
	defer unlock()

	is, err := e.Repo.GetIssue(ctx, req.IssueID)
	if err != nil {
		return res, err
	}
	res.Issue = is
	expected, ok := lifecycle.DesignatedStep(is.State, is.HeldFrom)
	if !ok || expected != req.Step {
		return res, &domain.TransitionError{IssueID: is.ID, State: is.State, Step: req.Step, Expected: expected}
	}

	retries, err := e.Repo.RetryCount(ctx, e.DB, is.ID, req.Step)
	if err != nil {
		return res, err
	}
	at := &attempt{
		issue:  is,
		req:    req,
		env:    e.environment(req.Environment),
		runID:  newID(),
		number: retries + 1,
	}

	steps := req.Executor
	if steps == nil {
		steps = e.Steps
	}
	result, err := steps.Execute(ctx, executor.StepRequest{
		IssueID:     is.ID,
		Step:        req.Step,
		State:       is.State,
		Attempt:     at.number,
		ExternalRef: is.ExternalRef,
		RunID:       at.runID,
		Environment: at.env,
		Context:     req.Context,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s on issue %s: %w", domain.ErrStepFailed, req.Step, is.ID, err)
		}
		// A cancelled step is retried later; its outcome is still recorded.
		result = executor.StepResult{Verdict: domain.VerdictRetry, Reason: "step cancelled: " + err.Error()}
		ctx = context.WithoutCancel(ctx)
	}
	if !result.Verdict.Valid() {
		return res, fmt.Errorf("%w: step %s returned %s", domain.ErrInvalidVerdict, req.Step, result.Verdict)
	}
	at.result = result
	at.action = lifecycle.MapVerdict(result.Verdict)
	at.context = mergeContext(req.Context, result.Context)
	res.Verdict = result.Verdict
	res.Action = at.action

	switch at.action {
	case domain.ActionAbort:
		err = e.commit(ctx, at, change{to: domain.StateKilled, reason: result.Reason}, &res)
	case domain.ActionFreeze:
		heldFrom := is.State
		if is.State == domain.StateHold {
			heldFrom = is.HeldFrom
		}
		err = e.commit(ctx, at, change{to: domain.StateHold, heldFrom: heldFrom, reason: result.Reason}, &res)
	case domain.ActionRetry:
		err = e.retry(ctx, at, &res)
	case domain.ActionAdvance:
		err = e.advance(ctx, at, &res)
	}
	e.Instruments.RecordAdvance(ctx, string(req.Step), string(at.action), res.Blocked)
	if err == nil {
		e.logger().Info("step applied",
			"issue_id", is.ID,
			"step", req.Step,
			"verdict", result.Verdict,
			"from", is.State,
			"to", res.Issue.State,
			"blocked", res.Blocked,
		)
	}
	return res, err
}

// stay keeps the issue where it is, frozen issues included.
func stay(at *attempt) change {
	return change{to: at.issue.State, heldFrom: at.issue.HeldFrom}
}

func (e Engine) retry(ctx context.Context, at *attempt, res *AdvanceResult) error {
	c := stay(at)
	c.reason = at.result.Reason
	gate := e.Config.RetryGate(at.req.Step)
	if gate == "" {
		c.retry = true
		return e.commit(ctx, at, c, res)
	}
	d, err := e.gate(ctx, at, gate)
	if err != nil {
		return err
	}
	c.decision = &d
	if !d.Allowed() {
		c.blocked = true
		c.reason = d.Reason
		return e.commit(ctx, at, c, res)
	}
	c.retry = true
	if err := e.commit(ctx, at, c, res); err != nil {
		return err
	}
	return e.apply(ctx, at, d)
}

func (e Engine) advance(ctx context.Context, at *attempt, res *AdvanceResult) error {
	effective := at.issue.State
	if effective == domain.StateHold {
		effective = at.issue.HeldFrom
	}
	next, ok := lifecycle.Next(effective)
	if !ok {
		return &domain.TransitionError{IssueID: at.issue.ID, State: at.issue.State, Step: at.req.Step}
	}

	var d *domain.Decision
	if gate := e.Config.Gate(at.req.Step); gate != "" {
		decision, err := e.gate(ctx, at, gate)
		if err != nil {
			return err
		}
		d = &decision
		if !decision.Allowed() {
			c := stay(at)
			c.blocked = true
			c.reason = decision.Reason
			c.decision = d
			return e.commit(ctx, at, c, res)
		}
	}

	if effective != domain.StateReviewReady && effective != domain.StateVerified {
		if err := e.commit(ctx, at, change{to: next, reason: at.result.Reason, decision: d}, res); err != nil {
			return err
		}
		if d != nil {
			return e.apply(ctx, at, *d)
		}
		return nil
	}

	// Verification: the attempt is recorded as reaching VERIFIED, the
	// authorized effect runs, then the issue is closed out as DONE.
	if err := e.commit(ctx, at, change{to: domain.StateVerified, reason: at.result.Reason, decision: d}, res); err != nil {
		return err
	}
	if d != nil {
		if err := e.apply(ctx, at, *d); err != nil {
			return err
		}
	}
	return e.complete(ctx, at, res)
}

func (e Engine) gate(ctx context.Context, at *attempt, actionType domain.ActionType) (domain.Decision, error) {
	return e.Evaluator.Evaluate(ctx, policy.Request{
		ActionType:  actionType,
		Context:     at.context,
		Environment: at.env,
		IssueID:     at.issue.ID,
		ActorID:     at.req.ActorID,
		RequestID:   at.req.RequestID,
	})
}

func (e Engine) apply(ctx context.Context, at *attempt, d domain.Decision) error {
	if e.Effects == nil {
		return nil
	}
	err := e.Effects.Apply(ctx, executor.EffectRequest{
		ActionType:     d.ActionType,
		IssueID:        at.issue.ID,
		Environment:    at.env,
		DecisionID:     d.ID,
		IdempotencyKey: d.IdempotencyKey,
		Context:        at.context,
	})
	if err != nil {
		e.logger().Warn("effect failed", "issue_id", at.issue.ID, "action_type", d.ActionType, "decision_id", d.ID, "error", err)
		return fmt.Errorf("%w: %s: %w", domain.ErrEffectFailed, d.ActionType, err)
	}
	return nil
}

// commit writes the issue update, the attempt's outcome and, when the state
// moves, a transition event in one transaction.
func (e Engine) commit(ctx context.Context, at *attempt, c change, res *AdvanceResult) error {
	now := domain.FormatTime(e.now())
	from := at.issue
	next := from
	next.State = c.to
	next.HeldFrom = c.heldFrom
	next.LastVerdict = at.result.Verdict
	if at.result.ExternalRef != "" {
		next.ExternalRef = at.result.ExternalRef
	}
	next.UpdatedAt = now
	next.History = nil

	o := domain.StepOutcome{
		ID:           newID(),
		IssueID:      from.ID,
		Step:         at.req.Step,
		Verdict:      at.result.Verdict,
		Action:       at.action,
		FromState:    from.State,
		ToState:      c.to,
		Blocked:      c.blocked,
		Reason:       c.reason,
		EvidenceRefs: at.result.Evidence,
		RunID:        at.runID,
		RequestID:    at.req.RequestID,
		ActorID:      at.req.ActorID,
		Attempt:      at.number,
		CreatedAt:    now,
	}
	if c.decision != nil {
		o.DecisionID = c.decision.ID
	}

	var stored domain.Issue
	err := db.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		updated, err := e.Repo.UpdateIssue(ctx, tx, next)
		if err != nil {
			return err
		}
		if c.retry {
			if _, err := e.Repo.IncrementRetry(ctx, tx, from.ID, at.req.Step, now); err != nil {
				return fmt.Errorf("increment retry: %w", err)
			}
		}
		if err := e.Ledger.AppendOutcome(ctx, tx, o); err != nil {
			return err
		}
		if c.to != from.State {
			if err := e.Ledger.AppendEvent(ctx, tx, "issue.transitioned", "issue", from.ID, at.req.ActorID, ledger.EventPayload{
				"from":        from.State,
				"to":          c.to,
				"step":        at.req.Step,
				"verdict":     at.result.Verdict,
				"outcome_id":  o.ID,
				"decision_id": o.DecisionID,
			}); err != nil {
				return err
			}
		}
		stored = updated
		return nil
	})
	if err != nil {
		return err
	}
	at.issue = stored
	res.Issue = stored
	res.Outcome = o
	res.Decision = c.decision
	res.Blocked = c.blocked
	res.Reason = c.reason
	return nil
}

// complete moves a VERIFIED issue to DONE. The attempt's outcome was written
// when it reached VERIFIED, so only the transition event is added.
func (e Engine) complete(ctx context.Context, at *attempt, res *AdvanceResult) error {
	next := at.issue
	next.State = domain.StateDone
	next.HeldFrom = ""
	next.UpdatedAt = domain.FormatTime(e.now())

	var stored domain.Issue
	err := db.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		updated, err := e.Repo.UpdateIssue(ctx, tx, next)
		if err != nil {
			return err
		}
		if err := e.Ledger.AppendEvent(ctx, tx, "issue.transitioned", "issue", next.ID, at.req.ActorID, ledger.EventPayload{
			"from":        domain.StateVerified,
			"to":          domain.StateDone,
			"step":        at.req.Step,
			"verdict":     at.result.Verdict,
			"outcome_id":  res.Outcome.ID,
			"decision_id": res.Outcome.DecisionID,
		}); err != nil {
			return err
		}
		stored = updated
		return nil
	})
	if err != nil {
		return err
	}
	at.issue = stored
	res.Issue = stored
	return nil
}

func mergeContext(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
