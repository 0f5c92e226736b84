// Package executor contains the collaborators the lifecycle engine calls
// out to: step executors that produce verdicts and effectors that perform
// authorized automation actions.
package executor

import (
	"context"

	"lawline/internal/domain"
)

type StepRequest struct {
	IssueID     string
	Step        domain.StepID
	State       domain.State
	Attempt     int
	ExternalRef string
	RunID       string
	Environment string
	Context     map[string]string
}

type StepResult struct {
	Verdict  domain.Verdict `json:"verdict"`
	Evidence []string       `json:"evidence,omitempty"`
	// ExternalRef, when set, replaces the issue's external reference.
	ExternalRef string `json:"external_ref,omitempty"`
	// Context is merged into the action context used for policy checks.
	Context map[string]string `json:"context,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// StepExecutor runs one lifecycle step. Returning an error wrapping
// context.Canceled marks the attempt as cancelled.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

type EffectRequest struct {
	ActionType     domain.ActionType
	IssueID        string
	Environment    string
	DecisionID     string
	IdempotencyKey string
	Context        map[string]string
}

// Effector performs an action the policy evaluator allowed.
type Effector interface {
	Apply(ctx context.Context, req EffectRequest) error
}

// Fixed returns the same verdict for every step.
type Fixed struct {
	Verdict  domain.Verdict
	Evidence []string
	Context  map[string]string
}

func (f Fixed) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	return StepResult{Verdict: f.Verdict, Evidence: f.Evidence, Context: f.Context}, nil
}

// StepFunc adapts a function to StepExecutor.
type StepFunc func(ctx context.Context, req StepRequest) (StepResult, error)

func (f StepFunc) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// Noop accepts every effect.
type Noop struct{}

func (Noop) Apply(context.Context, EffectRequest) error { return nil }

// EffectFunc adapts a function to Effector.
type EffectFunc func(ctx context.Context, req EffectRequest) error

func (f EffectFunc) Apply(ctx context.Context, req EffectRequest) error {
	return f(ctx, req)
}
