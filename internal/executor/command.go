package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"lawline/internal/domain"
)

// ExitRetry is the exit status a step command uses to ask for a retry.
const ExitRetry = 75

// Command runs external programs through "sh -c". A step command reports
// its verdict either as a JSON StepResult on stdout or through its exit
// status: 0 is GREEN, ExitRetry is RETRY, anything else is RED.
type Command struct {
	// Steps maps a step to its command line. Steps without one are GREEN.
	Steps map[domain.StepID]string
	// Effects maps an action type to its command line. Action types without
	// one succeed without running anything.
	Effects map[domain.ActionType]string
	Dir     string
	Shell   string
}

func (c Command) shell() string {
	if c.Shell != "" {
		return c.Shell
	}
	return "sh"
}

func (c Command) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	line := strings.TrimSpace(c.Steps[req.Step])
	if line == "" {
		return StepResult{Verdict: domain.VerdictGreen}, ctx.Err()
	}
	env := map[string]string{
		"LAWLINE_ISSUE_ID":     req.IssueID,
		"LAWLINE_STEP":         string(req.Step),
		"LAWLINE_STATE":        string(req.State),
		"LAWLINE_ATTEMPT":      strconv.Itoa(req.Attempt),
		"LAWLINE_EXTERNAL_REF": req.ExternalRef,
		"LAWLINE_RUN_ID":       req.RunID,
		"LAWLINE_ENVIRONMENT":  req.Environment,
	}
	for k, v := range req.Context {
		env["LAWLINE_CTX_"+envName(k)] = v
	}
	stdout, code, err := c.run(ctx, line, env)
	if err != nil {
		return StepResult{}, err
	}
	if out := bytes.TrimSpace(stdout); len(out) > 0 && out[0] == '{' {
		var res StepResult
		if err := json.Unmarshal(out, &res); err != nil {
			return StepResult{}, fmt.Errorf("step %s output: %w", req.Step, err)
		}
		if !res.Verdict.Valid() {
			return StepResult{}, fmt.Errorf("step %s output: %w: missing verdict", req.Step, domain.ErrInvalidVerdict)
		}
		return res, nil
	}
	switch code {
	case 0:
		return StepResult{Verdict: domain.VerdictGreen}, nil
	case ExitRetry:
		return StepResult{Verdict: domain.VerdictRetry, Reason: "step requested retry"}, nil
	default:
		return StepResult{Verdict: domain.VerdictRed, Reason: fmt.Sprintf("step command exited %d", code)}, nil
	}
}

func (c Command) Apply(ctx context.Context, req EffectRequest) error {
	line := strings.TrimSpace(c.Effects[req.ActionType])
	if line == "" {
		return ctx.Err()
	}
	env := map[string]string{
		"LAWLINE_ACTION_TYPE":     string(req.ActionType),
		"LAWLINE_ISSUE_ID":        req.IssueID,
		"LAWLINE_ENVIRONMENT":     req.Environment,
		"LAWLINE_DECISION_ID":     req.DecisionID,
		"LAWLINE_IDEMPOTENCY_KEY": req.IdempotencyKey,
	}
	for k, v := range req.Context {
		env["LAWLINE_CTX_"+envName(k)] = v
	}
	_, code, err := c.run(ctx, line, env)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s command exited %d", req.ActionType, code)
	}
	return nil
}

// run returns stdout and the exit status. Failing to start, or being
// cancelled, is an error; a non-zero exit is not.
func (c Command) run(ctx context.Context, line string, env map[string]string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, c.shell(), "-c", line)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, 0, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("run %q: %w", line, err)
	}
	return stdout.Bytes(), 0, nil
}

func envName(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
