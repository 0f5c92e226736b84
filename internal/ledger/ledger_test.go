package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/ledger"
	"lawline/internal/migrate"
	"lawline/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openLedger(t *testing.T) (*sql.DB, ledger.Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn, ledger.Ledger{DB: conn, Now: func() time.Time { return t0 }}
}

func insertIssue(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	ts := domain.FormatTime(t0)
	require.NoError(t, db.InTx(context.Background(), conn, func(tx *sql.Tx) error {
		return repo.Repo{DB: conn}.InsertIssue(context.Background(), tx, domain.Issue{
			ID: id, Title: id, State: domain.StateCreated, Version: 1, CreatedAt: ts, UpdatedAt: ts,
		})
	}))
}

func decision(i int, issueID string, effect domain.Effect) domain.Decision {
	return domain.Decision{
		ID:          fmt.Sprintf("dec-%02d", i),
		Effect:      effect,
		Reason:      "test",
		ReasonCode:  domain.ReasonAllowed,
		ActionType:  domain.ActionMergePR,
		Environment: "staging",
		Fingerprint: "blake3:abc",
		Context:     map[string]string{"repo": "acme/api"},
		IssueID:     issueID,
		ActorID:     "agent",
		CreatedAt:   domain.FormatTime(t0.Add(time.Duration(i) * time.Second)),
	}
}

func TestDecisionsPageOldestFirst(t *testing.T) {
	conn, l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, conn, func(tx *sql.Tx) error {
		for i := 1; i <= 5; i++ {
			effect := domain.EffectAllow
			if i%2 == 0 {
				effect = domain.EffectDeny
			}
			if err := l.AppendDecision(ctx, tx, decision(i, "iss-1", effect)); err != nil {
				return err
			}
		}
		return nil
	}))

	var seen []string
	cursor := ledger.Cursor{}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := l.ListDecisions(ctx, ledger.DecisionFilter{IssueID: "iss-1", Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, d := range page.Items {
			seen = append(seen, d.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor, err = ledger.ParseCursor(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"dec-01", "dec-02", "dec-03", "dec-04", "dec-05"}, seen)

	denied, err := l.ListDecisions(ctx, ledger.DecisionFilter{Effect: domain.EffectDeny})
	require.NoError(t, err)
	assert.Len(t, denied.Items, 2)

	got, err := l.GetDecision(ctx, "dec-03")
	require.NoError(t, err)
	assert.Equal(t, "acme/api", got.Context["repo"])
	assert.Equal(t, "blake3:abc", got.Fingerprint)

	_, err = l.GetDecision(ctx, "dec-99")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestAllowedWindowQueries(t *testing.T) {
	conn, l := openLedger(t)
	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, conn, func(tx *sql.Tx) error {
		for i, effect := range []domain.Effect{domain.EffectAllow, domain.EffectAllow, domain.EffectDeny} {
			if err := l.AppendDecision(ctx, tx, decision(i+1, "", effect)); err != nil {
				return err
			}
		}
		return nil
	}))

	last, err := l.LastAllowed(ctx, conn, domain.ActionMergePR, "blake3:abc")
	require.NoError(t, err)
	assert.Equal(t, domain.FormatTime(t0.Add(2*time.Second)), last)

	n, oldest, err := l.AllowedSince(ctx, conn, domain.ActionMergePR, "blake3:abc", domain.FormatTime(t0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.FormatTime(t0.Add(time.Second)), oldest)

	last, err = l.LastAllowed(ctx, conn, domain.ActionRerunChecks, "blake3:abc")
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestLedgerIsAppendOnly(t *testing.T) {
	conn, l := openLedger(t)
	ctx := context.Background()
	insertIssue(t, conn, "iss-1")
	require.NoError(t, db.InTx(ctx, conn, func(tx *sql.Tx) error {
		if err := l.AppendDecision(ctx, tx, decision(1, "iss-1", domain.EffectAllow)); err != nil {
			return err
		}
		return l.AppendOutcome(ctx, tx, domain.StepOutcome{
			ID: "out-1", IssueID: "iss-1", Step: domain.StepIntake, Verdict: domain.VerdictGreen,
			Action: domain.ActionAdvance, FromState: domain.StateCreated, ToState: domain.StateCreated,
			RunID: "run-1", ActorID: "agent", Attempt: 1, CreatedAt: domain.FormatTime(t0),
		})
	}))

	for _, stmt := range []string{
		`UPDATE step_outcomes SET verdict='RED' WHERE id='out-1'`,
		`DELETE FROM step_outcomes WHERE id='out-1'`,
		`UPDATE policy_decisions SET effect='DENY' WHERE id='dec-01'`,
		`DELETE FROM policy_decisions WHERE id='dec-01'`,
	} {
		_, err := conn.ExecContext(ctx, stmt)
		assert.Error(t, err, stmt)
	}

	history, err := l.IssueHistory(ctx, "iss-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.VerdictGreen, history[0].Verdict)
}

func TestAppendRejectsIncompleteEntries(t *testing.T) {
	conn, l := openLedger(t)
	ctx := context.Background()
	err := db.InTx(ctx, conn, func(tx *sql.Tx) error {
		return l.AppendDecision(ctx, tx, domain.Decision{Effect: domain.EffectAllow})
	})
	assert.True(t, errors.Is(err, domain.ErrLedgerWrite))
}

func TestEventsFollowCursor(t *testing.T) {
	conn, l := openLedger(t)
	ctx := context.Background()
	latest, err := l.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	require.NoError(t, db.InTx(ctx, conn, func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			if err := l.AppendEvent(ctx, tx, "issue.created", "issue", fmt.Sprintf("iss-%d", i), "agent", ledger.EventPayload{"n": i}); err != nil {
				return err
			}
		}
		return l.AppendEvent(ctx, tx, "lawbook.activated", "lawbook", "blake3:x", "agent", nil)
	}))

	all, err := l.ListEvents(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	after, err := l.ListEvents(ctx, ledger.EventFilter{AfterID: all[1].ID})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	typed, err := l.ListEvents(ctx, ledger.EventFilter{Type: "issue.created", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, typed, 2)
	assert.JSONEq(t, `{"n":0}`, typed[0].Payload)

	latest, err = l.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[3].ID, latest)
}
