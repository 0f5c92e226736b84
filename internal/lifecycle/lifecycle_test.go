package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"lawline/internal/domain"
	"lawline/internal/lifecycle"
)

func TestMapVerdictTable(t *testing.T) {
	want := map[domain.Verdict]domain.Action{
		domain.VerdictGreen: domain.ActionAdvance,
		domain.VerdictRed:   domain.ActionAbort,
		domain.VerdictHold:  domain.ActionFreeze,
		domain.VerdictRetry: domain.ActionRetry,
	}
	seen := map[domain.Action]domain.Verdict{}
	for v := domain.VerdictGreen; v <= domain.VerdictRetry; v++ {
		got := lifecycle.MapVerdict(v)
		assert.Equal(t, want[v], got, v.String())
		if prev, dup := seen[got]; dup {
			t.Fatalf("%s and %s both map to %s", prev, v, got)
		}
		seen[got] = v
	}
	assert.Len(t, seen, 4)
}

func TestDesignatedStep(t *testing.T) {
	cases := []struct {
		state, held domain.State
		want        domain.StepID
		ok          bool
	}{
		{domain.StateCreated, "", domain.StepSpec, true},
		{domain.StateSpecReady, "", domain.StepImplPrep, true},
		{domain.StateImplementingPrep, "", domain.StepImplementation, true},
		{domain.StateReviewReady, "", domain.StepReviewMerge, true},
		{domain.StateVerified, "", domain.StepReviewMerge, true},
		{domain.StateHold, domain.StateSpecReady, domain.StepImplPrep, true},
		{domain.StateDone, "", "", false},
		{domain.StateKilled, "", "", false},
		{domain.StateHold, "", "", false},
	}
	for _, tc := range cases {
		got, ok := lifecycle.DesignatedStep(tc.state, tc.held)
		assert.Equal(t, tc.ok, ok, "%s/%s", tc.state, tc.held)
		assert.Equal(t, tc.want, got, "%s/%s", tc.state, tc.held)
	}
}

func TestValidWalk(t *testing.T) {
	s := func(states ...domain.State) []domain.State { return states }
	valid := [][]domain.State{
		s(domain.StateCreated, domain.StateSpecReady, domain.StateImplementingPrep, domain.StateReviewReady, domain.StateVerified, domain.StateDone),
		s(domain.StateCreated, domain.StateSpecReady, domain.StateHold, domain.StateHold, domain.StateImplementingPrep),
		s(domain.StateCreated, domain.StateHold, domain.StateKilled),
		s(domain.StateCreated, domain.StateCreated, domain.StateSpecReady),
		s(domain.StateCreated, domain.StateSpecReady, domain.StateImplementingPrep, domain.StateKilled),
	}
	for _, w := range valid {
		assert.True(t, lifecycle.ValidWalk(w), "%v", w)
	}
	invalid := [][]domain.State{
		s(domain.StateSpecReady),
		s(domain.StateCreated, domain.StateImplementingPrep),
		s(domain.StateCreated, domain.StateSpecReady, domain.StateCreated),
		s(domain.StateCreated, domain.StateHold, domain.StateImplementingPrep),
		s(domain.StateCreated, domain.StateKilled, domain.StateSpecReady),
		s(domain.StateCreated, domain.StateKilled, domain.StateKilled),
	}
	for _, w := range invalid {
		assert.False(t, lifecycle.ValidWalk(w), "%v", w)
	}
}
