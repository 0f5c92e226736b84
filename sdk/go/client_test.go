package lawlinesdk_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/config"
	"lawline/internal/db"
	"lawline/internal/engine"
	"lawline/internal/lawbook"
	"lawline/internal/migrate"
	"lawline/internal/server"
	lawlinesdk "lawline/sdk/go"
)

func newClient(t *testing.T) *lawlinesdk.Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn, config.Default(), nil)
	_, _, err = e.PublishLawbook(ctx, lawbook.Default(), "admin", "default", true)
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})

	token, err := server.SignToken("sdk-secret", "sdk-agent", nil, time.Hour)
	require.NoError(t, err)
	return lawlinesdk.New("http://"+ln.Addr().String(), token)
}

func TestClientWalksIssueToDone(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	is, err := c.CreateIssue(ctx, "Add rate limiting", "GH-12")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", is.State)

	for _, step := range []string{"S2", "S3", "S4"} {
		res, err := c.Advance(ctx, is.ID, lawlinesdk.AdvanceInput{Step: step, Verdict: "GREEN"})
		require.NoError(t, err)
		assert.False(t, res.Blocked)
	}
	res, err := c.Advance(ctx, is.ID, lawlinesdk.AdvanceInput{
		Step:    "S5",
		Verdict: "GREEN",
		Context: map[string]string{"repo": "acme/api", "pr": "12"},
	})
	require.NoError(t, err)
	assert.Equal(t, "DONE", res.Issue.State)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Allowed())

	got, err := c.GetIssue(ctx, is.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 5)
	assert.Equal(t, "VERIFIED", got.History[4].ToState)

	decisions, err := c.Decisions(ctx, is.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, decisions.Items, 1)
	assert.Equal(t, res.Decision.ID, decisions.Items[0].ID)

	page, err := c.Issues(ctx, "DONE", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, is.ID, page.Items[0].ID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	is, err := c.CreateIssue(ctx, "Out of order", "")
	require.NoError(t, err)
	_, err = c.Advance(ctx, is.ID, lawlinesdk.AdvanceInput{Step: "S3", Verdict: "GREEN"})
	var apiErr *lawlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	_, err = c.GetIssue(ctx, "iss-nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClientPolicyRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	v, created, err := c.PublishLawbook(ctx, `[rules.rerun_checks]
allowed_environments = ["staging"]
idempotency_key = ["repo", "pr"]
`, "toml", false)
	require.NoError(t, err)
	assert.True(t, created)

	changed, err := c.ActivateLawbook(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	active, err := c.ActiveLawbook(ctx)
	require.NoError(t, err)
	assert.Equal(t, v.ID, active.Version.ID)
	assert.Contains(t, active.Rules, "rerun_checks")

	d, err := c.Evaluate(ctx, lawlinesdk.EvaluateInput{ActionType: "merge_pr", Context: map[string]string{"repo": "a", "pr": "1"}})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "no_rule", d.ReasonCode)

	versions, err := c.LawbookVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	events, err := c.EventsPage(ctx, 100, "")
	require.NoError(t, err)
	assert.NotEmpty(t, events.Items)
}
