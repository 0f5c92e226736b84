package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lawline/internal/config"
	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/engine"
	"lawline/internal/executor"
	"lawline/internal/lawbook"
	"lawline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	token  string
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := engine.New(conn, config.Default(), nil)
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	_, _, err = e.PublishLawbook(ctx, lawbook.Default(), "admin", "default", true)
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, Logger: e.Logger}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})

	token, err := SignToken(testSecret, "agent-1", nil, time.Hour)
	require.NoError(t, err)
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		token:  token,
		client: &http.Client{},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, method, s.URL+path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) createIssue(t *testing.T) domain.Issue {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/issues", map[string]any{"title": "Ship feature"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var is domain.Issue
	require.NoError(t, json.Unmarshal(data, &is))
	return is
}

func (s *testServer) advance(t *testing.T, issueID string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return s.do(t, http.MethodPost, "/v0/issues/"+issueID+"/advance", body)
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	is := srv.createIssue(t)
	assert.Equal(t, domain.StateCreated, is.State)

	for _, step := range []string{"S2", "S3", "S4"} {
		res, data := srv.advance(t, is.ID, map[string]any{"step": step, "verdict": "GREEN"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := srv.advance(t, is.ID, map[string]any{
		"step":    "S5",
		"verdict": "GREEN",
		"context": map[string]string{"repo": "acme/api", "pr": "7"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out AdvanceResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.StateDone, out.Issue.State)
	assert.Equal(t, "GREEN", out.Verdict)
	require.NotNil(t, out.Decision)
	assert.Equal(t, domain.EffectAllow, out.Decision.Effect)

	res, data = srv.do(t, http.MethodGet, "/v0/issues/"+is.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got domain.Issue
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got.History, 5)
	assert.Equal(t, "agent-1", got.History[1].ActorID)

	res, data = srv.do(t, http.MethodGet, "/v0/ledger/decisions?issue_id="+is.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var decisions paginatedDecisions
	require.NoError(t, json.Unmarshal(data, &decisions))
	assert.Len(t, decisions.Items, 1)

	res, data = srv.do(t, http.MethodGet, "/v0/ledger/outcomes?issue_id="+is.ID+"&limit=2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var outcomes paginatedOutcomes
	require.NoError(t, json.Unmarshal(data, &outcomes))
	assert.Len(t, outcomes.Items, 2)
	assert.NotEmpty(t, outcomes.NextCursor)
}

func TestAdvanceErrors(t *testing.T) {
	srv := newTestServer(t)
	is := srv.createIssue(t)

	res, data := srv.advance(t, is.ID, map[string]any{"step": "S4", "verdict": "GREEN"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Equal(t, "S2", apiErr.Details["expected"])

	res, data = srv.advance(t, "iss-missing", map[string]any{"step": "S2", "verdict": "GREEN"})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestAdvanceBlockedIsNotAnError(t *testing.T) {
	srv := newTestServer(t)
	is := srv.createIssue(t)
	for _, step := range []string{"S2", "S3", "S4"} {
		res, data := srv.advance(t, is.ID, map[string]any{"step": step, "verdict": "GREEN"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data := srv.advance(t, is.ID, map[string]any{
		"step":        "S5",
		"verdict":     "GREEN",
		"environment": "production",
		"context":     map[string]string{"repo": "acme/api", "pr": "7"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out AdvanceResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Blocked)
	assert.Equal(t, domain.StateReviewReady, out.Issue.State)
	assert.Equal(t, domain.ReasonEnvironment, out.Decision.ReasonCode)
}

func TestEffectFailureMapsToBadGateway(t *testing.T) {
	srv := newTestServer(t)
	is := srv.createIssue(t)
	for _, step := range []string{"S2", "S3", "S4"} {
		res, data := srv.advance(t, is.ID, map[string]any{"step": step, "verdict": "GREEN"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	failing := srv.Engine
	failing.Effects = executor.EffectFunc(func(context.Context, executor.EffectRequest) error {
		return errors.New("merge queue closed")
	})
	handler, err := New(Config{Engine: failing, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	httpSrv := &http.Server{Handler: handler}
	go httpSrv.Serve(ln)
	defer httpSrv.Shutdown(context.Background())

	res, data := doJSON(t, srv.client, http.MethodPost, "http://"+ln.Addr().String()+"/v0/issues/"+is.ID+"/advance", map[string]any{
		"step":    "S5",
		"verdict": "GREEN",
		"context": map[string]string{"repo": "acme/api", "pr": "7"},
	}, map[string]string{"Authorization": "Bearer " + srv.token})
	require.Equal(t, http.StatusBadGateway, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "effect_failed", apiErr.Code)
	assert.Equal(t, string(domain.StateVerified), apiErr.Details["state"])
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/issues", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	forged, err := SignToken("other-secret", "mallory", nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/issues", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/issues", nil, map[string]string{"X-Actor-Id": "someone"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/me", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "agent-1", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
}

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doc := `rules:
  merge_pr:
    allowed_environments: [staging]
    cooldown_seconds: 60
    idempotency_key: [repo, pr]
`
	res, data := srv.do(t, http.MethodPost, "/v0/policy/versions", map[string]any{"content": doc, "format": "yaml"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var published PublishLawbookResponse
	require.NoError(t, json.Unmarshal(data, &published))
	assert.True(t, published.Created)
	assert.False(t, published.Version.Active)

	res, data = srv.do(t, http.MethodPost, "/v0/policy/versions", map[string]any{"content": doc, "format": "yaml"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &published))
	assert.False(t, published.Created)

	res, data = srv.do(t, http.MethodPost, "/v0/policy/versions/"+published.Version.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var activated ActivateResponse
	require.NoError(t, json.Unmarshal(data, &activated))
	assert.True(t, activated.Changed)

	res, data = srv.do(t, http.MethodGet, "/v0/policy/active", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var active LawbookResponse
	require.NoError(t, json.Unmarshal(data, &active))
	assert.Equal(t, published.Version.ID, active.Version.ID)
	assert.Contains(t, active.Rules, domain.ActionMergePR)

	eval := map[string]any{"action_type": "merge_pr", "context": map[string]string{"repo": "acme/api", "pr": "9"}}
	res, data = srv.do(t, http.MethodPost, "/v0/policy/evaluate", eval)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var d domain.Decision
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, domain.EffectAllow, d.Effect)
	assert.Equal(t, published.Version.ID, d.LawbookVersion)

	res, data = srv.do(t, http.MethodPost, "/v0/policy/evaluate", eval)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, domain.ReasonCooldown, d.ReasonCode)

	res, data = srv.do(t, http.MethodPost, "/v0/policy/versions", map[string]any{"content": "rules: {merge_pr: {}}"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_lawbook", decodeError(t, data).Code)

	res, _ = srv.do(t, http.MethodPost, "/v0/policy/versions/blake3:unknown/activate", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestApprovalEndpoint(t *testing.T) {
	srv := newTestServer(t)
	deploy := map[string]string{"service": "billing", "version": "2.0.0"}

	res, data := srv.do(t, http.MethodPost, "/v0/policy/evaluate", map[string]any{"action_type": "deploy", "context": deploy})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var d domain.Decision
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, domain.ReasonApprovalRequired, d.ReasonCode)

	res, data = srv.do(t, http.MethodPost, "/v0/approvals", map[string]any{"action_type": "deploy", "context": deploy, "ttl_seconds": 600})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var a domain.Approval
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, d.Fingerprint, a.Fingerprint)
	assert.Equal(t, "agent-1", a.ApproverID)

	res, data = srv.do(t, http.MethodPost, "/v0/policy/evaluate", map[string]any{"action_type": "deploy", "context": deploy})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, domain.EffectAllow, d.Effect)
}

func TestWebhookRelayDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)

	var mu sync.Mutex
	var received []webhookEvent
	hook := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil || !VerifyWebhook("s3cret", body, r.Header.Get("X-Lawline-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var evt webhookEvent
		if err := json.Unmarshal(body, &evt); err == nil {
			mu.Lock()
			received = append(received, evt)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	go hook.Serve(ln)
	defer hook.Shutdown(context.Background())

	relay := NewWebhookRelay(srv.Engine.Ledger, []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Events: []string{"issue.created"},
		Secret: "s3cret",
	}}, srv.Engine.Logger)
	ctx := context.Background()
	// The first pass only positions the cursor after the seeded lawbook events.
	relay.DispatchAll(ctx)

	is := srv.createIssue(t)
	relay.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "issue.created", received[0].Type)
	assert.Equal(t, is.ID, received[0].EntityID)
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"id":1,"type":"issue.created"}`)
	sig := SignWebhook("s3cret", body)
	assert.True(t, VerifyWebhook("s3cret", body, sig))
	assert.False(t, VerifyWebhook("other", body, sig))
	assert.False(t, VerifyWebhook("s3cret", append(body, ' '), sig))
	assert.Contains(t, sig, "blake3=")
}

func TestWebhookRelaySkipsRejectedEvent(t *testing.T) {
	srv := newTestServer(t)

	var mu sync.Mutex
	var accepted []string
	calls := 0
	hook := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		accepted = append(accepted, evt.EntityID)
		w.WriteHeader(http.StatusNoContent)
	})}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	go hook.Serve(ln)
	defer hook.Shutdown(context.Background())

	relay := NewWebhookRelay(srv.Engine.Ledger, []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Events: []string{"issue.created"},
	}}, srv.Engine.Logger)
	ctx := context.Background()
	relay.DispatchAll(ctx)

	srv.createIssue(t)
	second := srv.createIssue(t)
	relay.DispatchAll(ctx)
	relay.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{second.ID}, accepted)
}

func TestOpenAPISpecServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([][]byte, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", res.StatusCode)
			}
			bodies[i], err = io.ReadAll(res.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, string(bodies[0]), "/issues/{issue_id}/advance")
}
