package lawbook_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/domain"
	"lawline/internal/lawbook"
)

const yamlBook = `rules:
  merge_pr:
    allowed_environments: [staging, staging, " qa "]
    cooldown_seconds: 300
    idempotency_key: [repo, pr, environment]
`

const tomlBook = `
[rules.merge_pr]
allowed_environments = ["qa", "staging"]
cooldown_seconds = 300
idempotency_key = ["environment", "pr", "repo"]
`

func TestParseFormatsNormalizeToSameHash(t *testing.T) {
	fromYAML, err := lawbook.Parse([]byte(yamlBook), lawbook.FormatYAML)
	require.NoError(t, err)
	fromTOML, err := lawbook.Parse([]byte(tomlBook), lawbook.FormatTOML)
	require.NoError(t, err)
	fromJSON, err := lawbook.Parse([]byte(`{"rules":{"merge_pr":{"allowed_environments":["staging","qa"],"cooldown_seconds":300,"idempotency_key":["repo","environment","pr"]}}}`), lawbook.FormatJSON)
	require.NoError(t, err)

	rule, ok := fromYAML.Rule(domain.ActionMergePR)
	require.True(t, ok)
	assert.Equal(t, []string{"qa", "staging"}, rule.AllowedEnvironments)
	assert.Equal(t, []string{"environment", "pr", "repo"}, rule.IdempotencyKey)

	h1, err := fromYAML.Hash()
	require.NoError(t, err)
	h2, err := fromTOML.Hash()
	require.NoError(t, err)
	h3, err := fromJSON.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)
}

func TestHashChangesWithContent(t *testing.T) {
	a := lawbook.Default()
	b := lawbook.Default()
	r := b.Rules[domain.ActionMergePR]
	r.CooldownSeconds++
	b.Rules[domain.ActionMergePR] = r

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestValidateRejectsBrokenRules(t *testing.T) {
	cases := map[string]string{
		"empty":           `rules: {}`,
		"negative":        "rules:\n  x:\n    cooldown_seconds: -1\n    idempotency_key: [a]\n",
		"window required": "rules:\n  x:\n    max_runs_per_window: 2\n    idempotency_key: [a]\n",
		"empty key":       "rules:\n  x:\n    allowed_environments: [staging]\n    idempotency_key: []\n",
		"blank env":       "rules:\n  x:\n    allowed_environments: [\"\"]\n    idempotency_key: [a]\n",
		"trim collision":  "rules:\n  merge_pr:\n    idempotency_key: [a]\n  \"merge_pr \":\n    idempotency_key: [b]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := lawbook.Parse([]byte(doc), lawbook.FormatYAML)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeResolvesTrimCollisionsInOrder(t *testing.T) {
	lb := &lawbook.Lawbook{Rules: map[domain.ActionType]lawbook.Rule{
		"merge_pr":  {IdempotencyKey: []string{"a"}},
		"merge_pr ": {IdempotencyKey: []string{"b"}},
		" merge_pr": {IdempotencyKey: []string{"c"}},
	}}
	first, err := lb.Hash()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		h, err := lb.Hash()
		require.NoError(t, err)
		require.Equal(t, first, h)
	}
	norm := lb.Normalize()
	require.Len(t, norm.Rules, 1)
	assert.Equal(t, []string{"c"}, norm.Rules["merge_pr"].IdempotencyKey)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, lawbook.FormatTOML, lawbook.FormatFromPath("laws.TOML"))
	assert.Equal(t, lawbook.FormatJSON, lawbook.FormatFromPath("/a/b/laws.json"))
	assert.Equal(t, lawbook.FormatYAML, lawbook.FormatFromPath("laws.yml"))
}

func TestWatcherAppliesRewrittenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lawbook.yml")
	require.NoError(t, os.WriteFile(path, []byte(lawbook.DefaultTemplate), 0o644))

	applied := make(chan *lawbook.Lawbook, 4)
	w, err := lawbook.NewWatcher(path, func(ctx context.Context, lb *lawbook.Lawbook, source string) error {
		applied <- lb
		return nil
	})
	require.NoError(t, err)
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte(yamlBook), 0o644))

	select {
	case lb := <-applied:
		_, ok := lb.Rule(domain.ActionMergePR)
		assert.True(t, ok)
		_, ok = lb.Rule("deploy")
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not apply the rewritten lawbook")
	}
	cancel()
	require.NoError(t, <-done)
}
