package fingerprint_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/fingerprint"
)

func TestIdempotencyKeyIgnoresFieldOrder(t *testing.T) {
	ctx := map[string]string{"repo": "acme/api", "pr": "42", "environment": "staging", "extra": "ignored"}
	a, err := fingerprint.IdempotencyKey("merge_pr", []string{"repo", "pr", "environment"}, ctx)
	require.NoError(t, err)
	b, err := fingerprint.IdempotencyKey("merge_pr", []string{"environment", "pr", "repo", "pr"}, ctx)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "merge_pr?environment=staging&pr=42&repo=acme%2Fapi", a.Text)
	assert.True(t, strings.HasPrefix(a.Hash.String(), "blake3:"))
}

func TestIdempotencyKeyDistinguishesValues(t *testing.T) {
	fields := []string{"repo", "pr"}
	a, err := fingerprint.IdempotencyKey("merge_pr", fields, map[string]string{"repo": "acme/api", "pr": "42"})
	require.NoError(t, err)
	b, err := fingerprint.IdempotencyKey("merge_pr", fields, map[string]string{"repo": "acme/api", "pr": "43"})
	require.NoError(t, err)
	c, err := fingerprint.IdempotencyKey("rerun_checks", fields, map[string]string{"repo": "acme/api", "pr": "42"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestIdempotencyKeyMissingField(t *testing.T) {
	_, err := fingerprint.IdempotencyKey("merge_pr", []string{"repo", "pr"}, map[string]string{"repo": "acme/api"})
	var missing *fingerprint.MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "pr", missing.Field)

	_, err = fingerprint.IdempotencyKey("merge_pr", []string{"pr"}, map[string]string{"pr": ""})
	require.ErrorAs(t, err, &missing)
}

func TestIdempotencyKeyEmptyTemplate(t *testing.T) {
	_, err := fingerprint.IdempotencyKey("merge_pr", []string{" ", ""}, map[string]string{"pr": "1"})
	require.ErrorIs(t, err, fingerprint.ErrEmptyTemplate)
}

func TestLawbookHashIsDomainSeparated(t *testing.T) {
	key, err := fingerprint.IdempotencyKey("merge_pr", []string{"pr"}, map[string]string{"pr": "1"})
	require.NoError(t, err)

	// Same value hashed in the lawbook domain must differ.
	lb, err := fingerprint.Lawbook(map[string]any{"1": "merge_pr"})
	require.NoError(t, err)
	assert.NotEqual(t, key.Hash, lb)

	again, err := fingerprint.Lawbook(map[string]any{"1": "merge_pr"})
	require.NoError(t, err)
	assert.Equal(t, lb, again)
}

func TestParseHashRoundTrip(t *testing.T) {
	h, err := fingerprint.Lawbook([]string{"a", "b"})
	require.NoError(t, err)
	parsed, err := fingerprint.ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = fingerprint.ParseHash("sha256:00")
	assert.Error(t, err)
	_, err = fingerprint.ParseHash("blake3:abcd")
	assert.Error(t, err)
}
