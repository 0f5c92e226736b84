package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lawline/internal/lawbook"
	"lawline/internal/ledger"
	"lawline/internal/policy"
	"lawline/internal/repo"
)

func TestPublishIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lb, err := lawbook.Parse([]byte(mergeBook), lawbook.FormatYAML)
	require.NoError(t, err)

	first, created, err := env.store.Publish(ctx, lb, "admin", "a.yml")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := env.store.Publish(ctx, lb, "someone-else", "b.yml")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "admin", second.PublishedBy)

	versions, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.False(t, versions[0].Active)
}

func TestActivateSwapsPointerAndAudits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assert.Nil(t, env.store.Active())

	v1 := env.activate(t, mergeBook)
	v2 := env.activate(t, rateBook)
	require.Equal(t, v2, env.store.Active().ID)

	changed, err := env.store.Activate(ctx, v2, "admin")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = env.store.Activate(ctx, v1, "admin")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, v1, env.store.Active().ID)

	_, err = env.store.Activate(ctx, "blake3:missing", "admin")
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, v1, env.store.Active().ID)

	events, err := env.ledger.ListEvents(ctx, ledger.EventFilter{Type: "lawbook.activated"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	versions, err := env.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		assert.Equal(t, v.ID == v1, v.Active)
	}
}

func TestRefreshSeesActivationFromAnotherStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := policy.NewStore(env.db, env.ledger, env.clock.Now)

	id := env.activate(t, mergeBook)
	assert.Nil(t, other.Active())

	v, err := other.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, id, v.ID)
	assert.True(t, v.Meta.Active)
	assert.Equal(t, id, other.Active().ID)
}

func TestActiveIsSafeDuringActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v1 := env.activate(t, mergeBook)
	v2 := env.activate(t, rateBook)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			id := v1
			if i%2 == 1 {
				id = v2
			}
			if _, err := env.store.Activate(ctx, id, "admin"); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				v := env.store.Active()
				if v == nil || (v.ID != v1 && v.ID != v2) {
					t.Errorf("unexpected active version %+v", v)
					return nil
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
