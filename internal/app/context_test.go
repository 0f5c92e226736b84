package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/app"
	"lawline/internal/config"
)

func TestInitSeedsLawbookOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ws, err := app.Init(ctx, dir, false, app.Options{ActorID: "admin"})
	require.NoError(t, err)
	active := ws.Engine.Policies.Active()
	require.NotNil(t, active)
	assert.FileExists(t, config.Path(dir))
	assert.FileExists(t, ws.Config.LawbookPath(dir))
	firstID := active.ID
	require.NoError(t, ws.Close())

	ws, err = app.Open(ctx, dir, app.Options{ActorID: "admin"})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, firstID, ws.Engine.Policies.Active().ID)
	versions, err := ws.Engine.Policies.List(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	ws, err := app.Open(context.Background(), dir, app.Options{})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "staging", ws.Config.Environment)
	v := ws.Engine.Policies.Active()
	require.NotNil(t, v)
	assert.Equal(t, "default", v.Meta.Source)
}

func TestOpenRejectsBrokenLawbookFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("environment: staging\nlawbook:\n  path: rules.yml\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yml"), []byte("rules:\n  merge_pr: {}\n"), 0o644))
	_, err := app.Open(context.Background(), dir, app.Options{})
	assert.Error(t, err)
}
