package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/config"
	"lawline/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, domain.ActionMergePR, cfg.Gate(domain.StepReviewMerge))
	assert.Equal(t, domain.ActionRerunChecks, cfg.RetryGate(domain.StepReviewMerge))
	assert.Empty(t, cfg.Gate(domain.StepSpec))
	assert.Empty(t, cfg.StepCommands())
	assert.Equal(t, filepath.Join("ws", "lawbook.yml"), cfg.LawbookPath("ws"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no environment": "steps: {}\n",
		"unknown step":   "environment: staging\nsteps:\n  S9: {command: x}\n",
		"intake step":    "environment: staging\nsteps:\n  S1: {command: x}\n",
		"bad webhook":    "environment: staging\nwebhooks:\n  - url: ftp://example.com\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("environment: production\nsteps:\n  S2: {command: make spec}\n"), 0o644))
	cfg, err = config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, map[domain.StepID]string{domain.StepSpec: "make spec"}, cfg.StepCommands())

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("environment: [\n"), 0o644))
	_, err = config.LoadOptional(dir)
	assert.Error(t, err)
}
