package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 750, c.AgentTimeouts.Coder)
	assert.Equal(t, 1200, c.AgentTimeouts.Reviewer)
	assert.Equal(t, 750, c.AgentTimeouts.Security)
	assert.Equal(t, 750, c.AgentTimeouts.Tester)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 3, c.MaxSecurityRetries)
	assert.Equal(t, 3, c.MaxModelAttempts)
	assert.Equal(t, 400_000, c.MaxReviewerPromptChars)
	assert.Equal(t, 80_000, c.MaxPromptTokens)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxRetries, c.MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: 7\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxRetries)
	// Untouched fields keep their default value.
	assert.Equal(t, 750, c.AgentTimeouts.Coder)
}

func TestEnvOverrideWins(t *testing.T) {
	t.Setenv("FORGE_MAX_RETRIES", "9")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, c.MaxRetries)
}

func TestTimeoutHelpers(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 750.0, c.CoderTimeout().Seconds())
	assert.Equal(t, 1200.0, c.ReviewerTimeout().Seconds())
	assert.Equal(t, 750.0, c.SecurityTimeout().Seconds())
	assert.Equal(t, 750.0, c.TesterTimeout().Seconds())
}
