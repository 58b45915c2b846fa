package auraconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxParallelism, cfg.Scheduler.DefaultMaxParallelism)
	assert.Equal(t, DefaultAutonomousRetries, cfg.Scheduler.AutonomousRetryLimit)
	assert.Equal(t, DefaultMaxReactSteps, cfg.ReAct.DefaultMaxSteps)
	assert.Equal(t, DefaultToolTimeout, cfg.ReAct.ToolTimeout.Std())
	assert.Equal(t, ":8085", cfg.HTTPAddr)
}

func TestLoadAppliesOverridesAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  defaultMaxParallelism: 8
react:
  toolTimeout: 30s
httpAddr: ":9000"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.DefaultMaxParallelism)
	assert.Equal(t, 30*time.Second, cfg.ReAct.ToolTimeout.Std())
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	// Unset fields still get defaults.
	assert.Equal(t, DefaultMaxReactSteps, cfg.ReAct.DefaultMaxSteps)
	assert.Equal(t, "./aura.db", cfg.DatabasePath)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSecretStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")

	key, err := DeriveKey("correct horse battery staple", []byte("per-install-salt"))
	require.NoError(t, err)

	store := NewSecretStore()
	store.Set("ANTHROPIC_API_KEY", "sk-test-123")
	require.NoError(t, store.Save(path, key))

	loaded := NewSecretStore()
	require.NoError(t, loaded.Load(path, key))
	v, ok := loaded.Get("ANTHROPIC_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-test-123", v)
}

func TestSecretStoreWrongKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")

	key, err := DeriveKey("right", []byte("salt-salt-salt-1"))
	require.NoError(t, err)
	store := NewSecretStore()
	store.Set("X", "y")
	require.NoError(t, store.Save(path, key))

	wrong, err := DeriveKey("wrong", []byte("salt-salt-salt-1"))
	require.NoError(t, err)
	assert.Error(t, NewSecretStore().Load(path, wrong))
}

func TestSecretStoreEnvFallback(t *testing.T) {
	t.Setenv("AURA_TEST_SECRET", "from-env")
	store := NewSecretStore()

	v, ok := store.Get("AURA_TEST_SECRET")
	require.True(t, ok)
	assert.Equal(t, "from-env", v)

	_, ok = store.Get("AURA_TEST_SECRET_ABSENT")
	assert.False(t, ok)
}
