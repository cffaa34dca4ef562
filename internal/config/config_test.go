package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndYAML(t *testing.T) {
	t.Setenv("SYNAPSIS_DOMAIN", "")
	t.Setenv("NEXT_PUBLIC_NODE_DOMAIN", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain: node-a.example
seed_nodes:
  - node-b.example
  - node-c.example
log_format: json
shutdown_timeout: 30s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a.example", cfg.Domain)
	assert.Equal(t, ":8080", cfg.ListenAddr, "default survives partial files")
	assert.Equal(t, []string{"node-b.example", "node-c.example"}, cfg.SeedNodes)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: from-file.example\n"), 0o600))

	t.Setenv("SYNAPSIS_DOMAIN", "from-env.example")
	t.Setenv("SYNAPSIS_SEED_NODES", "x.example, y.example ,")
	t.Setenv("ALLOW_KEY_ROTATION", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.example", cfg.Domain)
	assert.Equal(t, []string{"x.example", "y.example"}, cfg.SeedNodes)
	assert.True(t, cfg.AllowKeyRotation)
}

func TestLegacyDomainVariable(t *testing.T) {
	t.Setenv("SYNAPSIS_DOMAIN", "")
	t.Setenv("NEXT_PUBLIC_NODE_DOMAIN", "legacy.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "legacy.example", cfg.Domain)
}

func TestMissingDomainFails(t *testing.T) {
	t.Setenv("SYNAPSIS_DOMAIN", "")
	t.Setenv("NEXT_PUBLIC_NODE_DOMAIN", "")

	_, err := Load("")
	assert.Error(t, err)
}
