package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "grapevine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const minimalValidConfig = `
version: 1
server_name: example.org
listeners:
  - address: 0.0.0.0
    port: 8448
database:
  path: /var/lib/grapevine/events.db
`

func TestLoadAppliesDefaultsOverOmittedSections(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Version, cfg.Version)
	assert.True(t, cfg.Federation.Enabled)
	assert.Equal(t, int64(65536), cfg.Limits.MaxEventBytes)
	assert.Equal(t, 1000, cfg.Limits.MaxDepthBackfill)
	assert.Equal(t, 32, cfg.Limits.IngressQueuePerRoom)
	assert.Equal(t, int64(16<<20), cfg.Keys.MaxCacheBytes)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, "version: 1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_name")
}

func TestLoadReportsEveryMissingKeyNotJustTheFirst(t *testing.T) {
	path := writeConfig(t, "version: 1\n")
	_, err := Load(path)
	require.Error(t, err)
	var cerrs configErrors
	require.ErrorAs(t, err, &cerrs)
	assert.GreaterOrEqual(t, len(cerrs), 2, "missing server_name, listeners, and database.path should all be reported")
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := writeConfig(t, "version: 2\nserver_name: x\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config version")
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	path := writeConfig(t, minimalValidConfig+"\nlimits:\n  max_event_bytes: 0\n  max_depth_backfill: 1000\n  ingress_queue_per_room: 32\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limits.max_event_bytes")
}

func TestLoadRejectsLoggingHookMissingTypeOrLevel(t *testing.T) {
	path := writeConfig(t, minimalValidConfig+"\nlogging:\n  - params: {}\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging[].type")
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
