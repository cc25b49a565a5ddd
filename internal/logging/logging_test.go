package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdb13/grapevine/internal/config"
)

func TestSetupAppliesStdLevel(t *testing.T) {
	closer, err := Setup([]config.LogrusHook{{Type: "std", Level: "warn"}})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}

func TestSetupRejectsUnknownHookType(t *testing.T) {
	_, err := Setup([]config.LogrusHook{{Type: "carrier-pigeon", Level: "info"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown hook type")
}

func TestSetupRejectsStdHookWithInvalidLevel(t *testing.T) {
	_, err := Setup([]config.LogrusHook{{Type: "std", Level: "not-a-level"}})
	require.Error(t, err)
}

func TestSetupFileHookRequiresPath(t *testing.T) {
	_, err := Setup([]config.LogrusHook{{Type: "file", Level: "info", Params: map[string]interface{}{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params.path")
}

func TestSetupFileHookWritesLogLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grapevine.log")
	closer, err := Setup([]config.LogrusHook{
		{Type: "std", Level: "info"},
		{Type: "file", Level: "info", Params: map[string]interface{}{"path": path}},
	})
	require.NoError(t, err)
	defer closer.Close()

	Logger("logging_test").Info("hello from the test suite")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test suite")
	assert.Contains(t, string(data), "component=logging_test")
}

func TestSetupSentryHookRequiresDSN(t *testing.T) {
	_, err := Setup([]config.LogrusHook{{Type: "sentry", Level: "error", Params: map[string]interface{}{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params.dsn")
}
