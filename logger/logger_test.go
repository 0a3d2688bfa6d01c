package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/courier/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.log")

	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, f)
	t.Cleanup(func() {
		f.Close()
		_, _ = Initialize(config.LoggingConfig{Output: "stderr"})
	})

	Info("hidden below threshold")
	Warn("delivery failed", "recipient", "alice@example.com")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden below threshold")
	assert.Contains(t, string(data), `"msg":"delivery failed"`)
	assert.Contains(t, string(data), `"recipient":"alice@example.com"`)
}

func TestInitializeBadFile(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}
