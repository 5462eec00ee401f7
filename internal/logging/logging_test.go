package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/cloudsleuth/internal/config"
)

func TestNewRejectsBadLevelAndFormat(t *testing.T) {
	_, err := New(config.Log{Level: "loud"}, false)
	assert.Error(t, err)

	_, err = New(config.Log{Level: "info", Format: "xml"}, false)
	assert.Error(t, err)
}

func TestNewDebugOverridesLevel(t *testing.T) {
	logger, err := New(config.Log{Level: "error"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudsleuth.log")
	logger, err := New(config.Log{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, false)
	require.NoError(t, err)

	logger.Info("run started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run started")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
