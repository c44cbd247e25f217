package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_FileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := New("debug", dir)
	require.NoError(t, err)

	logger.Info("启动完成")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "server.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "启动完成")
}

func TestNew_UnknownLevelFallsBack(t *testing.T) {
	logger, err := New("verbose", "")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_NoDir(t *testing.T) {
	logger, err := New("info", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
