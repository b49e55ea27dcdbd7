package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meszmate/imap-engine/config"
)

func TestSetupLogger_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("unresolved completion", zap.String("tag", "A7"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "unresolved completion", entry["msg"])
	assert.Equal(t, "A7", entry["tag"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetupLogger_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{"ignored.log"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: path,
		},
	})
	require.NoError(t, err)

	logger.Debug("send", zap.String("line", "A1 NOOP"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "A1 NOOP")
	assert.NoFileExists(t, "ignored.log")
}

func TestSetupLogger_BadLevel(t *testing.T) {
	_, err := SetupLogger(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zap.AtomicLevel{
		"debug":   zap.NewAtomicLevelAt(zap.DebugLevel),
		"":        zap.NewAtomicLevelAt(zap.InfoLevel),
		"WARNING": zap.NewAtomicLevelAt(zap.WarnLevel),
		"error":   zap.NewAtomicLevelAt(zap.ErrorLevel),
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want.Level(), got.Level(), in)
	}
}
