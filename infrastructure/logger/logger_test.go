package logger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWithFileOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{
		Level:      "debug",
		Outputs:    []string{"file"},
		OutputFile: filepath.Join(dir, "app.log"),
		ErrorFile:  filepath.Join(dir, "err.log"),
		Format:     "json",
	})
	require.NoError(t, err)
	l.LogPrice("bulk_fetched", map[string]interface{}{"assets": 3})
	assert.NoError(t, l.Close())
}

func TestEventHelpersCarryFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Wrap(zap.New(core))

	l.LogBalance("balance_added", "u1", map[string]interface{}{"asset": "bitcoin"})
	l.LogRebalance("rebalance_applied", "req-1", nil)
	l.LogRateLimit("by_id", 30*time.Second, nil)
	l.LogError(errors.New("boom"), map[string]interface{}{"action": "write"})

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, "balance_event", entries[0].Message)
	assert.Equal(t, "u1", entries[0].ContextMap()["user_id"])
	assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "30s", entries[2].ContextMap()["retry_after"])
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestSetLevel(t *testing.T) {
	l, err := New(Config{Level: "info", Outputs: []string{"stdout"}})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.Error(t, l.SetLevel("nope"))
}
