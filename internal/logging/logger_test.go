package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })
	return logs
}

func TestCategoryLoggerIsNamed(t *testing.T) {
	logs := observe(t)

	Session("session %s opened", "p1")
	ProcessWarn("exit code %d", 2)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "session", entries[0].LoggerName)
	assert.Equal(t, "session p1 opened", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "process", entries[1].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestWithCarriesFields(t *testing.T) {
	logs := observe(t)

	Get(CategorySession).With("project", "/tmp/p").Info("client joined")

	entries := logs.FilterField(zap.String("project", "/tmp/p")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "client joined", entries[0].Message)
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	err := Initialize(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInitializeRejectsBadFormat(t *testing.T) {
	err := Initialize(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestDisabledCategoryIsSilent(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	require.NoError(t, Initialize(Config{Level: "info", Categories: map[string]bool{"stream": false}}))

	assert.False(t, IsCategoryEnabled(CategoryStream))
	assert.True(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryGuard))
}

func TestTimerWarnsOverThreshold(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryStore, "write history")
	timer.StopWithThreshold(-1)

	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "write history took")
}
