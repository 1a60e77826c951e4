package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndGet(t *testing.T) {
	require.NoError(t, Init(true))
	l := Get()
	require.NotNil(t, l)
}

func TestGetDefaultsWithoutInit(t *testing.T) {
	current.Store(nil)
	l := Get()
	assert.NotNil(t, l)
}

func TestUnstructuredLogsWithEnv(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "true")
	assert.True(t, UnstructuredLogsWithEnv())

	os.Unsetenv("UNSTRUCTURED_LOGS")
	assert.False(t, UnstructuredLogsWithEnv())
}

func TestLoggingFunctionsDoNotPanic(t *testing.T) {
	require.NoError(t, Init(true))
	assert.NotPanics(t, func() {
		Debug("debug")
		Debugf("debug %d", 1)
		Debugw("debug", "k", "v")
		Info("info")
		Infof("info %d", 1)
		Infow("info", "k", "v")
		Warn("warn")
		Warnf("warn %d", 1)
		Warnw("warn", "k", "v")
		Error("error")
		Errorf("error %d", 1)
		Errorw("error", "k", "v")
	})
}
