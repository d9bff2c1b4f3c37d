package dlogger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetLogger(t *testing.T) {
	for _, level := range []string{LogLevelInfo, LogLevelDebug, "warn", "error"} {
		l, err := GetLogger(level)
		require.NoError(t, err, level)
		require.NotNil(t, l)
	}

	l, err := GetLogger(LogLevelNone)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))

	_, err = GetLogger("chatty")
	require.Error(t, err)
	assert.Panics(t, func() { _ = MustGetLogger("chatty") })
}

func TestFor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := For(zap.New(core), "ckpt")
	l.Info("demarcation")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ckpt", logs.All()[0].LoggerName)

	assert.NotNil(t, For(nil, "ckpt"))
}
