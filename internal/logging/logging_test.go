package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/planexec/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_UnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "shout", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shout")
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithSession(ctx, "s-1")
	ctx = WithTask(ctx, "t-1")
	ctx = WithGroup(ctx, "g-1")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)
	assert.Equal(t, "session_id", fields[0].Key)
	assert.Equal(t, "s-1", fields[0].String)
	assert.Equal(t, "task_id", fields[1].Key)
	assert.Equal(t, "group_id", fields[2].Key)

	assert.Equal(t, "s-1", SessionID(ctx))
}
