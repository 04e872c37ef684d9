package logging

import (
	"testing"

	"PcapSanitizer/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(config.LoggingConfig{Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestMust(t *testing.T) {
	assert.NotNil(t, Must(nil))
	l, _ := New(config.LoggingConfig{})
	assert.Same(t, l, Must(l))
}
