package zaplogging

import (
	"testing"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"info", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		level, err := ParseLevel(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, level, tt.input)
	}

	_, err := ParseLevel("verbose")
	assert.True(t, errors.IsValidationError(err))
}

func TestNewLogger_PrefixesMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger("module: workerdeploy , ", zap.New(core))

	logger.Infof("Deploying application %s", "shop")
	logger.Warnf("Stop failed: %v", "no group")
	logger.Debugf("debug line")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "module: workerdeploy , Deploying application shop", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func TestNewZapLogger(t *testing.T) {
	zapLogger, err := NewZapLogger(Options{Level: "debug", JSON: true})
	require.NoError(t, err)
	assert.NotNil(t, zapLogger)

	_, err = NewZapLogger(Options{Level: "loud"})
	assert.Error(t, err)
}
