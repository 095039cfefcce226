package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{" WARN ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := zap.NewExample()
	ctx := WithContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, OrNop(nil))
}

func TestNewHonoursLevel(t *testing.T) {
	logger := New(Options{Level: "warn"})
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
