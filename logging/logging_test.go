package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNew_Level(t *testing.T) {
	assert.False(t, New(false).Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, New(false).Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New(true).Desugar().Core().Enabled(zapcore.DebugLevel))
}
