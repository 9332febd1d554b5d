package offline0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), 50*time.Millisecond)

	l.Warn("queue full")
	l.Warn("queue full")
	l.Warn("queue full")
	assert.Equal(t, 1, logs.Len())

	time.Sleep(60 * time.Millisecond)
	l.Warn("queue full")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].ContextMap()["suppressed"])
}
