package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger := New(level, "text")
		require.NotNil(t, logger, "level %s", level)
	}
	require.NotNil(t, New("info", "json"))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_123")
	assert.Equal(t, "req_123", RequestID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, FromContext(ctx)) // falls back to default

	logger := New("info", "text")
	ctx = WithLogger(ctx, logger)
	assert.Equal(t, logger, FromContext(ctx))

	ctx = WithRequestID(ctx, "req_456")
	assert.NotNil(t, L(ctx))
}
