package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsKnownFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithRequestID(WithPipeline(context.Background(), "p-1"), "req-7")
	ctx = context.WithValue(ctx, ConnectorKey, "orders-ab12cd34-source")

	WithContext(ctx, zap.New(core)).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, "p-1", fields["pipeline_id"])
	assert.Equal(t, "orders-ab12cd34-source", fields["connector"])
}

func TestWithContextWithoutValues(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	WithContext(context.Background(), zap.New(core)).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "loud"}))
}
