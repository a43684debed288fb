package logctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromCtxEnrichesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithActor(WithTraceID(context.Background(), "t-1"), "admin@x")
	FromCtx(ctx, base).Infow("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "t-1", fields["trace_id"])
		assert.Equal(t, "admin@x", fields["actor"])
	}
}

func TestFromCtxPrefersAttachedLogger(t *testing.T) {
	base := zap.NewNop().Sugar()
	attached := zap.NewExample().Sugar()
	ctx := WithLogger(context.Background(), attached)
	assert.Same(t, attached, FromCtx(ctx, base))
	assert.Same(t, base, FromCtx(context.Background(), base))
}
