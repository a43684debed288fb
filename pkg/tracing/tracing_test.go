package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/tokenbill/pkg/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, span := Start(context.Background(), "outbox.dispatch", AttrTopic.String("billing.plans"))
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsSampled())
	End(span, errors.New("boom"))
	assert.NoError(t, p.Shutdown(context.Background()))
}
