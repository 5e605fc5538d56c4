// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package tracing_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sigil-dev/vigil/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := tracing.Init(tracing.Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := tracing.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	tracing.End(span, nil)
}

func TestInitExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := tracing.Init(tracing.Config{
		Enabled:     true,
		ServiceName: "vigil-test",
		Environment: "test",
		Writer:      &buf,
	})
	require.NoError(t, err)

	ctx, span := tracing.Start(context.Background(), "agent.run", attribute.String("operation", "analyze"))
	assert.True(t, span.SpanContext().IsValid())
	_, child := tracing.StartClient(ctx, "loki.query_range")
	tracing.End(child, errors.New("connection refused"))
	tracing.End(span, nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "agent.run")
	assert.Contains(t, buf.String(), "loki.query_range")
	assert.Contains(t, buf.String(), "connection refused")
}
