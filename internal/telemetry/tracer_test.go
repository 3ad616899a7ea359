// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Disabled tracing installs a noop provider: spans never record, no exporter
// is dialed, and shutdown is a no-op.
func TestNewProviderDisabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Enabled:      false,
		ServiceName:  "dialcore-test",
		ExporterType: "http",
	})
	require.NoError(t, err)
	require.Nil(t, provider.tp)

	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "dialcore-test",
		ExporterType: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestTracerYieldsSpanInContext(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "dialcore-test"})
	require.NoError(t, err)

	ctx, span := Tracer("test-tracer").Start(context.Background(), "test-span")
	require.NotNil(t, span)
	span.End()
	assert.NotNil(t, trace.SpanFromContext(ctx))
}

// Shutdown on a noop provider tolerates an already-cancelled context.
func TestShutdownCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := &Provider{}
	assert.NoError(t, provider.Shutdown(ctx))
}
