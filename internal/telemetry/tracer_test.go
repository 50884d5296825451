// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProviderDisabledIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, provider.tp)

	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ExporterType: "carrier-pigeon"})
	require.EqualError(t, err, "unsupported exporter type: carrier-pigeon (supported: grpc, http)")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "dctd", cfg.ServiceName)
	assert.Equal(t, "grpc", cfg.ExporterType)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)

	cfg = Config{ExporterType: "http"}.withDefaults()
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestActionAttributes(t *testing.T) {
	attrs := ActionAttributes("Tuner", "SetTunerParameters", "http://tuner/ctl")
	require.Len(t, attrs, 3)
	assert.Equal(t, UPnPActionKey, string(attrs[1].Key))
	assert.Equal(t, "SetTunerParameters", attrs[1].Value.AsString())

	freq := FrequencyTuneAttributes("s", 555000000, "QAM256", 3)
	assert.Equal(t, int64(555000000), freq[2].Value.AsInt64())
}
