// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Enabled:      false,
		ServiceName:  "test-service",
		ExporterType: "grpc",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if provider.tp != nil {
		t.Error("expected noop provider (tp == nil)")
	}

	tracer := otel.Tracer("test")
	_, span := tracer.Start(context.Background(), "noop-check")
	if span.IsRecording() {
		t.Error("expected noop tracer span to be non-recording")
	}
	span.End()

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestNewProvider_NoopExporterIsFine(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: "noop",
	})
	if err != nil {
		t.Fatalf("expected no error for noop exporter, got: %v", err)
	}
	if provider.tp != nil {
		t.Error("noop exporter must not build a real provider")
	}
}

func TestNewProvider_InvalidExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: "invalid",
	})
	if err == nil {
		t.Fatal("expected error for invalid exporter type")
	}
	if !strings.Contains(err.Error(), "unsupported exporter type") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestTracerHelper(t *testing.T) {
	tr := Tracer("renewd.test")
	if tr == nil {
		t.Fatal("expected a tracer")
	}
}
