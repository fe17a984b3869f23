// ABOUTME: Tests for core telemetry interface and no-op implementation functionality

package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	if spanCtx == nil {
		t.Error("StartSpan returned nil context")
	}
	if span == nil {
		t.Error("StartSpan returned nil span")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestNewForTesting(t *testing.T) {
	tel := NewForTesting()
	if tel == nil {
		t.Fatal("NewForTesting returned nil")
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected *NoopTelemetry, got %T", tel)
	}
}

func TestRecordDuration(t *testing.T) {
	tel := NewNoop()
	start := time.Now()
	time.Sleep(time.Millisecond)

	RecordDuration(context.Background(), tel, "test.duration", start, attribute.String("op", "test"))
}
