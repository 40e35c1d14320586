package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error")

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1, "k", "v")
	metrics.RecordTimer("t", time.Millisecond)
	metrics.RecordGauge("g", 1.5)

	tracer := NewNoopTracer()
	spanCtx, span := tracer.Start(ctx, "op")
	assert.Equal(t, ctx, spanCtx)
	span.AddEvent("evt")
	span.SetStatus(codes.Ok, "fine")
	span.RecordError(nil)
	span.End()

	assert.NotNil(t, tracer.Span(ctx))
}

func TestSlogLoggerDefaultsWhenNilLoggerGiven(t *testing.T) {
	assert.NotNil(t, NewSlogLogger(nil))
}

func TestSlogLoggerWritesLeveledMessages(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := NewSlogLogger(slog.New(handler))

	logger.Info(context.Background(), "workflow started", "workflow_id", "wf-1")

	out := buf.String()
	assert.Contains(t, out, "workflow started")
	assert.Contains(t, out, "workflow_id=wf-1")
	assert.True(t, strings.Contains(out, "level=INFO"))
}

func TestTagsToAttrsPairsSequentially(t *testing.T) {
	attrs := tagsToAttrs([]string{"pattern", "swarm", "status", "completed"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("pattern", "swarm"),
		attribute.String("status", "completed"),
	}, attrs)
}

func TestTagsToAttrsPadsUnmatchedTrailingKey(t *testing.T) {
	attrs := tagsToAttrs([]string{"pattern"})
	assert.Equal(t, []attribute.KeyValue{attribute.String("pattern", "")}, attrs)
}

func TestKvToAttrsConvertsByDynamicType(t *testing.T) {
	attrs := kvToAttrs([]any{
		"name", "sub-1",
		"count", 3,
		"cost", 1.25,
		"done", true,
	})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("name", "sub-1"),
		attribute.Int("count", 3),
		attribute.Float64("cost", 1.25),
		attribute.Bool("done", true),
	}, attrs)
}

func TestKvToAttrsFallsBackToEmptyStringForUnknownType(t *testing.T) {
	type custom struct{}
	attrs := kvToAttrs([]any{"field", custom{}})
	assert.Equal(t, []attribute.KeyValue{attribute.String("field", "")}, attrs)
}
