package common

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("svc", "debug").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("svc", "loud").GetLevel())
}

func TestWithContextAddsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := WithContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), `"span_id"`)
}

func TestWithContextWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := WithContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("hello")

	assert.NotContains(t, buf.String(), "trace_id")
}
