package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartStageSpan(context.Background(), "PLANNER", 0)
	defer span.End()
	assert.Empty(t, W3CTraceparent(ctx), "no-op spans carry no trace context")
}

func TestTraceparentRoundTrip(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("test")
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tracer = otel.Tracer(defaultServiceName)
	})

	ctx, span := StartHTTPSpan(context.Background(), http.MethodGet, "https://example.com/query?apikey=secret")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://example.com", nil)
	InjectTraceparent(ctx, req)
	span.End()

	header := req.Header.Get("traceparent")
	traceID, spanID, flags, ok := ParseTraceparent(header)
	require.True(t, ok, header)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)
	assert.Equal(t, byte(1), flags)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	for _, kv := range ended[0].Attributes() {
		assert.NotContains(t, kv.Value.Emit(), "secret")
	}
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	for _, v := range []string{"", "00-abc", "01-" + string(make([]byte, 32)) + "-x-01", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-zz", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-001"} {
		_, _, _, ok := ParseTraceparent(v)
		assert.False(t, ok, v)
	}

	_, _, flags, ok := ParseTraceparent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.True(t, ok)
	assert.Equal(t, byte(1), flags)
}
