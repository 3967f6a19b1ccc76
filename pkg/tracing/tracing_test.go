package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, sr
}

func TestInitTracer_Disabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "pcaprelay"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, span := p.StartSpan(context.Background(), "noop", attribute.String("k", "v"))
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestHTTPMiddleware_RecordsStatus(t *testing.T) {
	p, sr := recordingProvider()

	h := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/J1", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /status/J1", spans[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(503), attrs["http.status_code"].AsInt64())
	assert.True(t, attrs["error"].AsBool())
}

func TestInjectHTTPHeaders(t *testing.T) {
	p, _ := recordingProvider()
	ctx, span := p.StartSpan(context.Background(), "client")
	defer span.End()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectHTTPHeaders(ctx, req)
	assert.NotEmpty(t, req.Header.Get("traceparent"))
}
