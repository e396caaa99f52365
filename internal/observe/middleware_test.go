package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	return m, reader, newTestTracerProvider(t)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanAndTraceHeader(t *testing.T) {
	m, _, exp := testSetup(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	}))
	rec := serve(h, httptest.NewRequest("GET", "/status", nil))

	if len(seen) != 32 {
		t.Fatalf("handler saw trace ID %q", seen)
	}
	if got := rec.Header().Get("X-Trace-ID"); got != seen {
		t.Errorf("X-Trace-ID = %q, want %q", got, seen)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /status" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := testSetup(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	serve(h, req)

	if seen != traceID {
		t.Errorf("trace ID = %q, want %q", seen, traceID)
	}
}

func TestMiddleware_RecordsDurationAndStatus(t *testing.T) {
	m, reader, exp := testSetup(t)
	logs := captureLogs(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := serve(h, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "ccdscope.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}

	var found bool
	for _, a := range exp.GetSpans()[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=503")
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("failed request not logged at warn: %s", logs.String())
	}
}

func TestProvider_MetricsHandler(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.FramesDecoded.Add(context.Background(), 7)

	rec := serve(p.MetricsHandler(), httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ccdscope_frames_decoded") {
		t.Errorf("exposition missing ccdscope_frames_decoded:\n%s", rec.Body.String())
	}
}
